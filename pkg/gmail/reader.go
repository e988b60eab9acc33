package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/caam1406/gastos-bridge/pkg/eventlog"
	"github.com/caam1406/gastos-bridge/pkg/logger"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"
	scopeModify    = "https://www.googleapis.com/auth/gmail.modify"

	// DefaultQuery matches the bank's card-purchase notification emails.
	DefaultQuery = `from:"Banco de Chile" subject:"Compra con Tarjeta de Crédito" is:unread`
)

// Reader polls Gmail for expense notification emails and publishes each
// unread match to the relay stream, then marks it read. It is a second feed
// into the same log the WhatsApp bridge appends to.
type Reader struct {
	httpClient *http.Client
	appender   eventlog.Appender
	query      string
	interval   time.Duration
	baseURL    string

	senderID   string
	senderName string
}

// New builds a Reader from the OAuth installed-app credential files:
// credentials.json (client secrets from the Google Cloud console) and
// token.json (the authorized user token). Token refresh is handled by the
// oauth2 client.
func New(ctx context.Context, credentialsPath, tokenPath, query string, appender eventlog.Appender) (*Reader, error) {
	credData, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(credData, scopeModify)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials file: %w", err)
	}

	tokenData, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("invalid token file: %w", err)
	}

	if query == "" {
		query = DefaultQuery
	}

	return &Reader{
		httpClient: conf.Client(ctx, &token),
		appender:   appender,
		query:      query,
		interval:   60 * time.Second,
		baseURL:    defaultBaseURL,
		senderID:   "banco.de.chile@gmail.com",
		senderName: "Banco de Chile",
	}, nil
}

// NewWithClient wires an explicit HTTP client and base URL; used by tests.
func NewWithClient(client *http.Client, baseURL, query string, appender eventlog.Appender) *Reader {
	return &Reader{
		httpClient: client,
		appender:   appender,
		query:      query,
		interval:   60 * time.Second,
		baseURL:    baseURL,
		senderID:   "banco.de.chile@gmail.com",
		senderName: "Banco de Chile",
	}
}

// Run polls until ctx is cancelled. Individual poll failures are logged and
// retried on the next cycle.
func (r *Reader) Run(ctx context.Context) {
	logger.InfoCF("gmail", "Gmail feed started", map[string]interface{}{
		"query": r.query,
	})

	for {
		if err := r.poll(ctx); err != nil {
			logger.ErrorCF("gmail", "Poll failed", map[string]interface{}{
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

func (r *Reader) poll(ctx context.Context) error {
	ids, err := r.listUnread(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		subject, body, err := r.fetchMessage(ctx, id)
		if err != nil {
			logger.ErrorCF("gmail", "Failed to fetch email, skipping", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
			continue
		}

		record := eventlog.RelayRecord{
			MessageID:  "gmail-" + id,
			ChatID:     "gmail",
			ChatName:   "Gmail",
			SenderID:   r.senderID,
			SenderName: r.senderName,
			Timestamp:  time.Now().Unix(),
			Type:       "email",
			Body:       body,
		}

		if err := r.appender.Append(ctx, record); err != nil {
			logger.ErrorCF("gmail", "Failed to append email record, will retry next poll", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
			continue
		}

		logger.InfoCF("gmail", "Email relayed", map[string]interface{}{
			"id":      id,
			"subject": subject,
		})

		// Mark read only after a successful append so the email is retried
		// if the stream was unavailable.
		if err := r.markRead(ctx, id); err != nil {
			logger.WarnCF("gmail", "Failed to mark email read", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Gmail REST API
// ---------------------------------------------------------------------------

type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type messagePart struct {
	Headers []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

type messageResponse struct {
	ID      string      `json:"id"`
	Payload messagePart `json:"payload"`
}

func (r *Reader) listUnread(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		endpoint := fmt.Sprintf("%s/messages?q=%s", r.baseURL, url.QueryEscape(r.query))
		if pageToken != "" {
			endpoint += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var resp listResponse
		if err := r.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.ID)
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (r *Reader) fetchMessage(ctx context.Context, id string) (subject, body string, err error) {
	endpoint := fmt.Sprintf("%s/messages/%s?format=full", r.baseURL, url.PathEscape(id))

	var resp messageResponse
	if err := r.getJSON(ctx, endpoint, &resp); err != nil {
		return "", "", fmt.Errorf("get message: %w", err)
	}

	for _, h := range resp.Payload.Headers {
		if h.Name == "Subject" {
			subject = h.Value
			break
		}
	}

	data := resp.Payload.Body.Data
	if len(resp.Payload.Parts) > 0 {
		data = resp.Payload.Parts[0].Body.Data
	}

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", "", fmt.Errorf("decode body: %w", err)
	}
	return subject, string(decoded), nil
}

func (r *Reader) markRead(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("%s/messages/%s/modify", r.baseURL, url.PathEscape(id))
	payload := []byte(`{"removeLabelIds":["UNREAD"]}`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modify returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *Reader) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
