package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/caam1406/gastos-bridge/pkg/bus"
	"github.com/caam1406/gastos-bridge/pkg/eventlog"
	"github.com/caam1406/gastos-bridge/pkg/logger"
	"github.com/caam1406/gastos-bridge/pkg/sidechannel"
	"github.com/caam1406/gastos-bridge/pkg/whatsapp"
)

// BotMarker prefixes every bridge-authored reply. The loop guard relies on
// it to keep our own confirmations from being re-ingested.
const BotMarker = "🤖: "

const startupNoticeText = BotMarker + "Bridge conectado. Registrando gastos de este grupo."

// ErrReadyTimeout is returned when the session reports ready but never
// becomes able to enumerate chats within the readiness ceiling. It is a
// fatal startup condition; the process exits and the supervisor restarts it.
var ErrReadyTimeout = fmt.Errorf("session did not become ready within the readiness ceiling")

// Session is the capability surface the bridge consumes from the WhatsApp
// client.
type Session interface {
	IsConnected() bool
	ListGroups(ctx context.Context) ([]whatsapp.Chat, error)
	SendMessage(ctx context.Context, chatID, body, quoteID string) error
}

type Options struct {
	TargetChatName string
	StartupNotice  bool
	RescanCron     string

	// Strict readiness poll. Zero values get the 1s / 30s defaults.
	ReadyPollInterval time.Duration
	ReadyPollCeiling  time.Duration
}

// Bridge owns the readiness state machine, the target resolver, the
// loop-guard filter, the relay publisher, and the confirmation subscriber.
type Bridge struct {
	session  Session
	appender eventlog.Appender
	eventBus *bus.EventBus
	opts     Options

	snap       atomic.Pointer[snapshot]
	noticeSent bool
}

func New(session Session, appender eventlog.Appender, eventBus *bus.EventBus, opts Options) *Bridge {
	if opts.ReadyPollInterval == 0 {
		opts.ReadyPollInterval = time.Second
	}
	if opts.ReadyPollCeiling == 0 {
		opts.ReadyPollCeiling = 30 * time.Second
	}

	b := &Bridge{
		session:  session,
		appender: appender,
		eventBus: eventBus,
		opts:     opts,
	}
	b.snap.Store(&snapshot{state: StateQRPending})
	return b
}

// State returns the current session state.
func (b *Bridge) State() SessionState {
	return b.snap.Load().state
}

// Target returns the resolved target chat, or nil.
func (b *Bridge) Target() *Target {
	return b.snap.Load().target
}

// Ready reports whether the bridge can currently relay and send.
func (b *Bridge) Ready() bool {
	s := b.snap.Load()
	return s.state == StateConnected && s.target != nil
}

// Run drives all bridge loops until ctx is cancelled. It returns a non-nil
// error only for the fatal readiness-ceiling breach.
func (b *Bridge) Run(ctx context.Context, confirmations <-chan sidechannel.Command) error {
	fatal := make(chan error, 1)

	go b.messageLoop(ctx)
	go b.confirmationLoop(ctx, confirmations)
	go b.rescanLoop(ctx)
	go func() {
		if err := b.lifecycleLoop(ctx); err != nil {
			fatal <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// ---------------------------------------------------------------------------
// Lifecycle loop (sole snapshot writer)
// ---------------------------------------------------------------------------

func (b *Bridge) lifecycleLoop(ctx context.Context) error {
	for {
		evt, ok := b.eventBus.ConsumeLifecycle(ctx)
		if !ok {
			return nil
		}

		switch evt.Kind {
		case bus.LifecycleQR:
			// The session client already surfaced the challenge out-of-band;
			// the state stays QR_PENDING.
			logger.InfoC("bridge", "QR challenge pending – scan to authenticate")

		case bus.LifecycleReady:
			if err := b.handleReady(ctx); err != nil {
				return err
			}

		case bus.LifecycleAuthFailure:
			b.setState(StateAuthFailed)
			logger.ErrorCF("bridge", "Authentication failed, relay halted until restart", map[string]interface{}{
				"reason": evt.Reason,
			})

		case bus.LifecycleDisconnected:
			b.setState(StateDisconnected)
			logger.WarnCF("bridge", "Session disconnected, relay halted", map[string]interface{}{
				"reason": evt.Reason,
			})

		case bus.LifecycleError:
			logger.WarnCF("bridge", "Session error", map[string]interface{}{
				"reason": evt.Reason,
			})

		case bus.LifecycleRescan:
			if b.snap.Load().state == StateConnected {
				b.resolve(ctx)
			}
		}
	}
}

// handleReady runs the strict readiness transition: AUTHENTICATING, then a
// bounded poll of the connection state before declaring CONNECTED and
// resolving the target. A ceiling breach aborts without entering CONNECTED.
func (b *Bridge) handleReady(ctx context.Context) error {
	if b.snap.Load().state == StateAuthFailed {
		logger.WarnC("bridge", "Ignoring ready event after auth failure")
		return nil
	}

	b.setState(StateAuthenticating)
	ready, err := b.waitForConnected(ctx)
	if err != nil {
		return err
	}
	if !ready {
		// Shutdown while polling.
		return nil
	}
	b.setState(StateConnected)
	logger.InfoC("bridge", "Session connected")

	target := b.resolve(ctx)
	if target != nil && b.opts.StartupNotice && !b.noticeSent {
		if err := b.session.SendMessage(ctx, target.ID, startupNoticeText, ""); err != nil {
			logger.WarnCF("bridge", "Failed to send startup notice", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			b.noticeSent = true
		}
	}
	return nil
}

// waitForConnected polls the connection state at a fixed interval up to the
// readiness ceiling. The first check is immediate. Returns (false, nil) when
// ctx is cancelled before the session becomes ready.
func (b *Bridge) waitForConnected(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(b.opts.ReadyPollCeiling)
	for {
		if b.session.IsConnected() {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, ErrReadyTimeout
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(b.opts.ReadyPollInterval):
		}
	}
}

// ---------------------------------------------------------------------------
// Target resolution
// ---------------------------------------------------------------------------

// resolve scans the chat enumeration for an exact name match and swaps the
// cached target. A scan that finds no match clears any stale value so a
// renamed chat can never keep attracting records; an enumeration failure
// keeps the previous cache (transient I/O, next trigger retries).
func (b *Bridge) resolve(ctx context.Context) *Target {
	chats, err := b.session.ListGroups(ctx)
	if err != nil {
		logger.WarnCF("bridge", "Chat enumeration failed, keeping previous target", map[string]interface{}{
			"error": err.Error(),
		})
		return b.snap.Load().target
	}

	for _, chat := range chats {
		if chat.Name == b.opts.TargetChatName {
			target := &Target{ID: chat.ID, Name: chat.Name}
			b.setTarget(target)
			logger.InfoCF("bridge", "Target chat resolved", map[string]interface{}{
				"chat_id":   target.ID,
				"chat_name": target.Name,
			})
			return target
		}
	}

	b.setTarget(nil)
	logger.WarnCF("bridge", "Target chat not found, relay idle until next resolution", map[string]interface{}{
		"chat_name": b.opts.TargetChatName,
	})
	return nil
}

func (b *Bridge) setState(state SessionState) {
	prev := b.snap.Load()
	b.snap.Store(&snapshot{state: state, target: prev.target})
}

func (b *Bridge) setTarget(target *Target) {
	prev := b.snap.Load()
	b.snap.Store(&snapshot{state: prev.state, target: target})
}

// ---------------------------------------------------------------------------
// Relay path
// ---------------------------------------------------------------------------

// ShouldRelay is the loop guard: it rejects events this process authored as
// automated replies. It runs before target matching and before any external
// call.
func ShouldRelay(evt bus.MessageEvent) bool {
	return !(evt.FromMe && strings.HasPrefix(evt.Body, BotMarker))
}

func (b *Bridge) messageLoop(ctx context.Context) {
	for {
		evt, ok := b.eventBus.ConsumeMessage(ctx)
		if !ok {
			return
		}
		b.handleMessage(ctx, evt)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, evt bus.MessageEvent) {
	if !ShouldRelay(evt) {
		logger.DebugCF("bridge", "Loop guard rejected own reply", map[string]interface{}{
			"message_id": evt.ID,
		})
		return
	}

	snap := b.snap.Load()
	if snap.state != StateConnected {
		logger.DebugCF("bridge", "Dropping message, session not connected", map[string]interface{}{
			"state": snap.state.String(),
		})
		return
	}
	if snap.target == nil {
		logger.DebugC("bridge", "Dropping message, target chat unresolved")
		return
	}
	if evt.ChatID != snap.target.ID {
		return
	}

	senderName := evt.SenderName
	if senderName == "" {
		senderName = "Unknown"
	}

	record := eventlog.RelayRecord{
		MessageID:  evt.ID,
		ChatID:     snap.target.ID,
		ChatName:   snap.target.Name,
		SenderID:   evt.SenderID,
		SenderName: senderName,
		Timestamp:  evt.Timestamp.Unix(),
		Type:       evt.Type,
		Body:       evt.Body,
	}

	if err := b.appender.Append(ctx, record); err != nil {
		logger.ErrorCF("bridge", "Failed to append relay record, event dropped", map[string]interface{}{
			"message_id": evt.ID,
			"error":      err.Error(),
		})
		return
	}

	b.eventBus.Observe(bus.BusEvent{Type: "relay", Record: record.Fields()})
	logger.InfoCF("bridge", "Message relayed", map[string]interface{}{
		"message_id": evt.ID,
		"sender":     senderName,
	})
}

// ---------------------------------------------------------------------------
// Confirmation subscriber
// ---------------------------------------------------------------------------

func (b *Bridge) confirmationLoop(ctx context.Context, confirmations <-chan sidechannel.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-confirmations:
			if !ok {
				return
			}
			b.handleConfirmation(ctx, cmd)
		}
	}
}

// handleConfirmation sends a marked reply into the target chat, quoting the
// original message when the command references one. At-most-once: failures
// are logged, never retried.
func (b *Bridge) handleConfirmation(ctx context.Context, cmd sidechannel.Command) {
	snap := b.snap.Load()
	if snap.state != StateConnected {
		logger.ErrorCF("bridge", "Dropping confirmation, session not connected", map[string]interface{}{
			"state": snap.state.String(),
		})
		return
	}
	if snap.target == nil {
		logger.ErrorC("bridge", "Dropping confirmation, target chat unresolved")
		return
	}

	body := BotMarker + cmd.ReplyMessage
	if err := b.session.SendMessage(ctx, snap.target.ID, body, cmd.OriginalWID); err != nil {
		logger.ErrorCF("bridge", "Failed to send confirmation", map[string]interface{}{
			"quote_id": cmd.OriginalWID,
			"error":    err.Error(),
		})
		return
	}

	b.eventBus.Observe(bus.BusEvent{Type: "confirmation_sent", Detail: cmd.OriginalWID})
	logger.InfoCF("bridge", "Confirmation sent", map[string]interface{}{
		"quote_id": cmd.OriginalWID,
	})
}

// ---------------------------------------------------------------------------
// Periodic re-resolution
// ---------------------------------------------------------------------------

// rescanLoop re-resolves the target chat on the configured cron schedule so
// a renamed chat is picked up without waiting for a reconnect. The rescan is
// delivered as a synthetic lifecycle event to keep all cache writes on the
// lifecycle loop.
func (b *Bridge) rescanLoop(ctx context.Context) {
	if b.opts.RescanCron == "" {
		return
	}

	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(b.opts.RescanCron, time.Now())
			if err != nil {
				logger.WarnCF("bridge", "Invalid rescan schedule", map[string]interface{}{
					"cron":  b.opts.RescanCron,
					"error": err.Error(),
				})
				return
			}
			if due {
				b.eventBus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleRescan})
			}
		}
	}
}
