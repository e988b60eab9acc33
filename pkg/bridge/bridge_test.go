package bridge_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caam1406/gastos-bridge/pkg/bridge"
	"github.com/caam1406/gastos-bridge/pkg/bus"
	"github.com/caam1406/gastos-bridge/pkg/eventlog"
	"github.com/caam1406/gastos-bridge/pkg/sidechannel"
	"github.com/caam1406/gastos-bridge/pkg/whatsapp"
)

type sentMessage struct {
	ChatID  string
	Body    string
	QuoteID string
}

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	chats     []whatsapp.Chat
	listErr   error
	sendErr   error
	sent      []sentMessage
	listCalls int
}

func (f *fakeSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *fakeSession) setChats(chats []whatsapp.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = chats
}

func (f *fakeSession) ListGroups(ctx context.Context) ([]whatsapp.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]whatsapp.Chat(nil), f.chats...), nil
}

func (f *fakeSession) SendMessage(ctx context.Context, chatID, body, quoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Body: body, QuoteID: quoteID})
	return nil
}

func (f *fakeSession) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeAppender struct {
	mu      sync.Mutex
	records []eventlog.RelayRecord
	err     error
}

func (f *fakeAppender) Append(ctx context.Context, record eventlog.RelayRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fakeAppender) Close() error { return nil }

func (f *fakeAppender) all() []eventlog.RelayRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventlog.RelayRecord(nil), f.records...)
}

type harness struct {
	bridge        *bridge.Bridge
	session       *fakeSession
	appender      *fakeAppender
	bus           *bus.EventBus
	confirmations chan sidechannel.Command
	done          chan error
}

func newHarness(t *testing.T, session *fakeSession, opts bridge.Options) *harness {
	t.Helper()

	if opts.TargetChatName == "" {
		opts.TargetChatName = "GastosMyM"
	}
	if opts.ReadyPollInterval == 0 {
		opts.ReadyPollInterval = 5 * time.Millisecond
	}
	if opts.ReadyPollCeiling == 0 {
		opts.ReadyPollCeiling = 250 * time.Millisecond
	}

	eventBus := bus.New()
	appender := &fakeAppender{}
	b := bridge.New(session, appender, eventBus, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	confirmations := make(chan sidechannel.Command, 4)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, confirmations) }()

	return &harness{
		bridge:        b,
		session:       session,
		appender:      appender,
		bus:           eventBus,
		confirmations: confirmations,
		done:          done,
	}
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// settle gives the loops a moment to process anything in flight before a
// negative assertion.
func settle() { time.Sleep(50 * time.Millisecond) }

func gastosChats() []whatsapp.Chat {
	return []whatsapp.Chat{{ID: "g1", Name: "GastosMyM", IsGroup: true}}
}

func inbound(chatID, body string) bus.MessageEvent {
	return bus.MessageEvent{
		ID:         "m1",
		ChatID:     chatID,
		SenderID:   "56911111111",
		SenderName: "María",
		Timestamp:  time.Unix(1700000000, 0),
		Type:       "text",
		Body:       body,
	}
}

func TestShouldRelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		fromMe bool
		body   string
		want   bool
	}{
		{"own marked reply", true, "🤖: ✅ Gasto procesado.", false},
		{"own unmarked message", true, "Taxi 1200", true},
		{"other author with marker", false, "🤖: spoofed", true},
		{"other author plain", false, "Café 3.50", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := bus.MessageEvent{FromMe: tc.fromMe, Body: tc.body, ChatID: "g1"}
			if got := bridge.ShouldRelay(evt); got != tc.want {
				t.Errorf("ShouldRelay(%+v) = %v, want %v", evt, got, tc.want)
			}
		})
	}
}

func TestRelayInboundMessage(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	h.bus.PublishMessage(inbound("g1", "Café 3.50"))
	waitUntil(t, "record appended", func() bool { return len(h.appender.all()) == 1 })

	rec := h.appender.all()[0]
	if rec.ChatID != "g1" {
		t.Errorf("ChatID = %q, want g1", rec.ChatID)
	}
	if rec.ChatName != "GastosMyM" {
		t.Errorf("ChatName = %q, want GastosMyM", rec.ChatName)
	}
	if rec.Body != "Café 3.50" {
		t.Errorf("Body = %q, want Café 3.50", rec.Body)
	}
	if rec.SenderName != "María" {
		t.Errorf("SenderName = %q, want María", rec.SenderName)
	}
}

func TestRelaySenderNameFallback(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	evt := inbound("g1", "Pan 800")
	evt.SenderName = ""
	h.bus.PublishMessage(evt)
	waitUntil(t, "record appended", func() bool { return len(h.appender.all()) == 1 })

	if got := h.appender.all()[0].SenderName; got != "Unknown" {
		t.Errorf("SenderName = %q, want Unknown", got)
	}
}

func TestSelfEchoIsRelayed(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	evt := inbound("g1", "Taxi 1200")
	evt.FromMe = true
	h.bus.PublishMessage(evt)
	waitUntil(t, "record appended", func() bool { return len(h.appender.all()) == 1 })
}

func TestOwnMarkedReplyNeverRelayed(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	evt := inbound("g1", "🤖: ✅ Gasto procesado.")
	evt.FromMe = true
	h.bus.PublishMessage(evt)
	settle()

	if got := len(h.appender.all()); got != 0 {
		t.Errorf("appended %d records, want 0", got)
	}
}

func TestChatMismatchNotRelayed(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	h.bus.PublishMessage(inbound("g2", "Café 3.50"))
	settle()

	if got := len(h.appender.all()); got != 0 {
		t.Errorf("appended %d records, want 0", got)
	}
}

func TestTargetNotFound(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: []whatsapp.Chat{
		{ID: "g9", Name: "Familia", IsGroup: true},
	}}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "connected state", func() bool { return h.bridge.State() == bridge.StateConnected })

	if h.bridge.Ready() {
		t.Error("bridge reports ready with no target resolved")
	}

	h.bus.PublishMessage(inbound("g9", "Café 3.50"))
	settle()

	if got := len(h.appender.all()); got != 0 {
		t.Errorf("appended %d records, want 0", got)
	}
}

func TestResolveIdempotent(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)
	first := h.bridge.Target().ID

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleRescan})
	waitUntil(t, "second resolution", func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.listCalls >= 2
	})

	if second := h.bridge.Target().ID; second != first {
		t.Errorf("resolution changed target id from %q to %q with unchanged chat list", first, second)
	}
}

func TestRescanClearsStaleTarget(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	// The chat gets renamed out from under us.
	session.setChats([]whatsapp.Chat{{ID: "g1", Name: "GastosRenamed", IsGroup: true}})
	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleRescan})
	waitUntil(t, "target cleared", func() bool { return h.bridge.Target() == nil })
}

func TestEnumerationFailureKeepsTarget(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	session.mu.Lock()
	session.listErr = errors.New("enumeration unavailable")
	session.mu.Unlock()

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleRescan})
	settle()

	if h.bridge.Target() == nil {
		t.Error("transient enumeration failure cleared the cached target")
	}
}

func TestStartupNotice(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{StartupNotice: true})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "startup notice", func() bool { return len(session.sentMessages()) == 1 })

	notice := session.sentMessages()[0]
	if notice.ChatID != "g1" {
		t.Errorf("notice went to %q, want g1", notice.ChatID)
	}
	if !strings.HasPrefix(notice.Body, "🤖: ") {
		t.Errorf("notice %q lacks the bot marker", notice.Body)
	}

	// A second readiness transition must not repeat the notice.
	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	settle()
	if got := len(session.sentMessages()); got != 1 {
		t.Errorf("notice sent %d times, want 1", got)
	}
}

func TestConfirmationSendsQuotedReply(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	h.confirmations <- sidechannel.Command{ReplyMessage: "Gasto procesado.", OriginalWID: "m123"}
	waitUntil(t, "confirmation sent", func() bool { return len(session.sentMessages()) == 1 })

	sent := session.sentMessages()[0]
	if sent.ChatID != "g1" {
		t.Errorf("sent to %q, want g1", sent.ChatID)
	}
	if sent.Body != "🤖: Gasto procesado." {
		t.Errorf("body = %q, want 🤖: Gasto procesado.", sent.Body)
	}
	if sent.QuoteID != "m123" {
		t.Errorf("quote id = %q, want m123", sent.QuoteID)
	}
}

func TestConfirmationWithoutQuote(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	h.confirmations <- sidechannel.Command{ReplyMessage: "Resumen semanal listo."}
	waitUntil(t, "confirmation sent", func() bool { return len(session.sentMessages()) == 1 })

	if got := session.sentMessages()[0].QuoteID; got != "" {
		t.Errorf("quote id = %q, want empty", got)
	}
}

func TestConfirmationDroppedWhenUnresolved(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: nil}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "connected state", func() bool { return h.bridge.State() == bridge.StateConnected })

	h.confirmations <- sidechannel.Command{ReplyMessage: "Gasto procesado.", OriginalWID: "m123"}
	settle()

	if got := len(session.sentMessages()); got != 0 {
		t.Errorf("sent %d messages, want 0", got)
	}
}

func TestConfirmationLoopPrevention(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	h.confirmations <- sidechannel.Command{ReplyMessage: "✅ Gasto procesado.", OriginalWID: "m123"}
	waitUntil(t, "confirmation sent", func() bool { return len(session.sentMessages()) == 1 })

	// The outgoing reply comes back as a self-authored message event.
	echo := inbound("g1", session.sentMessages()[0].Body)
	echo.FromMe = true
	h.bus.PublishMessage(echo)
	settle()

	if got := len(h.appender.all()); got != 0 {
		t.Errorf("own confirmation produced %d relay records, want 0", got)
	}
}

func TestDisconnectHaltsRelayAndSend(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleDisconnected, Reason: "test"})
	waitUntil(t, "disconnected state", func() bool { return h.bridge.State() == bridge.StateDisconnected })

	h.bus.PublishMessage(inbound("g1", "Café 3.50"))
	h.confirmations <- sidechannel.Command{ReplyMessage: "Gasto procesado."}
	settle()

	if got := len(h.appender.all()); got != 0 {
		t.Errorf("relayed %d records while disconnected, want 0", got)
	}
	if got := len(session.sentMessages()); got != 0 {
		t.Errorf("sent %d messages while disconnected, want 0", got)
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleAuthFailure, Reason: "device removed"})
	waitUntil(t, "auth failed state", func() bool { return h.bridge.State() == bridge.StateAuthFailed })

	// A later ready event must not revive the session.
	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	settle()

	if h.bridge.State() != bridge.StateAuthFailed {
		t.Errorf("state = %v after ready, want auth_failed", h.bridge.State())
	}
}

func TestReadinessCeilingBreachIsFatal(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: false, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{
		ReadyPollInterval: 5 * time.Millisecond,
		ReadyPollCeiling:  30 * time.Millisecond,
	})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})

	select {
	case err := <-h.done:
		if !errors.Is(err, bridge.ErrReadyTimeout) {
			t.Errorf("Run returned %v, want ErrReadyTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after readiness ceiling breach")
	}

	if h.bridge.State() == bridge.StateConnected {
		t.Error("bridge entered connected state despite ceiling breach")
	}
}

func TestAppendFailureDropsEvent(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connected: true, chats: gastosChats()}
	h := newHarness(t, session, bridge.Options{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	waitUntil(t, "bridge ready", h.bridge.Ready)

	h.appender.mu.Lock()
	h.appender.err = errors.New("stream unavailable")
	h.appender.mu.Unlock()

	h.bus.PublishMessage(inbound("g1", "Café 3.50"))
	settle()

	// The failure must not wedge the loop: clear the error and relay again.
	h.appender.mu.Lock()
	h.appender.err = nil
	h.appender.mu.Unlock()

	evt := inbound("g1", "Pan 800")
	evt.ID = "m2"
	h.bus.PublishMessage(evt)
	waitUntil(t, "record appended after recovery", func() bool { return len(h.appender.all()) == 1 })

	if got := h.appender.all()[0].MessageID; got != "m2" {
		t.Errorf("relayed record id = %q, want m2", got)
	}
}
