package router_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/saveup/coach/internal/content"
	"github.com/saveup/coach/internal/goals"
	"github.com/saveup/coach/internal/optin"
	"github.com/saveup/coach/internal/quota"
	"github.com/saveup/coach/internal/router"
)

type sentMessage struct {
	userID string
	text   string
}

type fakeTransport struct {
	sent []sentMessage
	fail bool
}

func (t *fakeTransport) SendText(_ context.Context, userID, text string, _ *router.Button) error {
	if t.fail {
		return errors.New("transport down")
	}
	t.sent = append(t.sent, sentMessage{userID, text})
	return nil
}

func (t *fakeTransport) SendPhoto(_ context.Context, userID, _, caption string, _ *router.Button) error {
	t.sent = append(t.sent, sentMessage{userID, caption})
	return nil
}

func (t *fakeTransport) texts() []string {
	out := make([]string, len(t.sent))
	for i, m := range t.sent {
		out[i] = m.text
	}
	return out
}

type fakeInference struct {
	reply     string
	err       error
	asked     []string
	documents int
	threads   int
}

func (f *fakeInference) EnsureThread(_ context.Context, userID string) (string, error) {
	f.threads++
	return "thread-" + userID, nil
}

func (f *fakeInference) Ask(_ context.Context, _, userText, _ string) (string, error) {
	f.asked = append(f.asked, userText)
	return f.reply, f.err
}

func (f *fakeInference) AskDocument(_ context.Context, _, _, _ string, _ []byte) (string, error) {
	f.documents++
	return f.reply, f.err
}

type fakeUsers struct {
	recorded []string
	count    int
	countErr error
}

func (f *fakeUsers) RecordUser(_ context.Context, userID string) error {
	f.recorded = append(f.recorded, userID)
	return nil
}

func (f *fakeUsers) UserCount(_ context.Context) (int, error) {
	return f.count, f.countErr
}

type fixture struct {
	router    *router.Router
	transport *fakeTransport
	inference *fakeInference
	users     *fakeUsers
	goals     *goals.Store
	optin     *optin.Store
}

func newFixture(t *testing.T, cfg router.Config) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		inference: &fakeInference{reply: "risposta del coach"},
		users:     &fakeUsers{count: 3},
		goals:     goals.NewStore(),
		optin:     optin.NewStore(),
	}
	f.router = router.New(cfg, f.transport, f.inference, f.users,
		quota.NewTracker(quota.DefaultConfig()), f.goals, f.optin, content.NewLoader())
	return f
}

func TestRouter_RelaysTextToInference(t *testing.T) {
	f := newFixture(t, router.Config{})

	f.router.HandleText(context.Background(), "@anna:example.org", "Come posso risparmiare?")

	if len(f.users.recorded) != 1 || f.users.recorded[0] != "@anna:example.org" {
		t.Errorf("recorded users = %v, want the sender once", f.users.recorded)
	}
	if len(f.inference.asked) != 1 || f.inference.asked[0] != "Come posso risparmiare?" {
		t.Errorf("asked = %v, want the original question", f.inference.asked)
	}
	// Thinking placeholder first, then the model reply.
	texts := f.transport.texts()
	if len(texts) != 2 {
		t.Fatalf("sent %d messages, want 2: %v", len(texts), texts)
	}
	if texts[1] != "risposta del coach" {
		t.Errorf("final reply = %q, want the model reply", texts[1])
	}
}

func TestRouter_InferenceFailureYieldsApology(t *testing.T) {
	f := newFixture(t, router.Config{})
	f.inference.err = errors.New("upstream exploded")

	f.router.HandleText(context.Background(), "@anna:example.org", "ciao coach")

	texts := f.transport.texts()
	if len(texts) != 2 {
		t.Fatalf("sent %d messages, want thinking phrase + apology: %v", len(texts), texts)
	}
	if !strings.Contains(texts[1], "Ops") {
		t.Errorf("final reply = %q, want the apology", texts[1])
	}
}

func TestRouter_BlockedUserGetsOnlyBlockNotice(t *testing.T) {
	f := newFixture(t, router.Config{})
	ctx := context.Background()

	for i := 0; i <= quota.DefaultMaxMessagesPerDay; i++ {
		f.router.HandleText(ctx, "@anna:example.org", "x")
	}
	f.transport.sent = nil
	f.inference.asked = nil

	f.router.HandleText(ctx, "@anna:example.org", "ancora una domanda")

	texts := f.transport.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "limite giornaliero") {
		t.Errorf("sent = %v, want only the block notice", texts)
	}
	if len(f.inference.asked) != 0 {
		t.Errorf("inference was called %d times for a blocked user", len(f.inference.asked))
	}
}

func TestRouter_WarningPrecedesReply(t *testing.T) {
	f := newFixture(t, router.Config{})
	ctx := context.Background()

	// Message warning fires when remaining equals the threshold exactly.
	warnAt := quota.DefaultMaxMessagesPerDay - quota.DefaultMessageWarnThreshold
	for i := 0; i < warnAt-1; i++ {
		f.router.HandleText(ctx, "@anna:example.org", "x")
	}
	f.transport.sent = nil

	f.router.HandleText(ctx, "@anna:example.org", "x")

	texts := f.transport.texts()
	if len(texts) != 3 {
		t.Fatalf("sent %d messages, want warning + thinking + reply: %v", len(texts), texts)
	}
	if !strings.Contains(texts[0], "⚠️") {
		t.Errorf("first message = %q, want the quota warning", texts[0])
	}
	if texts[2] != "risposta del coach" {
		t.Errorf("last message = %q, want the model reply", texts[2])
	}
}

func TestRouter_StartSendsWelcome(t *testing.T) {
	f := newFixture(t, router.Config{})

	f.router.HandleText(context.Background(), "@anna:example.org", "/start")

	texts := f.transport.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "SaveUp Coach") {
		t.Errorf("sent = %v, want only the welcome", texts)
	}
}

func TestRouter_OptInFlow(t *testing.T) {
	f := newFixture(t, router.Config{OptInEnabled: true})
	ctx := context.Background()

	f.router.HandleText(ctx, "@anna:example.org", "/start")
	texts := f.transport.texts()
	if len(texts) != 2 || !strings.Contains(texts[1], "SI o NO") {
		t.Fatalf("sent = %v, want welcome + opt-in question", texts)
	}

	f.router.HandleText(ctx, "@anna:example.org", "SI")
	if got := f.optin.OptedIn(); len(got) != 1 || got[0] != "@anna:example.org" {
		t.Errorf("opted in = %v, want the user", got)
	}

	// The question is not repeated once answered.
	f.transport.sent = nil
	f.router.HandleText(ctx, "@anna:example.org", "/start")
	if texts := f.transport.texts(); len(texts) != 1 {
		t.Errorf("second /start sent = %v, want only the welcome", texts)
	}
}

func TestRouter_OptInDecline(t *testing.T) {
	f := newFixture(t, router.Config{OptInEnabled: true})
	ctx := context.Background()

	f.router.HandleText(ctx, "@bruno:example.org", "/start")
	f.router.HandleText(ctx, "@bruno:example.org", "no")

	if got := f.optin.OptedIn(); len(got) != 0 {
		t.Errorf("opted in = %v, want nobody", got)
	}
	if _, answered := f.optin.Get("@bruno:example.org"); !answered {
		t.Error("decline was not recorded as an answer")
	}
}

func TestRouter_OptInAbandonedByOtherMessage(t *testing.T) {
	f := newFixture(t, router.Config{OptInEnabled: true})
	ctx := context.Background()

	f.router.HandleText(ctx, "@carla:example.org", "/start")
	f.router.HandleText(ctx, "@carla:example.org", "quanto costa un mutuo?")

	// The question falls through to the model and stays unanswered.
	if len(f.inference.asked) != 1 {
		t.Fatalf("inference asked %d times, want 1", len(f.inference.asked))
	}
	if _, answered := f.optin.Get("@carla:example.org"); answered {
		t.Error("unrelated message was recorded as an opt-in answer")
	}

	// A later "si" is just a message, not a stale answer.
	f.router.HandleText(ctx, "@carla:example.org", "si")
	if _, answered := f.optin.Get("@carla:example.org"); answered {
		t.Error("late 'si' was captured after the question was abandoned")
	}
}

func TestRouter_GoalLifecycle(t *testing.T) {
	f := newFixture(t, router.Config{})
	ctx := context.Background()
	user := "@anna:example.org"

	reply := func(text string) string {
		f.transport.sent = nil
		f.router.HandleText(ctx, user, text)
		texts := f.transport.texts()
		if len(texts) != 1 {
			t.Fatalf("command %q sent %d messages, want 1: %v", text, len(texts), texts)
		}
		return texts[0]
	}

	if got := reply("/vedi"); !strings.Contains(got, "Non hai ancora un obiettivo") {
		t.Errorf("/vedi with no goal = %q", got)
	}
	if got := reply("/obiettivo vacanza al mare 1000"); !strings.Contains(got, "vacanza al mare") {
		t.Errorf("/obiettivo = %q", got)
	}
	if got := reply("/risparmio 250"); !strings.Contains(got, "25.0%") {
		t.Errorf("/risparmio = %q, want 25.0%% progress", got)
	}
	if got := reply("/risparmio 250,50"); !strings.Contains(got, "250.50") {
		t.Errorf("italian decimal = %q, want 250.50 recorded", got)
	}
	if got := reply("/cancella"); !strings.Contains(got, "eliminato") {
		t.Errorf("/cancella = %q", got)
	}
	if got := reply("/vedi"); !strings.Contains(got, "Non hai ancora un obiettivo") {
		t.Errorf("/vedi after delete = %q", got)
	}
}

func TestRouter_GoalBadFormat(t *testing.T) {
	f := newFixture(t, router.Config{})
	ctx := context.Background()

	for _, text := range []string{
		"/obiettivo",
		"/obiettivo vacanza",
		"/obiettivo vacanza zero",
		"/obiettivo vacanza -5",
		"/risparmio",
		"/risparmio tanto",
	} {
		f.transport.sent = nil
		f.router.HandleText(ctx, "@anna:example.org", text)
		texts := f.transport.texts()
		if len(texts) != 1 || !strings.Contains(texts[0], "Formato non corretto") {
			t.Errorf("%q sent = %v, want the bad-format reply", text, texts)
		}
	}
}

func TestRouter_UserCountCommand(t *testing.T) {
	f := newFixture(t, router.Config{})
	f.users.count = 42

	f.router.HandleText(context.Background(), "@anna:example.org", "/utenti")

	texts := f.transport.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "42") {
		t.Errorf("sent = %v, want the subscriber count", texts)
	}
}

func TestRouter_UnknownCommandFallsThroughToModel(t *testing.T) {
	f := newFixture(t, router.Config{})

	f.router.HandleText(context.Background(), "@anna:example.org", "/aiuto come funziona?")

	if len(f.inference.asked) != 1 {
		t.Errorf("inference asked %d times, want unknown command relayed", len(f.inference.asked))
	}
}

func TestRouter_HandleDocument(t *testing.T) {
	f := newFixture(t, router.Config{})

	f.router.HandleDocument(context.Background(), "@anna:example.org", router.Document{
		Filename: "estratto.pdf",
		Caption:  "Analizza questo estratto conto",
		Data:     []byte("%PDF-1.4"),
	})

	if f.inference.documents != 1 {
		t.Fatalf("documents relayed = %d, want 1", f.inference.documents)
	}
	texts := f.transport.texts()
	if len(texts) != 2 || texts[1] != "risposta del coach" {
		t.Errorf("sent = %v, want thinking phrase + reply", texts)
	}
}

func TestRouter_TransportFailureDoesNotPanic(t *testing.T) {
	f := newFixture(t, router.Config{})
	f.transport.fail = true

	f.router.HandleText(context.Background(), "@anna:example.org", "ciao")

	if len(f.inference.asked) != 1 {
		t.Errorf("inference asked %d times despite transport failure, want 1", len(f.inference.asked))
	}
}
