package broadcast_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/saveup/coach/internal/broadcast"
	"github.com/saveup/coach/internal/content"
	"github.com/saveup/coach/internal/optin"
	"github.com/saveup/coach/internal/router"
)

type fakeTransport struct {
	texts    map[string]string
	photos   map[string]string
	failFor  map[string]bool
	lastLink *router.Button
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		texts:   make(map[string]string),
		photos:  make(map[string]string),
		failFor: make(map[string]bool),
	}
}

func (t *fakeTransport) SendText(_ context.Context, userID, text string, _ *router.Button) error {
	if t.failFor[userID] {
		return errors.New("unreachable")
	}
	t.texts[userID] = text
	return nil
}

func (t *fakeTransport) SendPhoto(_ context.Context, userID, _, caption string, button *router.Button) error {
	if t.failFor[userID] {
		return errors.New("unreachable")
	}
	t.photos[userID] = caption
	t.lastLink = button
	return nil
}

type staticUsers []string

func (u staticUsers) ListUsers(context.Context) ([]string, error) { return u, nil }

type failingUsers struct{}

func (failingUsers) ListUsers(context.Context) ([]string, error) {
	return nil, errors.New("database closed")
}

func TestBroadcaster_DailyTipOnlyToOptedIn(t *testing.T) {
	transport := newFakeTransport()
	prefs := optin.NewStore()
	prefs.Set("@anna:example.org", true)
	prefs.Set("@bruno:example.org", false)
	prefs.Set("@carla:example.org", true)

	b := broadcast.New(transport, content.NewLoader(), prefs, staticUsers(nil))
	report := b.SendDailyTip(context.Background())

	if report.Sent != 2 || report.Failed != 0 {
		t.Errorf("report sent=%d failed=%d, want 2/0", report.Sent, report.Failed)
	}
	if report.RunID == "" {
		t.Error("report has no run id")
	}
	if _, ok := transport.texts["@bruno:example.org"]; ok {
		t.Error("declined user received a tip")
	}
	if got := transport.texts["@anna:example.org"]; !strings.Contains(got, "Consiglio del giorno") {
		t.Errorf("tip text = %q, want a tip header", got)
	}
	// Everyone in the run gets the same tip.
	if transport.texts["@anna:example.org"] != transport.texts["@carla:example.org"] {
		t.Error("recipients got different tips in the same run")
	}
}

func TestBroadcaster_DailyTipContinuesPastFailures(t *testing.T) {
	transport := newFakeTransport()
	transport.failFor["@bruno:example.org"] = true

	prefs := optin.NewStore()
	for _, u := range []string{"@anna:example.org", "@bruno:example.org", "@carla:example.org"} {
		prefs.Set(u, true)
	}

	b := broadcast.New(transport, content.NewLoader(), prefs, staticUsers(nil))
	report := b.SendDailyTip(context.Background())

	if report.Sent != 2 || report.Failed != 1 {
		t.Errorf("report sent=%d failed=%d, want 2/1", report.Sent, report.Failed)
	}
	var failedUser string
	for _, res := range report.Results {
		if res.Err != nil {
			failedUser = res.UserID
		}
	}
	if failedUser != "@bruno:example.org" {
		t.Errorf("failed user = %q, want @bruno:example.org", failedUser)
	}
}

func TestBroadcaster_DailyDigestToAllUsers(t *testing.T) {
	transport := newFakeTransport()
	users := staticUsers{"@anna:example.org", "@bruno:example.org"}

	b := broadcast.New(transport, content.NewLoader(), optin.NewStore(), users)
	report := b.SendDailyDigest(context.Background())

	if report.Sent != 2 {
		t.Errorf("report sent=%d, want every known user", report.Sent)
	}
	if got := transport.photos["@bruno:example.org"]; !strings.Contains(got, "risparmio") {
		t.Errorf("digest caption = %q", got)
	}
	if transport.lastLink == nil || transport.lastLink.URL == "" {
		t.Error("digest was sent without its link button")
	}
}

func TestBroadcaster_DailyDigestListFailure(t *testing.T) {
	transport := newFakeTransport()

	b := broadcast.New(transport, content.NewLoader(), optin.NewStore(), failingUsers{})
	report := b.SendDailyDigest(context.Background())

	if report.Sent != 0 || report.Failed != 0 || len(report.Results) != 0 {
		t.Errorf("report = %+v, want an empty run", report)
	}
	if report.RunID == "" {
		t.Error("failed run still needs a run id for the logs")
	}
}

func TestBroadcaster_CancelledContextStopsFanOut(t *testing.T) {
	transport := newFakeTransport()
	prefs := optin.NewStore()
	prefs.Set("@anna:example.org", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := broadcast.New(transport, content.NewLoader(), prefs, staticUsers(nil))
	report := b.SendDailyTip(ctx)

	if report.Sent != 0 {
		t.Errorf("sent %d messages on a cancelled context", report.Sent)
	}
}
