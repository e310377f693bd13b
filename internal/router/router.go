// Package router dispatches inbound chat messages: quota check first, then
// the opt-in flow, then goal commands, then the language-model relay.
//
// The outermost boundary guarantees that every inbound message yields
// exactly one of: a substantive reply, a warning plus a reply, a block
// notice, or a generic apology. Nothing here ever panics a message away.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/saveup/coach/internal/content"
	"github.com/saveup/coach/internal/goals"
	"github.com/saveup/coach/internal/metrics"
	"github.com/saveup/coach/internal/optin"
	"github.com/saveup/coach/internal/quota"
)

// User-facing replies. The coach speaks Italian.
const (
	msgBlocked       = "⛔ Hai superato il limite giornaliero di messaggi. Riprova domani!"
	msgApology       = "😓 Ops, qualcosa è andato storto. Riprova più tardi!"
	msgBadFormat     = "❌ Formato non corretto. Controlla il comando e riprova."
	msgNoGoal        = "Non hai ancora un obiettivo di risparmio. Creane uno con /obiettivo <descrizione> <importo>."
	msgGoalDeleted   = "🗑 Obiettivo eliminato."
	msgOptInYes      = "Perfetto! Ti invierò un consiglio di risparmio ogni giorno. 💪"
	msgOptInNo       = "Va bene, niente consigli giornalieri. Puoi sempre scrivermi quando vuoi!"
	msgWarnMessages  = "⚠️ Attenzione: ti restano solo %d messaggi per oggi."
	msgWarnChars     = "⚠️ Attenzione: ti restano circa %d caratteri per oggi."
	msgGoalSet       = "🎯 Obiettivo salvato: %s (%.2f€). Inizia a risparmiare!"
	msgGoalProgress  = "💰 %s: hai risparmiato %.2f€ su %.2f€ (%.1f%%)."
	msgUserCount     = "👥 Utenti registrati: %d"
	msgUserCountFail = "Non riesco a contare gli utenti in questo momento."
)

// Button is an optional tappable link attached to an outgoing message.
type Button struct {
	Label string
	URL   string
}

// ChatTransport sends messages back to the chat platform. Delivery
// failures are per-recipient and non-fatal to the caller.
type ChatTransport interface {
	SendText(ctx context.Context, userID, text string, button *Button) error
	SendPhoto(ctx context.Context, userID, imageURL, caption string, button *Button) error
}

// InferenceClient is the hosted language-model service.
type InferenceClient interface {
	EnsureThread(ctx context.Context, userID string) (string, error)
	Ask(ctx context.Context, threadID, userText, instructions string) (string, error)
	AskDocument(ctx context.Context, threadID, caption, filename string, data []byte) (string, error)
}

// UserStore records every user the coach has ever talked to.
type UserStore interface {
	RecordUser(ctx context.Context, userID string) error
	UserCount(ctx context.Context) (int, error)
}

// Document is an inbound document message.
type Document struct {
	Filename string
	Caption  string
	Data     []byte
}

// Config holds routing options.
type Config struct {
	// OptInEnabled controls whether /start asks the daily-tip question.
	OptInEnabled bool
	// MaxReplyCharacters caps the model's reply length. The cap is
	// enforced by system instruction, not locally. Defaults to 1000.
	MaxReplyCharacters int
}

type commandHandler func(ctx context.Context, userID string, cmd *Command) string

// Router owns the per-message dispatch policy.
type Router struct {
	cfg       Config
	transport ChatTransport
	inference InferenceClient
	users     UserStore
	quota     *quota.Tracker
	goals     *goals.Store
	optin     *optin.Store
	content   *content.Loader
	handlers  map[string]commandHandler

	mu       sync.Mutex
	awaiting map[string]bool // users we asked the opt-in question, unanswered
}

// New creates a Router with all collaborators wired in.
func New(cfg Config, transport ChatTransport, inf InferenceClient, users UserStore,
	qt *quota.Tracker, gs *goals.Store, prefs *optin.Store, pack *content.Loader) *Router {
	if cfg.MaxReplyCharacters <= 0 {
		cfg.MaxReplyCharacters = 1000
	}
	r := &Router{
		cfg:       cfg,
		transport: transport,
		inference: inf,
		users:     users,
		quota:     qt,
		goals:     gs,
		optin:     prefs,
		content:   pack,
		awaiting:  make(map[string]bool),
	}
	r.handlers = map[string]commandHandler{
		"obiettivo": r.handleGoalSet,
		"risparmio": r.handleGoalUpdate,
		"vedi":      r.handleGoalView,
		"cancella":  r.handleGoalDelete,
		"utenti":    r.handleUserCount,
	}
	return r
}

// HandleText processes one inbound text message end to end.
func (r *Router) HandleText(ctx context.Context, userID, text string) {
	if err := r.users.RecordUser(ctx, userID); err != nil {
		slog.Warn("record user", "user", userID, "err", err)
	}

	d := r.quota.Record(userID, text)
	if d.Outcome != quota.Ok {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		r.send(ctx, userID, msgBlocked)
		return
	}
	r.sendQuotaWarnings(ctx, userID, d)

	if isStart(text) {
		metrics.MessagesTotal.WithLabelValues("start").Inc()
		r.handleStart(ctx, userID)
		return
	}

	if handled := r.captureOptIn(ctx, userID, text); handled {
		metrics.MessagesTotal.WithLabelValues("optin").Inc()
		return
	}

	if cmd, err := ParseCommand(text); err == nil {
		if handler, ok := r.handlers[cmd.Name]; ok {
			metrics.MessagesTotal.WithLabelValues("command").Inc()
			r.send(ctx, userID, handler(ctx, userID, cmd))
			return
		}
		// Unknown commands read like questions; let the model answer.
	} else if !errors.Is(err, ErrNotACommand) {
		metrics.MessagesTotal.WithLabelValues("command").Inc()
		r.send(ctx, userID, msgBadFormat)
		return
	}

	r.relay(ctx, userID, func(thread string) (string, error) {
		return r.inference.Ask(ctx, thread, text, r.instructions())
	})
}

// HandleDocument processes an inbound document (e.g. a PDF). Extraction is
// the inference service's job; the quota is charged for the caption text.
func (r *Router) HandleDocument(ctx context.Context, userID string, doc Document) {
	if err := r.users.RecordUser(ctx, userID); err != nil {
		slog.Warn("record user", "user", userID, "err", err)
	}

	d := r.quota.Record(userID, doc.Caption)
	if d.Outcome != quota.Ok {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		r.send(ctx, userID, msgBlocked)
		return
	}
	r.sendQuotaWarnings(ctx, userID, d)

	metrics.MessagesTotal.WithLabelValues("document").Inc()
	r.relay(ctx, userID, func(thread string) (string, error) {
		return r.inference.AskDocument(ctx, thread, doc.Caption, doc.Filename, doc.Data)
	})
}

// relay performs the language-model round trip with a "thinking"
// placeholder sent first. Any failure is logged and converted into the
// generic apology; it never propagates.
//
// No shared-state lock is held here: quota and goal state were touched
// before, and nothing is touched after the external call returns.
func (r *Router) relay(ctx context.Context, userID string, ask func(thread string) (string, error)) {
	r.send(ctx, userID, r.content.ThinkingPhrase())

	start := time.Now()
	thread, err := r.inference.EnsureThread(ctx, userID)
	var reply string
	if err == nil {
		reply, err = ask(thread)
	}
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.InferenceFailuresTotal.Inc()
		metrics.MessagesTotal.WithLabelValues("chat_error").Inc()
		slog.Error("inference round trip failed", "user", userID, "err", err)
		r.send(ctx, userID, msgApology)
		return
	}

	metrics.MessagesTotal.WithLabelValues("chat").Inc()
	r.send(ctx, userID, reply)
}

// handleStart sends the welcome and, when enabled, the opt-in question.
func (r *Router) handleStart(ctx context.Context, userID string) {
	pack := r.content.Pack()
	r.send(ctx, userID, pack.Welcome)

	if !r.cfg.OptInEnabled {
		return
	}
	if _, answered := r.optin.Get(userID); answered {
		return
	}
	r.send(ctx, userID, pack.OptInQuestion)
	r.mu.Lock()
	r.awaiting[userID] = true
	r.mu.Unlock()
}

// captureOptIn consumes a pending SI/NO answer. Any other message
// abandons the question silently and falls through to normal handling.
func (r *Router) captureOptIn(ctx context.Context, userID, text string) bool {
	r.mu.Lock()
	pending := r.awaiting[userID]
	if pending {
		delete(r.awaiting, userID)
	}
	r.mu.Unlock()
	if !pending {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(text)) {
	case "si", "sì":
		r.optin.Set(userID, true)
		r.send(ctx, userID, msgOptInYes)
		return true
	case "no":
		r.optin.Set(userID, false)
		r.send(ctx, userID, msgOptInNo)
		return true
	}
	return false
}

// --- goal commands -------------------------------------------------------

// handleGoalSet implements /obiettivo <descrizione…> <importo>.
func (r *Router) handleGoalSet(_ context.Context, userID string, cmd *Command) string {
	if len(cmd.Args) < 2 {
		return msgBadFormat
	}
	amount, ok := cmd.AmountArg(len(cmd.Args) - 1)
	if !ok {
		return msgBadFormat
	}
	description := strings.Join(cmd.Args[:len(cmd.Args)-1], " ")

	g, err := r.goals.Set(userID, description, amount)
	if err != nil {
		return msgBadFormat
	}
	return fmt.Sprintf(msgGoalSet, g.Description, g.Target)
}

// handleGoalUpdate implements /risparmio <importo>.
func (r *Router) handleGoalUpdate(_ context.Context, userID string, cmd *Command) string {
	amount, ok := cmd.AmountArg(0)
	if !ok || len(cmd.Args) != 1 {
		return msgBadFormat
	}

	g, err := r.goals.UpdateSaved(userID, amount)
	switch {
	case errors.Is(err, goals.ErrNoGoal):
		return msgNoGoal
	case err != nil:
		return msgBadFormat
	}
	return fmt.Sprintf(msgGoalProgress, g.Description, g.Saved, g.Target, g.Percent())
}

// handleGoalView implements /vedi.
func (r *Router) handleGoalView(_ context.Context, userID string, _ *Command) string {
	g, err := r.goals.View(userID)
	if errors.Is(err, goals.ErrNoGoal) {
		return msgNoGoal
	}
	return fmt.Sprintf(msgGoalProgress, g.Description, g.Saved, g.Target, g.Percent())
}

// handleGoalDelete implements /cancella.
func (r *Router) handleGoalDelete(_ context.Context, userID string, _ *Command) string {
	if err := r.goals.Delete(userID); errors.Is(err, goals.ErrNoGoal) {
		return msgNoGoal
	}
	return msgGoalDeleted
}

// handleUserCount implements /utenti.
func (r *Router) handleUserCount(ctx context.Context, _ string, _ *Command) string {
	n, err := r.users.UserCount(ctx)
	if err != nil {
		slog.Warn("count users", "err", err)
		return msgUserCountFail
	}
	return fmt.Sprintf(msgUserCount, n)
}

// --- helpers -------------------------------------------------------------

// sendQuotaWarnings emits the low-quota notices as separate messages.
// Both can fire on the same call; the triggering message is still
// processed afterwards.
func (r *Router) sendQuotaWarnings(ctx context.Context, userID string, d quota.Decision) {
	if d.MessageWarning {
		r.send(ctx, userID, fmt.Sprintf(msgWarnMessages, d.RemainingMessages))
	}
	if d.CharacterWarning {
		r.send(ctx, userID, fmt.Sprintf(msgWarnChars, d.RemainingCharacters))
	}
}

// instructions builds the per-run system instructions, including the reply
// length cap (enforced by instruction, not locally).
func (r *Router) instructions() string {
	return fmt.Sprintf("%s Rispondi in al massimo %d caratteri.",
		r.content.Pack().SystemPrompt, r.cfg.MaxReplyCharacters)
}

func (r *Router) send(ctx context.Context, userID, text string) {
	if err := r.transport.SendText(ctx, userID, text, nil); err != nil {
		slog.Error("send reply", "user", userID, "err", err)
	}
}

func isStart(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "/start")
}
