// Package broadcast fans scheduled content out to users: the daily savings
// tip to opted-in users, the daily digest card to everyone ever seen.
//
// A broadcast never aborts on a per-recipient failure; each send is tried
// independently and the outcome is collected into a Report.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/saveup/coach/internal/content"
	"github.com/saveup/coach/internal/metrics"
	"github.com/saveup/coach/internal/router"
)

// Result is the outcome of one recipient's send.
type Result struct {
	UserID string
	Err    error
}

// Report summarizes one broadcast run.
type Report struct {
	RunID   string
	Job     string
	Sent    int
	Failed  int
	Results []Result
}

// TipAudience yields the users who asked for the daily tip.
type TipAudience interface {
	OptedIn() []string
}

// DigestAudience yields every user the coach has ever talked to.
type DigestAudience interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Broadcaster runs the daily fan-outs.
type Broadcaster struct {
	transport router.ChatTransport
	content   *content.Loader
	tips      TipAudience
	digest    DigestAudience
}

// New creates a Broadcaster.
func New(transport router.ChatTransport, pack *content.Loader, tips TipAudience, digest DigestAudience) *Broadcaster {
	return &Broadcaster{transport: transport, content: pack, tips: tips, digest: digest}
}

// SendDailyTip sends one randomly chosen tip to every opted-in user. The
// same tip goes to everyone within a run.
func (b *Broadcaster) SendDailyTip(ctx context.Context) Report {
	tip := b.content.RandomTip()
	text := fmt.Sprintf("%s\n%s", tip.Header, tip.Text)

	return b.fanOut(ctx, "daily_tip", b.tips.OptedIn(), func(userID string) error {
		return b.transport.SendText(ctx, userID, text, nil)
	})
}

// SendDailyDigest sends the digest card to every known user. A user with
// an unanswered or declined tip opt-in still receives the digest.
func (b *Broadcaster) SendDailyDigest(ctx context.Context) Report {
	users, err := b.digest.ListUsers(ctx)
	if err != nil {
		slog.Error("list digest recipients", "err", err)
		return Report{RunID: uuid.NewString(), Job: "daily_digest"}
	}

	card := b.content.Pack().Digest
	var button *router.Button
	if card.Link != "" {
		button = &router.Button{Label: "Leggi di più", URL: card.Link}
	}

	return b.fanOut(ctx, "daily_digest", users, func(userID string) error {
		return b.transport.SendPhoto(ctx, userID, card.ImageURL, card.Caption, button)
	})
}

// fanOut sends to each recipient in turn, logging failures and carrying on.
func (b *Broadcaster) fanOut(ctx context.Context, job string, users []string, send func(userID string) error) Report {
	report := Report{RunID: uuid.NewString(), Job: job}
	slog.Info("broadcast starting", "job", job, "run", report.RunID, "recipients", len(users))

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			slog.Warn("broadcast cancelled", "job", job, "run", report.RunID, "err", err)
			break
		}

		err := send(userID)
		report.Results = append(report.Results, Result{UserID: userID, Err: err})
		if err != nil {
			report.Failed++
			metrics.BroadcastSendsTotal.WithLabelValues(job, "failed").Inc()
			slog.Warn("broadcast send failed", "job", job, "run", report.RunID, "user", userID, "err", err)
			continue
		}
		report.Sent++
		metrics.BroadcastSendsTotal.WithLabelValues(job, "sent").Inc()
	}

	slog.Info("broadcast done", "job", job, "run", report.RunID, "sent", report.Sent, "failed", report.Failed)
	return report
}
