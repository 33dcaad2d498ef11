// Package reporter builds the daily activity summary sent to the chat.
package reporter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
)

const window = 24 * time.Hour

type Report struct {
	Since        time.Time
	JobsIngested int
	JobsAnalyzed int
	Applications map[models.ApplicationStatus]int
	CostUSD      float64
	TokensIn     int
	TokensOut    int
	Failures     int
}

type Reporter struct {
	store    database.Store
	notifier notify.Notifier
	log      *logger.Logger
	now      func() time.Time
}

func New(store database.Store, notifier notify.Notifier, log *logger.Logger) *Reporter {
	return &Reporter{
		store:    store,
		notifier: notifier,
		log:      log.With("component", "reporter"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reporter) SetClock(now func() time.Time) { r.now = now }

// Build collects the last 24 hours for one user.
func (r *Reporter) Build(ctx context.Context, userID string) (*Report, error) {
	since := r.now().Add(-window)
	rep := &Report{Since: since, Applications: make(map[models.ApplicationStatus]int)}

	jobs, err := r.store.ListJobsSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	rep.JobsIngested = len(jobs)
	for _, j := range jobs {
		if j.Analysis != nil {
			rep.JobsAnalyzed++
		}
	}

	apps, err := r.store.ListApplicationsSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	for _, a := range apps {
		rep.Applications[a.Status]++
	}

	logs, err := r.store.ListLogsSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	for _, l := range logs {
		rep.CostUSD += l.CostUSD
		rep.TokensIn += l.TokensIn
		rep.TokensOut += l.TokensOut
		if l.Status == models.LogFailed {
			rep.Failures++
		}
	}
	return rep, nil
}

var statusOrder = []struct {
	status models.ApplicationStatus
	label  string
}{
	{models.AppDraft, "📝 Draft"},
	{models.AppApproved, "👍 Approved"},
	{models.AppSending, "⏳ Sending"},
	{models.AppSent, "✅ Sent"},
	{models.AppManualReview, "✋ Manual review"},
	{models.AppFailed, "❌ Failed"},
}

// Format renders the report in the chat's HTML subset.
func Format(rep *Report) string {
	var b strings.Builder
	b.WriteString("📊 <b>Daily report</b> (last 24h)\n\n")
	fmt.Fprintf(&b, "🔎 Jobs found: <b>%d</b>\n", rep.JobsIngested)
	fmt.Fprintf(&b, "🧠 Analyzed: <b>%d</b>\n\n", rep.JobsAnalyzed)

	b.WriteString("<b>Applications</b>\n")
	total := 0
	for _, s := range statusOrder {
		n := rep.Applications[s.status]
		total += n
		if n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", s.label, n)
		}
	}
	if total == 0 {
		b.WriteString("none\n")
	}

	fmt.Fprintf(&b, "\n💰 AI cost: $%.4f (%d in / %d out tokens)", rep.CostUSD, rep.TokensIn, rep.TokensOut)
	if rep.Failures > 0 {
		fmt.Fprintf(&b, "\n⚠️ Failed events: %d", rep.Failures)
	}
	return b.String()
}

// Send builds and delivers the report to chatID.
func (r *Reporter) Send(ctx context.Context, userID string, chatID int64) error {
	rep, err := r.Build(ctx, userID)
	if err != nil {
		r.log.Error("build report", "user_id", userID, "error", err)
		return r.SendError(ctx, chatID, err)
	}
	return r.notifier.Send(ctx, notify.Message{ChatID: chatID, Text: Format(rep)})
}

func (r *Reporter) SendError(ctx context.Context, chatID int64, errReq error) error {
	text := fmt.Sprintf("⚠️ <b>Søknad error</b>:\n%s", notify.Escape(errReq.Error()))
	return r.notifier.Send(ctx, notify.Message{ChatID: chatID, Text: text})
}
