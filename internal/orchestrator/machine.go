// Package orchestrator owns the Application lifecycle:
//
//	draft → approved → sending → sent | failed | manual_review
//
// with retry leading back to approved. Every transition is a conditional
// store update guarded by the current status, and calls for one application
// are serialized in-process, so a second send while one is in flight is
// rejected instead of submitting twice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go-soknad-automation/internal/ai"
	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/registration"
	"go-soknad-automation/internal/telegram"
	"go-soknad-automation/internal/verification"
)

var (
	ErrDescriptionTooShort = errors.New("job description missing or too short")
	ErrEmptyLetter         = errors.New("gateway returned an empty cover letter")
)

// Registrar is the registration engine as seen from the machine.
type Registrar interface {
	Ensure(ctx context.Context, req registration.Request) (*models.RegistrationFlow, bool, error)
	Run(ctx context.Context, flowID string) error
	OnTaskUpdate(ctx context.Context, flow *models.RegistrationFlow, u automation.TaskUpdate) error
	RequestVerification(ctx context.Context, flowID string, channel models.VerificationChannel) error
}

// Verifier is the relay as seen from the machine.
type Verifier interface {
	Open(ctx context.Context, req verification.OpenRequest) (*models.VerificationRequest, bool, error)
	Withdraw(ctx context.Context, taskID string) error
}

type Options struct {
	MinDescriptionLength int
	TaskTimeout          time.Duration
	CancelTimeout        time.Duration
	Finn                 config.FinnConfig
}

type Machine struct {
	store     database.Store
	gateway   ai.Gateway
	runner    automation.Runner
	registrar Registrar
	verifier  Verifier
	notifier  notify.Notifier
	opts      Options
	log       *logger.Logger
	now       func() time.Time
	locks     *keyedMutex
}

// errSkip aborts an update whose precondition no longer holds.
var errSkip = errors.New("application update skipped")

func New(store database.Store, gateway ai.Gateway, runner automation.Runner, registrar Registrar, verifier Verifier, notifier notify.Notifier, opts Options, log *logger.Logger) *Machine {
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 30 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	return &Machine{
		store:     store,
		gateway:   gateway,
		runner:    runner,
		registrar: registrar,
		verifier:  verifier,
		notifier:  notifier,
		opts:      opts,
		log:       log.With("component", "orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyedMutex(),
	}
}

func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Generate writes a cover letter for the job. An existing draft is rewritten
// in place; a finished application gets a successor row.
func (m *Machine) Generate(ctx context.Context, jobID string) (*models.Application, error) {
	unlock := m.locks.Lock("job:" + jobID)
	defer unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(job.DescriptionText())
	if utf8.RuneCountInString(desc) < m.opts.MinDescriptionLength {
		return nil, m.generationFailed(ctx, job, ErrDescriptionTooShort)
	}

	existing, err := m.store.LatestApplicationForJob(ctx, jobID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("latest application for job %s: %w", jobID, err)
	case existing.Status == models.AppApproved || existing.Status == models.AppSending:
		return nil, &models.TransitionError{Entity: "application", ID: existing.ID, From: string(existing.Status), To: string(models.AppDraft)}
	case existing.Status != models.AppDraft:
		existing = nil
	}

	profile, err := m.store.GetActiveProfile(ctx, job.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, m.generationFailed(ctx, job, fmt.Errorf("no active profile: %w", err))
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	res, err := m.gateway.GenerateLetter(ctx, ai.LetterRequest{
		Profile:     ai.ProfileText(profile),
		Title:       job.Title,
		Company:     job.Company,
		Location:    job.Location,
		Description: desc,
	})
	if err != nil {
		return nil, m.generationFailed(ctx, job, err)
	}
	if strings.TrimSpace(res.CoverLetter) == "" {
		return nil, m.generationFailed(ctx, job, ErrEmptyLetter)
	}

	var app *models.Application
	if existing != nil {
		app, err = m.store.UpdateApplication(ctx, existing.ID, func(a *models.Application) error {
			if a.Status != models.AppDraft {
				return &models.TransitionError{Entity: "application", ID: a.ID, From: string(a.Status), To: string(models.AppDraft)}
			}
			a.CoverLetter = res.CoverLetter
			a.CoverLetterTranslation = res.Translation
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("rewrite draft: %w", err)
		}
	} else {
		app = &models.Application{
			UserID:                 job.UserID,
			JobID:                  job.ID,
			Status:                 models.AppDraft,
			CoverLetter:            res.CoverLetter,
			CoverLetterTranslation: res.Translation,
			Metadata:               models.ApplicationMetadata{Source: "telegram"},
		}
		if err := m.store.CreateApplication(ctx, app); err != nil {
			return nil, fmt.Errorf("create application: %w", err)
		}
	}

	m.log.Info("cover letter generated", "job_id", job.ID, "application_id", app.ID, "tokens_in", res.Usage.TokensIn, "tokens_out", res.Usage.TokensOut, "cost_usd", res.Usage.CostUSD)
	m.appendLog(ctx, &models.SystemLogEntry{
		UserID:        job.UserID,
		EventType:     models.EventGeneration,
		Status:        models.LogSuccess,
		Message:       "cover letter generated for " + job.Title,
		JobID:         job.ID,
		ApplicationID: app.ID,
		CostUSD:       res.Usage.CostUSD,
		TokensIn:      res.Usage.TokensIn,
		TokensOut:     res.Usage.TokensOut,
	})
	m.sendMessage(ctx, notify.Message{
		ChatID: m.chatID(ctx, job.UserID),
		Text: fmt.Sprintf("✍️ <b>Søknad ready</b>: %s\n🏢 %s\n\n%s",
			notify.Escape(job.Title), notify.Escape(job.Company), notify.Escape(preview(app.CoverLetter, 900))),
		Buttons: [][]notify.Button{notify.Row(
			notify.Button{Text: "✅ Approve", Data: telegram.CallbackData(telegram.KindApprove, app.ID)},
			notify.Button{Text: "📄 View", Data: telegram.CallbackData(telegram.KindView, app.ID)},
		)},
	})
	return app, nil
}

func (m *Machine) generationFailed(ctx context.Context, job *models.Job, cause error) error {
	err := &models.GenerationError{JobID: job.ID, Err: cause}
	m.log.Warn("generation failed", "job_id", job.ID, "error", cause)
	m.appendLog(ctx, &models.SystemLogEntry{
		UserID:    job.UserID,
		EventType: models.EventGeneration,
		Status:    models.LogFailed,
		Message:   err.Error(),
		JobID:     job.ID,
	})
	m.send(ctx, job.UserID, fmt.Sprintf("⚠️ Could not write a søknad for <b>%s</b>: %s",
		notify.Escape(job.Title), notify.Escape(cause.Error())))
	return err
}

// Approve is the human gate. Nothing outside the row changes.
func (m *Machine) Approve(ctx context.Context, appID string) (*models.Application, error) {
	unlock := m.locks.Lock(appID)
	defer unlock()

	now := m.now()
	app, err := m.store.UpdateApplication(ctx, appID, func(a *models.Application) error {
		if a.Status != models.AppDraft {
			return &models.TransitionError{Entity: "application", ID: a.ID, From: string(a.Status), To: string(models.AppApproved)}
		}
		a.Status = models.AppApproved
		a.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("application approved", "application_id", app.ID)
	m.sendMessage(ctx, notify.Message{
		ChatID:  m.chatID(ctx, app.UserID),
		Text:    "👍 Approved. Press <b>Send</b> to submit it.",
		Buttons: [][]notify.Button{notify.Row(notify.Button{Text: "🚀 Send", Data: telegram.CallbackData(telegram.KindSend, app.ID)})},
	})
	return app, nil
}

// Retry returns a finished application to approved without regenerating it.
func (m *Machine) Retry(ctx context.Context, appID string) (*models.Application, error) {
	unlock := m.locks.Lock(appID)
	defer unlock()

	now := m.now()
	app, err := m.store.UpdateApplication(ctx, appID, func(a *models.Application) error {
		if !a.Status.Terminal() {
			return &models.TransitionError{Entity: "application", ID: a.ID, From: string(a.Status), To: string(models.AppApproved)}
		}
		a.Status = models.AppApproved
		a.ApprovedAt = &now
		a.SentAt = nil
		a.FailureReason = ""
		clearTask(a)
		a.Metadata.Path = ""
		a.Metadata.ManualReason = ""
		a.Metadata.RegistrationFlowID = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("application reset for retry", "application_id", app.ID)
	m.sendMessage(ctx, notify.Message{
		ChatID:  m.chatID(ctx, app.UserID),
		Text:    "🔁 Reset to approved.",
		Buttons: [][]notify.Button{notify.Row(notify.Button{Text: "🚀 Send", Data: telegram.CallbackData(telegram.KindSend, app.ID)})},
	})
	return app, nil
}

// View sends the full letter and its translation to the owner's chat.
func (m *Machine) View(ctx context.Context, appID string) error {
	app, err := m.store.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	job, err := m.store.GetJob(ctx, app.JobID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("📄 <b>%s</b> (%s)\n\n%s", notify.Escape(job.Title), app.Status, notify.Escape(preview(app.CoverLetter, 3000)))
	if app.CoverLetterTranslation != "" {
		text += "\n\n<i>" + notify.Escape(preview(app.CoverLetterTranslation, 800)) + "</i>"
	}
	msg := notify.Message{ChatID: m.chatID(ctx, app.UserID), Text: text}
	switch app.Status {
	case models.AppDraft:
		msg.Buttons = [][]notify.Button{notify.Row(notify.Button{Text: "✅ Approve", Data: telegram.CallbackData(telegram.KindApprove, app.ID)})}
	case models.AppApproved:
		msg.Buttons = [][]notify.Button{notify.Row(notify.Button{Text: "🚀 Send", Data: telegram.CallbackData(telegram.KindSend, app.ID)})}
	case models.AppSending:
		msg.Buttons = [][]notify.Button{notify.Row(notify.Button{Text: "⏹ Cancel", Data: telegram.CallbackData(telegram.KindCancel, app.ID)})}
	default:
		msg.Buttons = [][]notify.Button{notify.Row(notify.Button{Text: "🔁 Retry", Data: telegram.CallbackData(telegram.KindRetry, app.ID)})}
	}
	return m.notifier.Send(ctx, msg)
}

// RejectJob marks a posting as not interesting.
func (m *Machine) RejectJob(ctx context.Context, jobID string) error {
	job, err := m.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status == models.JobApplied {
			return fmt.Errorf("job %s already applied: %w", j.ID, models.ErrInvalidTransition)
		}
		j.Status = models.JobRejected
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("job rejected", "job_id", job.ID)
	m.send(ctx, job.UserID, "🗑 Rejected: "+notify.Escape(job.Title))
	return nil
}

func clearTask(a *models.Application) {
	a.Metadata.TaskID = ""
	a.Metadata.TaskStartedAt = nil
	a.Metadata.LastPolledAt = nil
	a.Metadata.AgentStatus = ""
	a.Metadata.AgentReason = ""
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func (m *Machine) chatID(ctx context.Context, userID string) int64 {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return 0
	}
	return u.TelegramID
}

func (m *Machine) send(ctx context.Context, userID, text string) {
	m.sendMessage(ctx, notify.Message{ChatID: m.chatID(ctx, userID), Text: text})
}

func (m *Machine) sendMessage(ctx context.Context, msg notify.Message) {
	if err := m.notifier.Send(ctx, msg); err != nil {
		m.log.Warn("notify failed", "error", err)
	}
}

func (m *Machine) appendLog(ctx context.Context, entry *models.SystemLogEntry) {
	if entry.Source == "" {
		entry.Source = "orchestrator"
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		m.log.Warn("append system log", "error", err)
	}
}
