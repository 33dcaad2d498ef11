package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/telegram"
	"go-soknad-automation/internal/verification"
)

var _ verification.Resumer = (*Machine)(nil)

// OnTaskResult applies an agent observation to the application. Webhook and
// poll both land here; an update for a task the application no longer runs is
// dropped.
func (m *Machine) OnTaskResult(ctx context.Context, appID string, u automation.TaskUpdate) error {
	unlock := m.locks.Lock(appID)
	defer unlock()

	now := m.now()
	outcome := automation.Classify(u)
	if outcome == automation.OutcomePending {
		_, err := m.store.UpdateApplication(ctx, appID, func(a *models.Application) error {
			if a.Status != models.AppSending || a.Metadata.TaskID != u.TaskID {
				return errSkip
			}
			a.Metadata.AgentStatus = string(u.Status)
			a.Metadata.LastPolledAt = &now
			return nil
		})
		if errors.Is(err, errSkip) {
			return nil
		}
		return err
	}

	status := models.AppFailed
	reason := u.Reason()
	switch outcome {
	case automation.OutcomeSent:
		status = models.AppSent
	case automation.OutcomeManualReview:
		status = models.AppManualReview
	default:
		if err := u.Err(); err != nil {
			reason = err.Error()
		}
	}

	app, err := m.store.UpdateApplication(ctx, appID, func(a *models.Application) error {
		if a.Status != models.AppSending || a.Metadata.TaskID != u.TaskID {
			return errSkip
		}
		a.Status = status
		a.Metadata.AgentStatus = string(u.Status)
		a.Metadata.AgentReason = u.Reason()
		a.Metadata.LastPolledAt = &now
		if status == models.AppSent {
			a.SentAt = &now
			a.FailureReason = ""
		} else {
			a.FailureReason = reason
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		m.log.Debug("stale task result dropped", "application_id", appID, "task_id", u.TaskID, "status", u.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply task result: %w", err)
	}

	if err := m.verifier.Withdraw(ctx, u.TaskID); err != nil {
		m.log.Warn("withdraw verification", "task_id", u.TaskID, "error", err)
	}

	job, err := m.store.GetJob(ctx, app.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", app.JobID, err)
	}
	if status == models.AppSent {
		if _, err := m.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.Status = models.JobApplied
			return nil
		}); err != nil {
			m.log.Warn("mark job applied", "job_id", job.ID, "error", err)
		}
	}

	logStatus := models.LogSuccess
	if status != models.AppSent {
		logStatus = models.LogFailed
	}
	m.log.Info("application finished", "application_id", app.ID, "task_id", u.TaskID, "status", status, "outcome", outcome)
	m.appendLog(ctx, &models.SystemLogEntry{
		UserID:        app.UserID,
		EventType:     models.EventSend,
		Status:        logStatus,
		Message:       fmt.Sprintf("application %s: %s", status, reason),
		JobID:         job.ID,
		ApplicationID: app.ID,
		Details:       map[string]any{"task_id": u.TaskID, "agent_status": string(u.Status)},
	})
	m.sendMessage(ctx, resultMessage(m.chatID(ctx, app.UserID), app, job, u))
	return nil
}

func resultMessage(chatID int64, app *models.Application, job *models.Job, u automation.TaskUpdate) notify.Message {
	title := notify.Escape(job.Title)
	msg := notify.Message{ChatID: chatID}
	retry := notify.Row(notify.Button{Text: "🔁 Retry", Data: telegram.CallbackData(telegram.KindRetry, app.ID)})
	switch app.Status {
	case models.AppSent:
		msg.Text = fmt.Sprintf("✅ <b>Application sent</b>: %s\n🏢 %s", title, notify.Escape(job.Company))
		if c := u.Extracted.ConfirmationMessage; c != "" {
			msg.Text += "\n" + notify.Escape(preview(c, 300))
		}
	case models.AppManualReview:
		msg.Text = fmt.Sprintf("👀 <b>Check manually</b>: %s\n%s", title, notify.Escape(app.Metadata.AgentReason))
		msg.Buttons = [][]notify.Button{retry}
		if link := job.ApplyURL(); link != "" {
			msg.Buttons = append(msg.Buttons, notify.Row(notify.Button{Text: "🔗 Open posting", URL: link}))
		}
	default:
		msg.Text = fmt.Sprintf("❌ <b>Application failed</b>: %s\nReason: %s", title, notify.Escape(app.FailureReason))
		msg.Buttons = [][]notify.Button{retry}
	}
	return msg
}

// Cancel stops a sending application. The local reset happens only after the
// agent acknowledged the cancel or did not answer within the cancel timeout.
func (m *Machine) Cancel(ctx context.Context, appID string) (*models.Application, error) {
	unlock := m.locks.Lock(appID)
	defer unlock()

	app, err := m.store.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.Status != models.AppSending {
		return nil, &models.TransitionError{Entity: "application", ID: appID, From: string(app.Status), To: string(models.AppApproved)}
	}

	taskID := app.Metadata.TaskID
	if taskID != "" {
		cctx, cancel := context.WithTimeout(ctx, m.opts.CancelTimeout)
		err := m.runner.Cancel(cctx, taskID)
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil && !timedOut {
			return nil, fmt.Errorf("cancel task %s: %w", taskID, err)
		}
		if err != nil {
			m.log.Warn("cancel not acknowledged in time", "task_id", taskID, "timeout", m.opts.CancelTimeout)
		}
	}

	updated, err := m.store.UpdateApplication(ctx, appID, func(a *models.Application) error {
		if a.Status != models.AppSending || a.Metadata.TaskID != taskID {
			return errSkip
		}
		a.Status = models.AppApproved
		clearTask(a)
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, fmt.Errorf("cancel %s: %w", appID, models.ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("reset %s: %w", appID, err)
	}
	if err := m.verifier.Withdraw(ctx, taskID); err != nil {
		m.log.Warn("withdraw verification", "task_id", taskID, "error", err)
	}

	m.log.Info("sending canceled", "application_id", appID, "task_id", taskID)
	m.appendLog(ctx, &models.SystemLogEntry{
		UserID:        updated.UserID,
		EventType:     models.EventSend,
		Status:        models.LogInfo,
		Message:       "sending canceled",
		JobID:         updated.JobID,
		ApplicationID: updated.ID,
		Details:       map[string]any{"task_id": taskID},
	})
	m.sendMessage(ctx, notify.Message{
		ChatID:  m.chatID(ctx, updated.UserID),
		Text:    "⏹ Sending canceled. The søknad is approved again.",
		Buttons: [][]notify.Button{notify.Row(notify.Button{Text: "🚀 Send", Data: telegram.CallbackData(telegram.KindSend, updated.ID)})},
	})
	return updated, nil
}

// HandleTaskUpdate routes an agent update to the application or registration
// flow that owns the task.
func (m *Machine) HandleTaskUpdate(ctx context.Context, u automation.TaskUpdate) error {
	if u.TaskID == "" {
		return errors.New("task update without task id")
	}
	app, err := m.store.FindApplicationByTask(ctx, u.TaskID)
	if err == nil {
		return m.OnTaskResult(ctx, app.ID, u)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("find application for task %s: %w", u.TaskID, err)
	}
	flow, err := m.store.FindFlowByTask(ctx, u.TaskID)
	if err == nil {
		return m.registrar.OnTaskUpdate(ctx, flow, u)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("find flow for task %s: %w", u.TaskID, err)
	}
	m.log.Debug("update for unknown task", "task_id", u.TaskID, "status", u.Status)
	return nil
}

// ReconcileSending polls the agent for every sending application and fails
// the ones that ran past the task timeout.
func (m *Machine) ReconcileSending(ctx context.Context) (int, error) {
	apps, err := m.store.ListApplicationsByStatus(ctx, models.AppSending)
	if err != nil {
		return 0, fmt.Errorf("list sending applications: %w", err)
	}
	resolved := 0
	for i := range apps {
		app := &apps[i]
		taskID := app.Metadata.TaskID
		started := app.UpdatedAt
		if app.Metadata.TaskStartedAt != nil {
			started = *app.Metadata.TaskStartedAt
		}

		if taskID != "" {
			u, err := m.runner.Status(ctx, taskID)
			if err != nil {
				m.log.Warn("poll application task", "application_id", app.ID, "task_id", taskID, "error", err)
			} else {
				if err := m.OnTaskResult(ctx, app.ID, u); err != nil {
					m.log.Error("apply polled result", "application_id", app.ID, "error", err)
				}
				if u.Terminal() {
					resolved++
					continue
				}
			}
		}

		if m.now().Sub(started) < m.opts.TaskTimeout {
			continue
		}
		if taskID != "" {
			if err := m.cancelQuietly(ctx, taskID); err != nil {
				m.log.Warn("cancel timed out task", "task_id", taskID, "error", err)
			}
		}
		timeout := automation.TaskUpdate{
			TaskID:        taskID,
			Status:        automation.StatusTimedOut,
			FailureReason: fmt.Sprintf("no result after %s", m.opts.TaskTimeout),
		}
		if err := m.OnTaskResult(ctx, app.ID, timeout); err != nil {
			m.log.Error("time out application", "application_id", app.ID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (m *Machine) cancelQuietly(ctx context.Context, taskID string) error {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CancelTimeout)
	defer cancel()
	return m.runner.Cancel(cctx, taskID)
}

// OnCodeRequested is called when the agent asks for a code it has not got.
// It makes sure the owner is being asked for it.
func (m *Machine) OnCodeRequested(ctx context.Context, taskID, identifier string) error {
	if taskID == "" {
		return nil
	}
	app, err := m.store.FindApplicationByTask(ctx, taskID)
	if err == nil {
		if app.Status != models.AppSending {
			return nil
		}
		ttl := time.Duration(0)
		if app.Metadata.Path == PathFinnEasy {
			ttl = m.opts.Finn.TwoFactor
			if identifier == "" {
				identifier = m.opts.Finn.Email
			}
		}
		subject := "application login"
		if job, err := m.store.GetJob(ctx, app.JobID); err == nil {
			subject = "login for " + job.Title
		}
		_, _, err := m.verifier.Open(ctx, verification.OpenRequest{
			UserID:     app.UserID,
			ChatID:     m.chatID(ctx, app.UserID),
			Channel:    models.ChannelEmail,
			Identifier: identifier,
			TargetKind: models.TargetApplication,
			TargetID:   app.ID,
			TaskID:     taskID,
			Subject:    subject,
			TTL:        ttl,
			Requested:  true,
		})
		if errors.Is(err, verification.ErrChatBusy) {
			// asked again on the agent's next pull
			m.log.Info("login code deferred, chat busy", "application_id", app.ID, "task_id", taskID)
			return nil
		}
		return err
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("find application for task %s: %w", taskID, err)
	}

	flow, err := m.store.FindFlowByTask(ctx, taskID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find flow for task %s: %w", taskID, err)
	}
	return m.registrar.RequestVerification(ctx, flow.ID, models.ChannelEmail)
}

// Resume pushes a code received for an application task to the agent. If the
// push fails the agent can still pull it from the TOTP endpoint.
func (m *Machine) Resume(ctx context.Context, req *models.VerificationRequest) error {
	app, err := m.store.GetApplication(ctx, req.TargetID)
	if err != nil {
		return err
	}
	if app.Status != models.AppSending || app.Metadata.TaskID != req.TaskID {
		m.log.Debug("code for a task no longer running", "application_id", app.ID, "task_id", req.TaskID)
		return nil
	}
	code := ""
	if req.Code != nil {
		code = *req.Code
	}
	if err := m.runner.SubmitCode(ctx, req.TaskID, req.Identifier, code); err != nil {
		m.log.Warn("push code to agent", "task_id", req.TaskID, "error", err)
	}
	return nil
}

// OnVerificationExpired fails the application when the agent was actually
// waiting for the code. A FINN login request that was only opened in advance
// expires without consequence.
func (m *Machine) OnVerificationExpired(ctx context.Context, req *models.VerificationRequest, prev models.VerificationStatus) error {
	if prev != models.VerificationCodeRequested {
		return nil
	}
	app, err := m.store.GetApplication(ctx, req.TargetID)
	if err != nil {
		return err
	}
	if app.Status != models.AppSending || app.Metadata.TaskID != req.TaskID {
		return nil
	}
	if err := m.cancelQuietly(ctx, req.TaskID); err != nil {
		m.log.Warn("cancel task after verification expiry", "task_id", req.TaskID, "error", err)
	}
	return m.OnTaskResult(ctx, app.ID, automation.TaskUpdate{
		TaskID:        req.TaskID,
		Status:        automation.StatusFailed,
		FailureReason: models.ErrVerificationExpired.Error(),
	})
}
