package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/dedup"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/registration"
	"go-soknad-automation/internal/skyvern"
	"go-soknad-automation/internal/telegram"
	"go-soknad-automation/internal/verification"
)

// Submission paths recorded in the application metadata.
const (
	PathFinnEasy     = "finn_easy"
	PathCredential   = "credential"
	PathDirect       = "direct"
	PathRegistration = "registration"
)

type SendResult struct {
	Path   string
	TaskID string
	// FlowID is set when the application waits for a registration flow.
	FlowID      string
	FlowCreated bool
}

type sendPlan struct {
	path        string
	spec        automation.TaskSpec
	finnLogin   string
	registerURL string
}

// DispatchSend submits an approved application. Applications that need an
// account first stay approved and are sent when the registration completes.
// A registration that cannot even start is reported as ErrManualActionRequired.
func (m *Machine) DispatchSend(ctx context.Context, appID string) (*SendResult, error) {
	res, flowToRun, err := m.dispatch(ctx, appID)
	if flowToRun == "" {
		return res, err
	}
	// Outside the application lock: a failing run reports back through OnFlowFinished.
	runErr := m.registrar.Run(ctx, flowToRun)
	if runErr == nil {
		return res, err
	}
	m.log.Warn("start registration", "flow_id", flowToRun, "application_id", appID, "error", runErr)
	flow, ferr := m.store.GetFlow(ctx, flowToRun)
	if ferr != nil {
		return res, fmt.Errorf("start registration %s: %w", flowToRun, runErr)
	}
	if flow.Status == models.FlowFailed {
		return res, models.ManualAction("registration on %s failed: %s", flow.SiteName, flow.ErrorMessage)
	}
	return res, fmt.Errorf("start registration %s: %w", flowToRun, runErr)
}

func (m *Machine) dispatch(ctx context.Context, appID string) (*SendResult, string, error) {
	unlock := m.locks.Lock(appID)
	defer unlock()

	app, err := m.store.GetApplication(ctx, appID)
	if err != nil {
		return nil, "", err
	}
	switch app.Status {
	case models.AppApproved:
	case models.AppSending:
		return nil, "", fmt.Errorf("dispatch %s: %w", appID, models.ErrAlreadySending)
	default:
		return nil, "", &models.TransitionError{Entity: "application", ID: appID, From: string(app.Status), To: string(models.AppSending)}
	}

	if flowID := app.Metadata.RegistrationFlowID; flowID != "" {
		flow, err := m.store.GetFlow(ctx, flowID)
		if err == nil && flow.Status.Active() {
			return &SendResult{Path: PathRegistration, FlowID: flow.ID}, "", nil
		}
	}

	job, err := m.store.GetJob(ctx, app.JobID)
	if err != nil {
		return nil, "", fmt.Errorf("load job %s: %w", app.JobID, err)
	}
	plan, err := m.plan(ctx, app, job)
	if err != nil {
		if errors.Is(err, models.ErrManualActionRequired) {
			m.markManual(ctx, app.ID, job, err)
		}
		return nil, "", err
	}
	if plan.path == PathRegistration {
		return m.registerFirst(ctx, app, job, plan)
	}
	res, err := m.start(ctx, app, job, plan)
	return res, "", err
}

func (m *Machine) plan(ctx context.Context, app *models.Application, job *models.Job) (*sendPlan, error) {
	var data models.RegistrationData
	profile, err := m.store.GetActiveProfile(ctx, app.UserID)
	switch {
	case err == nil:
		data = profile.RegistrationData()
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("load profile: %w", err)
	}
	payload := applicationPayload(app, data)

	switch job.FormType {
	case models.FormFinnEasy:
		code, ok := dedup.FinnCode(job.URL)
		if !ok {
			return nil, models.ManualAction("no finnkode in %s", job.URL)
		}
		if m.opts.Finn.Email == "" || m.opts.Finn.Password == "" {
			return nil, models.ManualAction("FINN login is not configured")
		}
		payload["password"] = m.opts.Finn.Password
		return &sendPlan{
			path: PathFinnEasy,
			spec: automation.TaskSpec{
				Kind:           automation.KindApplication,
				URL:            skyvern.FinnApplyURL(code),
				Goal:           skyvern.FinnApplicationGoal(data, m.opts.Finn.Email),
				Payload:        payload,
				TOTPIdentifier: m.opts.Finn.Email,
			},
			finnLogin: m.opts.Finn.Email,
		}, nil

	case models.FormExternal, models.FormExternalRegistration:
		target := job.ApplyURL()
		domain := registration.DomainOf(target)
		if domain == "" {
			return nil, models.ManualAction("no application URL")
		}
		cred, err := m.store.GetCredential(ctx, app.UserID, domain)
		switch {
		case err == nil:
			payload["password"] = cred.Secret
			return &sendPlan{
				path: PathCredential,
				spec: automation.TaskSpec{
					Kind:           automation.KindApplication,
					URL:            target,
					Goal:           skyvern.ApplicationGoal(domain, data, cred.Username),
					Payload:        payload,
					TOTPIdentifier: cred.Username,
				},
			}, nil
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("credential for %s: %w", domain, err)
		}
		if job.FormType == models.FormExternalRegistration {
			return &sendPlan{path: PathRegistration, registerURL: target}, nil
		}
		return &sendPlan{
			path: PathDirect,
			spec: automation.TaskSpec{
				Kind:    automation.KindApplication,
				URL:     target,
				Goal:    skyvern.ApplicationGoal(domain, data, ""),
				Payload: payload,
			},
		}, nil

	case models.FormEmail:
		return nil, models.ManualAction("the posting asks for applications by email")
	case models.FormProcessing:
		return nil, models.ManualAction("form type detection has not finished")
	}
	return nil, models.ManualAction("no automated path for form type %q", job.FormType)
}

func applicationPayload(app *models.Application, d models.RegistrationData) map[string]any {
	return map[string]any{
		"cover_letter": app.CoverLetter,
		"full_name":    d.FullName,
		"first_name":   d.FirstName,
		"last_name":    d.LastName,
		"email":        d.Email,
		"phone":        d.Phone,
	}
}

// start reserves the application (approved → sending) before the agent is
// called, so a concurrent dispatch loses at the store instead of creating a
// second task.
func (m *Machine) start(ctx context.Context, app *models.Application, job *models.Job, plan *sendPlan) (*SendResult, error) {
	now := m.now()
	_, err := m.store.UpdateApplication(ctx, app.ID, func(a *models.Application) error {
		switch a.Status {
		case models.AppApproved:
		case models.AppSending:
			return fmt.Errorf("dispatch %s: %w", a.ID, models.ErrAlreadySending)
		default:
			return &models.TransitionError{Entity: "application", ID: a.ID, From: string(a.Status), To: string(models.AppSending)}
		}
		a.Status = models.AppSending
		a.FailureReason = ""
		clearTask(a)
		a.Metadata.TaskStartedAt = &now
		a.Metadata.Path = plan.path
		a.Metadata.ManualReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	taskID, err := m.runner.Start(ctx, plan.spec)
	if err != nil {
		m.release(ctx, app.ID, err)
		m.appendLog(ctx, &models.SystemLogEntry{
			UserID:        app.UserID,
			EventType:     models.EventSend,
			Status:        models.LogFailed,
			Message:       "could not start automation: " + err.Error(),
			JobID:         job.ID,
			ApplicationID: app.ID,
		})
		m.sendMessage(ctx, notify.Message{
			ChatID:  m.chatID(ctx, app.UserID),
			Text:    fmt.Sprintf("⚠️ Could not start sending <b>%s</b>: %s", notify.Escape(job.Title), notify.Escape(err.Error())),
			Buttons: [][]notify.Button{notify.Row(notify.Button{Text: "🚀 Try again", Data: telegram.CallbackData(telegram.KindSend, app.ID)})},
		})
		return nil, fmt.Errorf("start task for %s: %w", app.ID, errors.Join(models.ErrAutomationFailure, err))
	}

	_, err = m.store.UpdateApplication(ctx, app.ID, func(a *models.Application) error {
		if a.Status != models.AppSending || a.Metadata.TaskID != "" {
			return errSkip
		}
		a.Metadata.TaskID = taskID
		a.Metadata.AgentStatus = string(automation.StatusCreated)
		return nil
	})
	if errors.Is(err, errSkip) {
		// Canceled elsewhere while the task was being created.
		if cerr := m.runner.Cancel(ctx, taskID); cerr != nil {
			m.log.Warn("cancel orphaned task", "task_id", taskID, "error", cerr)
		}
		return nil, fmt.Errorf("record task for %s: %w", app.ID, models.ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("record task for %s: %w", app.ID, err)
	}

	if plan.finnLogin != "" {
		_, _, err := m.verifier.Open(ctx, verification.OpenRequest{
			UserID:     app.UserID,
			ChatID:     m.chatID(ctx, app.UserID),
			Channel:    models.ChannelEmail,
			Identifier: plan.finnLogin,
			TargetKind: models.TargetApplication,
			TargetID:   app.ID,
			TaskID:     taskID,
			Subject:    "FINN login for " + job.Title,
			TTL:        m.opts.Finn.TwoFactor,
		})
		switch {
		case errors.Is(err, verification.ErrChatBusy):
			// The agent asks through the TOTP endpoint once it reaches the login.
			m.log.Info("FINN login prompt deferred, chat busy", "application_id", app.ID, "task_id", taskID)
		case err != nil:
			m.log.Warn("open FINN login verification", "application_id", app.ID, "error", err)
		}
	}

	m.log.Info("application dispatched", "application_id", app.ID, "task_id", taskID, "path", plan.path)
	m.appendLog(ctx, &models.SystemLogEntry{
		UserID:        app.UserID,
		EventType:     models.EventSend,
		Status:        models.LogInfo,
		Message:       "automation task started",
		JobID:         job.ID,
		ApplicationID: app.ID,
		Details:       map[string]any{"task_id": taskID, "path": plan.path},
	})
	m.sendMessage(ctx, notify.Message{
		ChatID:  m.chatID(ctx, app.UserID),
		Text:    fmt.Sprintf("🚀 <b>Sending</b>: %s\n🏢 %s\nTask: <code>%s</code>", notify.Escape(job.Title), notify.Escape(job.Company), notify.Escape(taskID)),
		Buttons: [][]notify.Button{notify.Row(notify.Button{Text: "⏹ Cancel", Data: telegram.CallbackData(telegram.KindCancel, app.ID)})},
	})
	return &SendResult{Path: plan.path, TaskID: taskID}, nil
}

// release undoes a reservation whose task never started.
func (m *Machine) release(ctx context.Context, appID string, cause error) {
	_, err := m.store.UpdateApplication(ctx, appID, func(a *models.Application) error {
		if a.Status != models.AppSending || a.Metadata.TaskID != "" {
			return errSkip
		}
		a.Status = models.AppApproved
		clearTask(a)
		a.Metadata.AgentReason = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		m.log.Error("release reservation", "application_id", appID, "error", err)
	}
}

func (m *Machine) registerFirst(ctx context.Context, app *models.Application, job *models.Job, plan *sendPlan) (*SendResult, string, error) {
	flow, created, err := m.registrar.Ensure(ctx, registration.Request{
		UserID:          app.UserID,
		RegistrationURL: plan.registerURL,
		JobID:           job.ID,
		ApplicationID:   app.ID,
	})
	if err != nil {
		if errors.Is(err, models.ErrManualActionRequired) {
			m.markManual(ctx, app.ID, job, err)
		}
		return nil, "", err
	}

	_, err = m.store.UpdateApplication(ctx, app.ID, func(a *models.Application) error {
		if a.Status != models.AppApproved {
			return errSkip
		}
		a.Metadata.RegistrationFlowID = flow.ID
		a.Metadata.Path = PathRegistration
		a.Metadata.ManualReason = ""
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, "", fmt.Errorf("link flow to %s: %w", app.ID, models.ErrStaleState)
	}
	if err != nil {
		return nil, "", fmt.Errorf("link flow to %s: %w", app.ID, err)
	}

	m.log.Info("application waits for registration", "application_id", app.ID, "flow_id", flow.ID, "created", created)
	m.appendLog(ctx, &models.SystemLogEntry{
		UserID:        app.UserID,
		EventType:     models.EventSend,
		Status:        models.LogInfo,
		Message:       "registration required on " + flow.Domain,
		JobID:         job.ID,
		ApplicationID: app.ID,
		Details:       map[string]any{"flow_id": flow.ID},
	})
	m.send(ctx, app.UserID, fmt.Sprintf("🔐 <b>%s</b> needs an account on %s. Registering first, the søknad goes out when that is done.",
		notify.Escape(job.Title), notify.Escape(flow.SiteName)))

	res := &SendResult{Path: PathRegistration, FlowID: flow.ID, FlowCreated: created}
	if created {
		return res, flow.ID, nil
	}
	return res, "", nil
}

// markManual keeps the application approved and records why a human has to act.
func (m *Machine) markManual(ctx context.Context, appID string, job *models.Job, cause error) {
	reason := cause.Error()
	var manual *models.ManualActionError
	if errors.As(cause, &manual) {
		reason = manual.Reason
	}
	app, err := m.store.UpdateApplication(ctx, appID, func(a *models.Application) error {
		if a.Status != models.AppApproved {
			return errSkip
		}
		a.Metadata.ManualReason = reason
		return nil
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		m.log.Error("record manual reason", "application_id", appID, "error", err)
		return
	}

	m.log.Warn("manual action required", "application_id", appID, "reason", reason)
	m.appendLog(ctx, &models.SystemLogEntry{
		UserID:        app.UserID,
		EventType:     models.EventSend,
		Status:        models.LogFailed,
		Message:       "manual action required: " + reason,
		JobID:         app.JobID,
		ApplicationID: app.ID,
	})
	msg := notify.Message{
		ChatID: m.chatID(ctx, app.UserID),
		Text:   fmt.Sprintf("✋ <b>Manual action needed</b>: %s\nReason: %s", notify.Escape(job.Title), notify.Escape(reason)),
	}
	if u := job.ApplyURL(); u != "" {
		msg.Buttons = [][]notify.Button{notify.Row(notify.Button{Text: "🔗 Open posting", URL: u})}
	}
	m.sendMessage(ctx, msg)
}

// OnFlowFinished continues the applications that waited for a registration.
func (m *Machine) OnFlowFinished(ctx context.Context, flow *models.RegistrationFlow) {
	apps, err := m.store.ListApplicationsByFlow(ctx, flow.ID)
	if err != nil {
		m.log.Error("list applications for flow", "flow_id", flow.ID, "error", err)
		return
	}
	for _, app := range apps {
		if app.Status != models.AppApproved {
			continue
		}
		switch flow.Status {
		case models.FlowCompleted:
			if _, err := m.DispatchSend(ctx, app.ID); err != nil {
				m.log.Warn("dispatch after registration", "application_id", app.ID, "flow_id", flow.ID, "error", err)
			}
		case models.FlowFailed:
			job, err := m.store.GetJob(ctx, app.JobID)
			if err != nil {
				m.log.Error("load job", "job_id", app.JobID, "error", err)
				continue
			}
			m.markManual(ctx, app.ID, job, models.ManualAction("registration on %s failed: %s", flow.SiteName, flow.ErrorMessage))
		}
	}
}
