// Package registration creates site accounts for external application forms.
// A flow is pending until its agent task starts, in_progress while the agent
// works, verification_needed while a code is outstanding, then completed or
// failed. Every transition is a conditional store update, so webhook, poll and
// chat triggers can arrive in any order.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/skyvern"
	"go-soknad-automation/internal/verification"
)

// Verifier opens and closes verification requests on the relay.
type Verifier interface {
	Open(ctx context.Context, req verification.OpenRequest) (*models.VerificationRequest, bool, error)
	Withdraw(ctx context.Context, taskID string) error
}

// FinishedHook runs after a flow reaches completed or failed.
type FinishedHook func(ctx context.Context, flow *models.RegistrationFlow)

type Request struct {
	UserID          string
	RegistrationURL string
	JobID           string
	ApplicationID   string
}

type Engine struct {
	store    database.Store
	runner   automation.Runner
	verifier Verifier
	notifier notify.Notifier
	cfg      config.RegistrationConfig
	log      *logger.Logger
	now      func() time.Time

	mu    sync.RWMutex
	hooks []FinishedHook
}

// errSkip aborts an update whose precondition no longer holds. It never leaves the package.
var errSkip = errors.New("flow update skipped")

func NewEngine(store database.Store, runner automation.Runner, verifier Verifier, notifier notify.Notifier, cfg config.RegistrationConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		runner:   runner,
		verifier: verifier,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With("component", "registration"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) OnFinished(h FinishedHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Ensure returns the active flow for the request's domain, creating one in
// pending when none exists.
func (e *Engine) Ensure(ctx context.Context, req Request) (*models.RegistrationFlow, bool, error) {
	domain := DomainOf(req.RegistrationURL)
	if domain == "" {
		return nil, false, models.ManualAction("no registration URL")
	}
	if flow, err := e.store.ActiveFlow(ctx, req.UserID, domain); err == nil {
		return flow, false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, false, fmt.Errorf("active flow for %s: %w", domain, err)
	}

	email := e.cfg.Email
	profile, err := e.store.GetActiveProfile(ctx, req.UserID)
	switch {
	case err == nil && profile.PersonalInfo.Email != "":
		email = profile.PersonalInfo.Email
	case err != nil && !errors.Is(err, models.ErrNotFound):
		return nil, false, fmt.Errorf("load profile: %w", err)
	}
	if email == "" {
		return nil, false, models.ManualAction("no email available to register on %s", domain)
	}

	password, err := GeneratePassword()
	if err != nil {
		return nil, false, err
	}
	now := e.now()
	flow := &models.RegistrationFlow{
		UserID:            req.UserID,
		Domain:            domain,
		SiteName:          SiteName(domain),
		RegistrationURL:   req.RegistrationURL,
		JobID:             req.JobID,
		ApplicationID:     req.ApplicationID,
		Status:            models.FlowPending,
		Email:             email,
		GeneratedPassword: password,
		ExpiresAt:         now.Add(e.cfg.FlowTimeout),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = e.store.CreateFlow(ctx, flow)
	if errors.Is(err, models.ErrActiveFlowExists) {
		existing, getErr := e.store.ActiveFlow(ctx, req.UserID, domain)
		if getErr != nil {
			return nil, false, fmt.Errorf("reuse active flow for %s: %w", domain, getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create flow: %w", err)
	}

	e.log.Info("registration flow created", "flow_id", flow.ID, "domain", domain, "application_id", req.ApplicationID)
	e.appendLog(ctx, flow, models.LogInfo, "registration flow created")
	e.send(ctx, flow.UserID, fmt.Sprintf("🔄 <b>Registering on %s</b>\n📧 %s\n🔗 %s\nI will ask if something is missing.",
		notify.Escape(flow.SiteName), notify.Escape(email), notify.Escape(flow.RegistrationURL)))
	return flow, true, nil
}

// Run starts (or restarts, after questions were answered) the agent task.
func (e *Engine) Run(ctx context.Context, flowID string) error {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if flow.Status != models.FlowPending && flow.Status != models.FlowInProgress {
		return &models.TransitionError{Entity: "registration flow", ID: flow.ID, From: string(flow.Status), To: string(models.FlowInProgress)}
	}
	if flow.TaskID != "" && !automation.Status(flow.TaskStatus).Terminal() {
		return nil // task already running
	}

	var data models.RegistrationData
	profile, err := e.store.GetActiveProfile(ctx, flow.UserID)
	if err == nil {
		data = profile.RegistrationData()
	} else if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("load profile: %w", err)
	}

	payload, err := e.payload(ctx, flow, data)
	if err != nil {
		return err
	}
	taskID, err := e.runner.Start(ctx, automation.TaskSpec{
		Kind:           automation.KindRegistration,
		URL:            flow.RegistrationURL,
		Goal:           skyvern.RegistrationGoal(flow.Domain, data, flow.Email),
		Payload:        payload,
		TOTPIdentifier: flow.Email,
		MaxSteps:       80,
	})
	if err != nil {
		e.fail(ctx, flow.ID, fmt.Sprintf("could not start registration task: %v", err))
		return fmt.Errorf("start registration task: %w", err)
	}

	updated, err := e.store.UpdateFlow(ctx, flow.ID, func(f *models.RegistrationFlow) error {
		if f.Status != models.FlowPending && f.Status != models.FlowInProgress || f.TaskID != flow.TaskID {
			return errSkip
		}
		f.Status = models.FlowInProgress
		f.TaskID = taskID
		f.TaskStatus = string(automation.StatusCreated)
		f.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errSkip) {
		// Flow ended or another task won while this one was being created.
		if cerr := e.runner.Cancel(ctx, taskID); cerr != nil {
			e.log.Warn("cancel orphaned registration task", "flow_id", flow.ID, "task_id", taskID, "error", cerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("record registration task: %w", err)
	}
	e.log.Info("registration task started", "flow_id", updated.ID, "task_id", taskID)
	return nil
}

func (e *Engine) payload(ctx context.Context, flow *models.RegistrationFlow, d models.RegistrationData) (map[string]any, error) {
	p := map[string]any{
		"email":            flow.Email,
		"password":         flow.GeneratedPassword,
		"confirm_password": flow.GeneratedPassword,
		"full_name":        d.FullName,
		"first_name":       d.FirstName,
		"last_name":        d.LastName,
		"phone":            d.Phone,
		"address":          d.Address,
		"city":             d.City,
		"postal_code":      d.PostalCode,
		"country":          d.Country,
	}
	questions, err := e.store.ListQuestions(ctx, flow.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	for _, q := range questions {
		if q.Resolved() {
			p[q.FieldName] = q.Answer
		}
	}
	return p, nil
}

// OnTaskUpdate applies an agent observation. Updates for an ended flow or a
// superseded task are dropped.
func (e *Engine) OnTaskUpdate(ctx context.Context, flow *models.RegistrationFlow, u automation.TaskUpdate) error {
	current, err := e.store.UpdateFlow(ctx, flow.ID, func(f *models.RegistrationFlow) error {
		if !f.Status.Active() || f.TaskID != u.TaskID || automation.Status(f.TaskStatus).Terminal() {
			return errSkip
		}
		f.TaskStatus = string(u.Status)
		f.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errSkip) {
		e.log.Debug("stale registration update dropped", "flow_id", flow.ID, "task_id", u.TaskID, "status", u.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record task status: %w", err)
	}

	channel, needsCode := u.Extracted.VerificationChannel()
	if !u.Terminal() {
		if needsCode {
			return e.RequestVerification(ctx, current.ID, channel)
		}
		return nil
	}

	if u.Status != automation.StatusCompleted {
		e.fail(ctx, current.ID, u.Reason())
		return nil
	}

	ex := u.Extracted
	succeeded := ex.RegistrationSuccessful != nil && *ex.RegistrationSuccessful
	switch {
	case len(ex.MissingFields) > 0 && !succeeded:
		return e.ask(ctx, current, ex.MissingFields)
	case ex.RegistrationSuccessful != nil && !succeeded && !needsCode:
		reason := ex.ErrorMessage
		if reason == "" {
			reason = "agent reported the registration did not succeed"
		}
		e.fail(ctx, current.ID, reason)
		return nil
	case needsCode:
		return e.RequestVerification(ctx, current.ID, channel)
	}
	return e.complete(ctx, current.ID)
}

// RequestVerification moves the flow to verification_needed and opens a relay
// request for the flow's task. Safe to call repeatedly. When the chat is held
// by another task's request the flow keeps waiting and Reconcile asks again.
func (e *Engine) RequestVerification(ctx context.Context, flowID string, channel models.VerificationChannel) error {
	if e.alreadyVerified(ctx, flowID, channel) {
		return nil
	}
	flow, err := e.store.UpdateFlow(ctx, flowID, func(f *models.RegistrationFlow) error {
		if f.Status != models.FlowInProgress && f.Status != models.FlowVerificationNeeded {
			return errSkip
		}
		f.Status = models.FlowVerificationNeeded
		f.VerificationChannel = channel
		f.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark verification needed: %w", err)
	}

	identifier := flow.Email
	if channel == models.ChannelSMS {
		if p, err := e.store.GetActiveProfile(ctx, flow.UserID); err == nil {
			identifier = p.PersonalInfo.Phone
		}
	}
	_, _, err = e.verifier.Open(ctx, verification.OpenRequest{
		UserID:     flow.UserID,
		ChatID:     e.chatID(ctx, flow.UserID),
		Channel:    channel,
		Identifier: identifier,
		TargetKind: models.TargetRegistration,
		TargetID:   flow.ID,
		TaskID:     flow.TaskID,
		Subject:    "registration on " + flow.SiteName,
		TTL:        e.cfg.VerificationTimeout,
		Requested:  true,
	})
	if errors.Is(err, verification.ErrChatBusy) {
		e.log.Info("verification deferred, chat busy", "flow_id", flow.ID, "task_id", flow.TaskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open verification: %w", err)
	}
	e.appendLog(ctx, flow, models.LogInfo, "verification needed via "+string(channel))
	return nil
}

// awaitingPrompt reports whether a flow waits for a code nobody was asked for yet.
func (e *Engine) awaitingPrompt(ctx context.Context, f *models.RegistrationFlow) bool {
	if f.Status != models.FlowVerificationNeeded || f.VerificationChannel == "" || f.TaskID == "" {
		return false
	}
	_, err := e.store.LatestVerification(ctx, f.TaskID, "")
	return errors.Is(err, models.ErrNotFound)
}

// alreadyVerified reports whether the flow's current task already got a code
// on this channel. The agent keeps repeating the needs-verification flag after
// the code was delivered.
func (e *Engine) alreadyVerified(ctx context.Context, flowID string, channel models.VerificationChannel) bool {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil || flow.TaskID == "" {
		return false
	}
	v, err := e.store.LatestVerification(ctx, flow.TaskID, "")
	if err != nil {
		return false
	}
	return v.Channel == channel && v.Status == models.VerificationCodeReceived
}

// Resume forwards a received code. A running task gets it pushed; a finished
// task gets a follow-up confirmation task. Link confirmations complete the flow.
func (e *Engine) Resume(ctx context.Context, req *models.VerificationRequest) error {
	flow, err := e.store.GetFlow(ctx, req.TargetID)
	if err != nil {
		return err
	}
	if flow.Status != models.FlowVerificationNeeded {
		return nil
	}
	code := ""
	if req.Code != nil {
		code = *req.Code
	}

	taskDone := automation.Status(flow.TaskStatus).Terminal()
	if req.Channel == models.ChannelLink && taskDone {
		return e.complete(ctx, flow.ID)
	}

	taskID := flow.TaskID
	if taskDone {
		taskID, err = e.runner.Start(ctx, automation.TaskSpec{
			Kind: automation.KindRegistration,
			URL:  flow.RegistrationURL,
			Goal: skyvern.VerificationGoal(flow.Domain, flow.Email),
			Payload: map[string]any{
				"email":             flow.Email,
				"password":          flow.GeneratedPassword,
				"verification_code": code,
			},
			TOTPIdentifier: flow.Email,
		})
		if err != nil {
			e.fail(ctx, flow.ID, fmt.Sprintf("could not start verification task: %v", err))
			return fmt.Errorf("start verification task: %w", err)
		}
	} else if err := e.runner.SubmitCode(ctx, flow.TaskID, req.Identifier, code); err != nil {
		// The agent can still pull the code from the TOTP endpoint.
		e.log.Warn("push code to agent", "flow_id", flow.ID, "task_id", flow.TaskID, "error", err)
	}

	_, err = e.store.UpdateFlow(ctx, flow.ID, func(f *models.RegistrationFlow) error {
		if f.Status != models.FlowVerificationNeeded {
			return errSkip
		}
		f.Status = models.FlowInProgress
		f.VerificationChannel = ""
		if taskID != f.TaskID {
			f.TaskID = taskID
			f.TaskStatus = string(automation.StatusCreated)
		}
		f.UpdatedAt = e.now()
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		return fmt.Errorf("resume flow: %w", err)
	}
	return nil
}

// OnVerificationExpired fails the flow the request belonged to.
func (e *Engine) OnVerificationExpired(ctx context.Context, req *models.VerificationRequest, _ models.VerificationStatus) error {
	e.fail(ctx, req.TargetID, models.ErrVerificationExpired.Error())
	return nil
}

func (e *Engine) complete(ctx context.Context, flowID string) error {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if !flow.Status.Active() {
		return nil
	}

	cred := &models.SiteCredential{
		UserID:   flow.UserID,
		Domain:   flow.Domain,
		SiteName: flow.SiteName,
		Username: flow.Email,
		Secret:   flow.GeneratedPassword,
	}
	if id, err := e.runner.StoreCredential(ctx, flow.Domain, flow.Email, flow.GeneratedPassword); err != nil {
		e.log.Warn("store credential in agent", "domain", flow.Domain, "error", err)
	} else {
		cred.AgentCredentialID = id
	}
	if err := e.store.SaveCredential(ctx, cred); err != nil {
		e.fail(ctx, flow.ID, "could not save credential")
		return fmt.Errorf("save credential: %w", err)
	}

	now := e.now()
	done, err := e.store.UpdateFlow(ctx, flow.ID, func(f *models.RegistrationFlow) error {
		if !f.Status.Active() {
			return errSkip
		}
		f.Status = models.FlowCompleted
		f.CompletedAt = &now
		f.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete flow: %w", err)
	}

	e.withdraw(ctx, done)
	e.log.Info("registration completed", "flow_id", done.ID, "domain", done.Domain)
	e.appendLog(ctx, done, models.LogSuccess, "registration completed")
	e.send(ctx, done.UserID, fmt.Sprintf("✅ <b>Registered on %s</b>\n📧 %s\n🔐 Password stored.",
		notify.Escape(done.SiteName), notify.Escape(done.Email)))
	e.finished(ctx, done)
	return nil
}

// fail ends an active flow. Errors are logged; the flow is the only thing affected.
func (e *Engine) fail(ctx context.Context, flowID, reason string) {
	var runningTask string
	failed, err := e.store.UpdateFlow(ctx, flowID, func(f *models.RegistrationFlow) error {
		if !f.Status.Active() {
			return errSkip
		}
		if f.TaskID != "" && !automation.Status(f.TaskStatus).Terminal() {
			runningTask = f.TaskID
		}
		f.Status = models.FlowFailed
		f.ErrorMessage = reason
		f.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		e.log.Error("fail flow", "flow_id", flowID, "error", err)
		return
	}
	if runningTask != "" {
		if err := e.runner.Cancel(ctx, runningTask); err != nil {
			e.log.Warn("cancel registration task", "task_id", runningTask, "error", err)
		}
	}
	e.withdraw(ctx, failed)

	e.log.Warn("registration failed", "flow_id", failed.ID, "domain", failed.Domain, "reason", reason)
	e.appendLog(ctx, failed, models.LogFailed, reason)
	e.send(ctx, failed.UserID, fmt.Sprintf("❌ <b>Registration on %s failed</b>\nReason: %s\nPlease register manually.",
		notify.Escape(failed.SiteName), notify.Escape(reason)))
	e.finished(ctx, failed)
}

// withdraw closes the ended flow's open request so it stops holding the chat.
func (e *Engine) withdraw(ctx context.Context, flow *models.RegistrationFlow) {
	if err := e.verifier.Withdraw(ctx, flow.TaskID); err != nil {
		e.log.Warn("withdraw verification", "flow_id", flow.ID, "task_id", flow.TaskID, "error", err)
	}
}

func (e *Engine) finished(ctx context.Context, flow *models.RegistrationFlow) {
	e.mu.RLock()
	hooks := append([]FinishedHook(nil), e.hooks...)
	e.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, flow)
	}
}

// ExpireDue fails flows past their overall deadline and questions past theirs.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	now := e.now()
	n := 0

	questions, err := e.store.ListPendingQuestions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending questions: %w", err)
	}
	for _, q := range questions {
		if now.Before(q.TimeoutAt) {
			continue
		}
		_, err := e.store.UpdateQuestion(ctx, q.ID, func(q *models.RegistrationQuestion) error {
			if q.Status != models.QuestionPending {
				return errSkip
			}
			q.Status = models.QuestionTimeout
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			e.log.Error("time out question", "question_id", q.ID, "error", err)
			continue
		}
		n++
		e.fail(ctx, q.FlowID, fmt.Sprintf("no answer for %q in time", q.FieldName))
	}

	flows, err := e.store.ListActiveFlows(ctx)
	if err != nil {
		return n, fmt.Errorf("list active flows: %w", err)
	}
	for _, f := range flows {
		if now.Before(f.ExpiresAt) {
			continue
		}
		n++
		e.fail(ctx, f.ID, "registration timed out")
	}
	return n, nil
}

// Reconcile polls the agent for flows whose task has not reported back, and
// asks again for codes that were deferred while the chat was busy.
func (e *Engine) Reconcile(ctx context.Context) error {
	flows, err := e.store.ListActiveFlows(ctx)
	if err != nil {
		return fmt.Errorf("list active flows: %w", err)
	}
	for i := range flows {
		f := &flows[i]
		if e.awaitingPrompt(ctx, f) {
			if err := e.RequestVerification(ctx, f.ID, f.VerificationChannel); err != nil {
				e.log.Error("request deferred verification", "flow_id", f.ID, "error", err)
			}
		}
		if f.TaskID == "" || automation.Status(f.TaskStatus).Terminal() {
			continue
		}
		u, err := e.runner.Status(ctx, f.TaskID)
		if err != nil {
			e.log.Warn("poll registration task", "flow_id", f.ID, "task_id", f.TaskID, "error", err)
			continue
		}
		if u.Status == automation.Status(f.TaskStatus) {
			continue
		}
		if err := e.OnTaskUpdate(ctx, f, u); err != nil {
			e.log.Error("apply polled update", "flow_id", f.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) chatID(ctx context.Context, userID string) int64 {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return 0
	}
	return u.TelegramID
}

func (e *Engine) send(ctx context.Context, userID, text string) {
	e.sendMessage(ctx, notify.Message{ChatID: e.chatID(ctx, userID), Text: text})
}

func (e *Engine) sendMessage(ctx context.Context, msg notify.Message) {
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.log.Warn("notify failed", "error", err)
	}
}

func (e *Engine) appendLog(ctx context.Context, flow *models.RegistrationFlow, status models.LogStatus, msg string) {
	err := e.store.AppendLog(ctx, &models.SystemLogEntry{
		UserID:        flow.UserID,
		EventType:     models.EventRegistration,
		Status:        status,
		Message:       msg,
		JobID:         flow.JobID,
		ApplicationID: flow.ApplicationID,
		Details: map[string]any{
			"flow_id": flow.ID,
			"domain":  flow.Domain,
			"task_id": flow.TaskID,
		},
		Source: "registration",
	})
	if err != nil {
		e.log.Warn("append system log", "error", err)
	}
}
