// Package verification correlates codes typed into chat with the automation
// task that is waiting for them. A chat has at most one active request.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
)

// Resumer forwards a received code to whatever is waiting on the request.
type Resumer interface {
	Resume(ctx context.Context, req *models.VerificationRequest) error
}

type ResumerFunc func(ctx context.Context, req *models.VerificationRequest) error

func (f ResumerFunc) Resume(ctx context.Context, req *models.VerificationRequest) error {
	return f(ctx, req)
}

// ExpiryHandler is told when a request dies without a code. prev is the
// status the request held before it expired.
type ExpiryHandler func(ctx context.Context, req *models.VerificationRequest, prev models.VerificationStatus) error

type Result int

const (
	Ignored Result = iota
	Matched
	Expired
)

func (r Result) String() string {
	switch r {
	case Matched:
		return "matched"
	case Expired:
		return "expired"
	}
	return "ignored"
}

type OpenRequest struct {
	UserID     string
	ChatID     int64
	Channel    models.VerificationChannel
	Identifier string
	TargetKind models.TargetKind
	TargetID   string
	TaskID     string
	// Subject names what the code is for in the chat prompt.
	Subject string
	TTL     time.Duration
	// Requested marks that the agent is actively waiting for the code.
	Requested bool
}

type Relay struct {
	store    database.Store
	notifier notify.Notifier
	ttl      time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu       sync.RWMutex
	resumers map[models.TargetKind]Resumer
	expiry   map[models.TargetKind]ExpiryHandler
}

var errInactive = errors.New("verification request no longer active")

// ErrChatBusy means the chat already holds a request the agent is waiting on.
// The caller asks again once that request is answered or expires.
var ErrChatBusy = errors.New("chat is waiting on another verification code")

func NewRelay(store database.Store, notifier notify.Notifier, ttl time.Duration, log *logger.Logger) *Relay {
	return &Relay{
		store:    store,
		notifier: notifier,
		ttl:      ttl,
		log:      log.With("component", "verification"),
		now:      func() time.Time { return time.Now().UTC() },
		resumers: make(map[models.TargetKind]Resumer),
		expiry:   make(map[models.TargetKind]ExpiryHandler),
	}
}

func (r *Relay) SetClock(now func() time.Time) { r.now = now }

func (r *Relay) Register(kind models.TargetKind, resumer Resumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumers[kind] = resumer
}

func (r *Relay) OnExpired(kind models.TargetKind, h ExpiryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiry[kind] = h
}

// Open creates the chat's active request, expiring an older one that was only
// opened in advance. A request the agent is waiting on keeps the chat until it
// is answered or its window runs out; Open reports ErrChatBusy meanwhile.
// Opening twice for the same task returns the existing request.
func (r *Relay) Open(ctx context.Context, req OpenRequest) (*models.VerificationRequest, bool, error) {
	now := r.now()
	if req.TaskID != "" {
		existing, err := r.store.LatestVerification(ctx, req.TaskID, "")
		switch {
		case err == nil && existing.Status.Active() && !existing.Expired(now):
			if req.Requested && existing.Status == models.VerificationPending {
				existing, err = r.markRequested(ctx, existing.ID, req.Subject)
				if err != nil {
					return nil, false, err
				}
			}
			return existing, false, nil
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return nil, false, fmt.Errorf("find verification for task %s: %w", req.TaskID, err)
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	status := models.VerificationPending
	if req.Requested {
		status = models.VerificationCodeRequested
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := r.supersede(ctx, req.ChatID, now); err != nil {
			return nil, false, err
		}
		v := &models.VerificationRequest{
			UserID:     req.UserID,
			ChatID:     req.ChatID,
			Channel:    req.Channel,
			Identifier: req.Identifier,
			TargetKind: req.TargetKind,
			TargetID:   req.TargetID,
			TaskID:     req.TaskID,
			Status:     status,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}
		err := r.store.CreateVerification(ctx, v)
		if errors.Is(err, models.ErrStaleState) {
			continue // another request won the chat between supersede and create
		}
		if err != nil {
			return nil, false, fmt.Errorf("create verification: %w", err)
		}

		r.log.Info("verification opened", "id", v.ID, "chat_id", v.ChatID, "channel", v.Channel, "target", v.TargetKind, "task_id", v.TaskID)
		r.appendLog(ctx, v, models.LogInfo, "verification requested")
		r.send(ctx, v.ChatID, promptText(v, req.Subject))
		return v, true, nil
	}
	return nil, false, fmt.Errorf("open verification for chat %d: %w", req.ChatID, models.ErrStaleState)
}

func (r *Relay) markRequested(ctx context.Context, id, subject string) (*models.VerificationRequest, error) {
	v, err := r.store.UpdateVerification(ctx, id, func(v *models.VerificationRequest) error {
		if v.Status != models.VerificationPending {
			return errInactive
		}
		v.Status = models.VerificationCodeRequested
		return nil
	})
	if errors.Is(err, errInactive) {
		return r.store.GetVerification(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark verification %s requested: %w", id, err)
	}
	r.send(ctx, v.ChatID, promptText(v, subject))
	return v, nil
}

// supersede expires the request currently holding the chat, unless the agent
// is waiting on it and its window is still open.
func (r *Relay) supersede(ctx context.Context, chatID int64, now time.Time) error {
	active, err := r.store.ActiveVerificationForChat(ctx, chatID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("active verification for chat %d: %w", chatID, err)
	}
	if active.Status == models.VerificationCodeRequested && !active.Expired(now) {
		return fmt.Errorf("chat %d held by verification %s: %w", chatID, active.ID, ErrChatBusy)
	}
	expired, prev, err := r.expire(ctx, active.ID)
	if err != nil || expired == nil {
		return err
	}
	r.log.Info("verification superseded", "id", expired.ID, "chat_id", chatID)
	r.runExpiry(ctx, expired, prev)
	return nil
}

// HandleCode matches code against the chat's active request. Link requests
// accept an empty code; the others need one.
func (r *Relay) HandleCode(ctx context.Context, chatID int64, code string) (Result, error) {
	active, err := r.store.ActiveVerificationForChat(ctx, chatID)
	if errors.Is(err, models.ErrNotFound) {
		return Ignored, nil
	}
	if err != nil {
		return Ignored, fmt.Errorf("active verification for chat %d: %w", chatID, err)
	}
	if active.Channel != models.ChannelLink && code == "" {
		return Ignored, nil
	}

	now := r.now()
	late := false
	var prev models.VerificationStatus
	updated, err := r.store.UpdateVerification(ctx, active.ID, func(v *models.VerificationRequest) error {
		if !v.Status.Active() {
			return errInactive
		}
		prev = v.Status
		if v.Expired(now) {
			v.Status = models.VerificationExpired
			late = true
			return nil
		}
		v.Code = &code
		v.Status = models.VerificationCodeReceived
		v.ReceivedAt = &now
		return nil
	})
	if errors.Is(err, errInactive) {
		return Ignored, nil
	}
	if err != nil {
		return Ignored, fmt.Errorf("record code for verification %s: %w", active.ID, err)
	}

	if late {
		r.log.Warn("code arrived after expiry", "id", updated.ID, "chat_id", chatID)
		r.runExpiry(ctx, updated, prev)
		return Expired, nil
	}

	r.log.Info("verification code received", "id", updated.ID, "target", updated.TargetKind, "task_id", updated.TaskID)
	r.appendLog(ctx, updated, models.LogSuccess, "verification code received")
	if err := r.resume(ctx, updated); err != nil {
		r.send(ctx, chatID, fmt.Sprintf("⚠️ Code received, but forwarding it failed: %s", notify.Escape(err.Error())))
		return Matched, err
	}
	r.send(ctx, chatID, "✅ Code received, continuing.")
	return Matched, nil
}

// CodeForTask returns the newest request for the task, or for identifier when
// the agent does not send a task id.
func (r *Relay) CodeForTask(ctx context.Context, taskID, identifier string) (*models.VerificationRequest, error) {
	return r.store.LatestVerification(ctx, taskID, identifier)
}

// ExpireDue expires every active request past its window.
func (r *Relay) ExpireDue(ctx context.Context) (int, error) {
	active, err := r.store.ListActiveVerifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active verifications: %w", err)
	}
	now := r.now()
	n := 0
	for i := range active {
		if !active[i].Expired(now) {
			continue
		}
		expired, prev, err := r.expire(ctx, active[i].ID)
		if err != nil {
			r.log.Error("expire verification", "id", active[i].ID, "error", err)
			continue
		}
		if expired == nil {
			continue
		}
		n++
		r.runExpiry(ctx, expired, prev)
	}
	return n, nil
}

// Withdraw quietly closes the active request for a task whose outcome no
// longer depends on a code. No expiry handler runs and nothing is sent.
func (r *Relay) Withdraw(ctx context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	v, err := r.store.LatestVerification(ctx, taskID, "")
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find verification for task %s: %w", taskID, err)
	}
	if v.TaskID != taskID || !v.Status.Active() {
		return nil
	}
	expired, _, err := r.expire(ctx, v.ID)
	if err != nil || expired == nil {
		return err
	}
	r.log.Debug("verification withdrawn", "id", expired.ID, "task_id", taskID)
	return nil
}

// expire returns a nil request when it was no longer active.
func (r *Relay) expire(ctx context.Context, id string) (*models.VerificationRequest, models.VerificationStatus, error) {
	var prev models.VerificationStatus
	v, err := r.store.UpdateVerification(ctx, id, func(v *models.VerificationRequest) error {
		if !v.Status.Active() {
			return errInactive
		}
		prev = v.Status
		v.Status = models.VerificationExpired
		return nil
	})
	if errors.Is(err, errInactive) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("expire verification %s: %w", id, err)
	}
	return v, prev, nil
}

func (r *Relay) runExpiry(ctx context.Context, v *models.VerificationRequest, prev models.VerificationStatus) {
	r.appendLog(ctx, v, models.LogFailed, models.ErrVerificationExpired.Error())
	r.mu.RLock()
	h := r.expiry[v.TargetKind]
	r.mu.RUnlock()
	if h != nil {
		if err := h(ctx, v, prev); err != nil {
			r.log.Error("expiry handler failed", "id", v.ID, "target", v.TargetKind, "error", err)
		}
	}
	r.send(ctx, v.ChatID, "⌛ The verification window has expired.")
}

func (r *Relay) resume(ctx context.Context, v *models.VerificationRequest) error {
	r.mu.RLock()
	res := r.resumers[v.TargetKind]
	r.mu.RUnlock()
	if res == nil {
		return fmt.Errorf("no resumer for %s", v.TargetKind)
	}
	return res.Resume(ctx, v)
}

func (r *Relay) send(ctx context.Context, chatID int64, text string) {
	if err := r.notifier.Send(ctx, notify.Message{ChatID: chatID, Text: text}); err != nil {
		r.log.Warn("notify failed", "chat_id", chatID, "error", err)
	}
}

func (r *Relay) appendLog(ctx context.Context, v *models.VerificationRequest, status models.LogStatus, msg string) {
	entry := &models.SystemLogEntry{
		UserID:    v.UserID,
		EventType: models.EventVerification,
		Status:    status,
		Message:   msg,
		Details: map[string]any{
			"verification_id": v.ID,
			"channel":         string(v.Channel),
			"target_kind":     string(v.TargetKind),
			"target_id":       v.TargetID,
			"task_id":         v.TaskID,
		},
		Source: "verification",
	}
	if v.TargetKind == models.TargetApplication {
		entry.ApplicationID = v.TargetID
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.log.Warn("append system log", "error", err)
	}
}

func promptText(v *models.VerificationRequest, subject string) string {
	if subject == "" {
		subject = "automation task"
	}
	mins := int(v.ExpiresAt.Sub(v.CreatedAt).Round(time.Minute) / time.Minute)
	head := fmt.Sprintf("🔐 <b>Verification needed</b>: %s\n", notify.Escape(subject))
	if v.Identifier != "" {
		head += fmt.Sprintf("Sent to: %s\n", notify.Escape(v.Identifier))
	}
	switch v.Channel {
	case models.ChannelLink:
		return head + fmt.Sprintf("Open the confirmation link, then reply <b>ferdig</b> within %d min.", mins)
	case models.ChannelSMS:
		return head + fmt.Sprintf("Reply with the SMS code (4-8 digits) within %d min.", mins)
	}
	if v.Status == models.VerificationCodeRequested {
		return head + fmt.Sprintf("The site is waiting now. Reply with the email code (4-8 digits) within %d min.", mins)
	}
	return head + fmt.Sprintf("A login code may arrive by email. Reply with it (4-8 digits) within %d min.", mins)
}
