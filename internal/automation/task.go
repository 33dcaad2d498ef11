package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/skyvern"
)

// Status is the agent's task status.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusTimedOut   Status = "timed_out"
	StatusCanceled   Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusTimedOut, StatusCanceled:
		return true
	}
	return false
}

// TaskUpdate is one observation of a task, from the webhook or a poll.
type TaskUpdate struct {
	TaskID        string    `json:"task_id"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Extracted     Extracted `json:"extracted_information"`
}

func (u TaskUpdate) Terminal() bool { return u.Status.Terminal() }

// Extracted is the structured report the agent fills from the extraction schema.
type Extracted struct {
	ApplicationSent      *bool  `json:"application_sent,omitempty"`
	ConfirmationMessage  string `json:"confirmation_message,omitempty"`
	ErrorMessage         string `json:"error_message,omitempty"`
	RequiresRegistration bool   `json:"requires_registration,omitempty"`

	RegistrationSuccessful *bool          `json:"registration_successful,omitempty"`
	NeedsEmailVerification bool           `json:"needs_email_verification,omitempty"`
	NeedsSMSVerification   bool           `json:"needs_sms_verification,omitempty"`
	NeedsLinkVerification  bool           `json:"needs_link_verification,omitempty"`
	FilledFields           FieldList      `json:"filled_fields,omitempty"`
	MissingFields          []MissingField `json:"missing_fields,omitempty"`
}

// VerificationChannel returns the channel the site asked to verify through, if any.
func (e Extracted) VerificationChannel() (models.VerificationChannel, bool) {
	switch {
	case e.NeedsSMSVerification:
		return models.ChannelSMS, true
	case e.NeedsEmailVerification:
		return models.ChannelEmail, true
	case e.NeedsLinkVerification:
		return models.ChannelLink, true
	}
	return "", false
}

// MissingField is a required form field the agent could not fill.
// The agent reports either a bare field name or an object.
type MissingField struct {
	Field    string   `json:"field"`
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
}

func (m *MissingField) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*m = MissingField{Field: strings.TrimSpace(name)}
		return nil
	}
	type plain MissingField
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = MissingField(p)
	return nil
}

// FieldList accepts a list of names or an object keyed by field name.
type FieldList []string

func (f *FieldList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		out := make(FieldList, 0, len(obj))
		for k := range obj {
			out = append(out, k)
		}
		*f = out
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

// FromTask normalizes the agent's task document. Malformed extraction data is
// dropped, which later classifies as an unclear outcome.
func FromTask(t *skyvern.Task) TaskUpdate {
	u := TaskUpdate{
		TaskID:        t.TaskID,
		Status:        Status(strings.ToLower(strings.TrimSpace(t.Status))),
		FailureReason: t.FailureReason,
	}
	raw := bytes.TrimSpace(t.ExtractedInformation)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		_ = json.Unmarshal(raw, &u.Extracted)
	}
	return u
}

// ParseWebhook decodes an agent callback body.
func ParseWebhook(body []byte) (TaskUpdate, error) {
	var t skyvern.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return TaskUpdate{}, fmt.Errorf("decode agent callback: %w", err)
	}
	if t.TaskID == "" {
		return TaskUpdate{}, fmt.Errorf("agent callback without task_id")
	}
	return FromTask(&t), nil
}

// Outcome is the application-level meaning of a task update.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSent
	OutcomeManualReview
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeManualReview:
		return "manual_review"
	case OutcomeFailed:
		return "failed"
	}
	return "pending"
}

// Classify maps an application task update to its outcome. A completed task
// counts as sent only when the agent confirmed the submission.
func Classify(u TaskUpdate) Outcome {
	switch u.Status {
	case StatusCompleted:
		e := u.Extracted
		if e.ApplicationSent != nil && *e.ApplicationSent {
			return OutcomeSent
		}
		if e.ApplicationSent == nil && e.ConfirmationMessage != "" {
			return OutcomeSent
		}
		return OutcomeManualReview
	case StatusFailed, StatusTerminated:
		if mentionsManualStep(u.FailureReason) || u.Extracted.RequiresRegistration {
			return OutcomeManualReview
		}
		return OutcomeFailed
	case StatusTimedOut, StatusCanceled:
		return OutcomeFailed
	}
	return OutcomePending
}

func mentionsManualStep(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "manual") || strings.Contains(r, "captcha") || strings.Contains(r, "human")
}

// Err returns the taxonomy error for a failed or timed-out update, or nil.
func (u TaskUpdate) Err() error {
	switch u.Status {
	case StatusTimedOut:
		return fmt.Errorf("task %s: %w", u.TaskID, models.ErrAutomationTimeout)
	case StatusFailed, StatusTerminated, StatusCanceled:
		reason := u.FailureReason
		if reason == "" {
			reason = u.Extracted.ErrorMessage
		}
		return fmt.Errorf("task %s %s: %s: %w", u.TaskID, u.Status, reason, models.ErrAutomationFailure)
	}
	return nil
}

// Reason is a short human-readable summary of why the task ended the way it did.
func (u TaskUpdate) Reason() string {
	switch {
	case u.FailureReason != "":
		return u.FailureReason
	case u.Extracted.ErrorMessage != "":
		return u.Extracted.ErrorMessage
	case u.Extracted.RequiresRegistration:
		return "site requires an account"
	case u.Status == StatusCompleted && Classify(u) == OutcomeManualReview:
		return "agent finished without a submission confirmation"
	}
	return string(u.Status)
}
