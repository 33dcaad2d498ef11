package models

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobNew      JobStatus = "NEW"
	JobAnalyzed JobStatus = "ANALYZED"
	JobApplied  JobStatus = "APPLIED"
	JobRejected JobStatus = "REJECTED"
	JobFailed   JobStatus = "FAILED"
)

// FormType classifies how a posting accepts applications.
type FormType string

const (
	FormFinnEasy             FormType = "finn_easy"
	FormExternal             FormType = "external_form"
	FormExternalRegistration FormType = "external_registration"
	FormEmail                FormType = "email"
	FormUnknown              FormType = "unknown"
	FormProcessing           FormType = "processing"
)

type ApplicationStatus string

const (
	AppDraft        ApplicationStatus = "draft"
	AppApproved     ApplicationStatus = "approved"
	AppSending      ApplicationStatus = "sending"
	AppSent         ApplicationStatus = "sent"
	AppFailed       ApplicationStatus = "failed"
	AppManualReview ApplicationStatus = "manual_review"
)

// Terminal reports whether the status ends a send attempt.
func (s ApplicationStatus) Terminal() bool {
	return s == AppSent || s == AppFailed || s == AppManualReview
}

type FlowStatus string

const (
	FlowPending            FlowStatus = "pending"
	FlowInProgress         FlowStatus = "in_progress"
	FlowVerificationNeeded FlowStatus = "verification_needed"
	FlowCompleted          FlowStatus = "completed"
	FlowFailed             FlowStatus = "failed"
)

// ActiveFlowStatuses are the statuses that block a second flow for the same (domain, user).
var ActiveFlowStatuses = []FlowStatus{FlowPending, FlowInProgress, FlowVerificationNeeded}

func (s FlowStatus) Active() bool {
	for _, a := range ActiveFlowStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
	QuestionTimeout  QuestionStatus = "timeout"
)

type VerificationChannel string

const (
	ChannelEmail VerificationChannel = "email"
	ChannelSMS   VerificationChannel = "sms"
	ChannelLink  VerificationChannel = "link"
)

type VerificationStatus string

const (
	VerificationPending       VerificationStatus = "pending"
	VerificationCodeRequested VerificationStatus = "code_requested"
	VerificationCodeReceived  VerificationStatus = "code_received"
	VerificationExpired       VerificationStatus = "expired"
)

var ActiveVerificationStatuses = []VerificationStatus{VerificationPending, VerificationCodeRequested}

func (s VerificationStatus) Active() bool {
	return s == VerificationPending || s == VerificationCodeRequested
}

// TargetKind names the workflow a verification request resumes.
type TargetKind string

const (
	TargetApplication  TargetKind = "application"
	TargetRegistration TargetKind = "registration"
)

type User struct {
	ID         string    `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Job struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Source           string    `json:"source"`
	DedupKey         string    `json:"dedup_key"`
	URL              string    `json:"url"`
	Title            string    `json:"title"`
	Company          string    `json:"company"`
	Location         string    `json:"location"`
	Description      *string   `json:"description,omitempty"`
	Status           JobStatus `json:"status"`
	ExternalApplyURL *string   `json:"external_apply_url,omitempty"`
	FormType         FormType  `json:"application_form_type"`
	Analysis         *Analysis `json:"analysis,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ApplyURL is where the submission happens: the external form if known, else the posting.
func (j *Job) ApplyURL() string {
	if j.ExternalApplyURL != nil && *j.ExternalApplyURL != "" {
		return *j.ExternalApplyURL
	}
	return j.URL
}

func (j *Job) DescriptionText() string {
	if j.Description == nil {
		return ""
	}
	return *j.Description
}

// Analysis is the AI fit assessment attached to a job.
type Analysis struct {
	Score       int      `json:"score"`
	Text        string   `json:"analysis"`
	Tasks       string   `json:"tasks,omitempty"`
	Aura        *Aura    `json:"aura,omitempty"`
	Radar       *Radar   `json:"radar,omitempty"`
	AnalyzedAt  string   `json:"analyzed_at,omitempty"`
	CultureTags []string `json:"culture_tags,omitempty"`
}

type Aura struct {
	Status      string   `json:"status"`
	Color       string   `json:"color"`
	Tags        []string `json:"tags"`
	Explanation string   `json:"explanation"`
}

type Radar struct {
	TechStack       int `json:"tech_stack"`
	SoftSkills      int `json:"soft_skills"`
	Culture         int `json:"culture"`
	SalaryPotential int `json:"salary_potential"`
	CareerGrowth    int `json:"career_growth"`
}

type Application struct {
	ID                     string              `json:"id"`
	UserID                 string              `json:"user_id"`
	JobID                  string              `json:"job_id"`
	Status                 ApplicationStatus   `json:"status"`
	CoverLetter            string              `json:"cover_letter_no"`
	CoverLetterTranslation string              `json:"cover_letter_translation"`
	Metadata               ApplicationMetadata `json:"metadata"`
	FailureReason          string              `json:"failure_reason,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	ApprovedAt             *time.Time          `json:"approved_at,omitempty"`
	SentAt                 *time.Time          `json:"sent_at,omitempty"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// ApplicationMetadata is the free-form bag persisted as jsonb.
type ApplicationMetadata struct {
	TaskID             string     `json:"task_id,omitempty"`
	TaskStartedAt      *time.Time `json:"task_started_at,omitempty"`
	LastPolledAt       *time.Time `json:"last_polled_at,omitempty"`
	Source             string     `json:"source,omitempty"`
	Path               string     `json:"path,omitempty"`
	RegistrationFlowID string     `json:"registration_flow_id,omitempty"`
	ManualReason       string     `json:"manual_reason,omitempty"`
	AgentStatus        string     `json:"agent_status,omitempty"`
	AgentReason        string     `json:"agent_reason,omitempty"`
}

type SiteCredential struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Domain            string    `json:"domain"`
	SiteName          string    `json:"site_name"`
	Username          string    `json:"username"`
	Secret            string    `json:"-"`
	AgentCredentialID string    `json:"agent_credential_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type RegistrationFlow struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Domain            string     `json:"domain"`
	SiteName          string     `json:"site_name"`
	RegistrationURL   string     `json:"registration_url"`
	JobID             string     `json:"job_id,omitempty"`
	ApplicationID     string     `json:"application_id,omitempty"`
	Status            FlowStatus `json:"status"`
	Email             string     `json:"email"`
	GeneratedPassword string     `json:"-"`
	TaskID            string     `json:"task_id,omitempty"`
	TaskStatus        string     `json:"task_status,omitempty"`
	// VerificationChannel is set while the flow waits for a code.
	VerificationChannel VerificationChannel `json:"verification_channel,omitempty"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	ExpiresAt           time.Time           `json:"expires_at"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
}

type RegistrationQuestion struct {
	ID           string         `json:"id"`
	FlowID       string         `json:"flow_id"`
	FieldName    string         `json:"field_name"`
	QuestionText string         `json:"question_text"`
	Options      []string       `json:"options,omitempty"`
	Answer       string         `json:"answer,omitempty"`
	Source       string         `json:"source,omitempty"` // "human" or "profile"
	Status       QuestionStatus `json:"status"`
	TimeoutAt    time.Time      `json:"timeout_at"`
	CreatedAt    time.Time      `json:"created_at"`
	AnsweredAt   *time.Time     `json:"answered_at,omitempty"`
}

func (q *RegistrationQuestion) Resolved() bool {
	return q.Status == QuestionAnswered
}

var numericFieldWords = map[string]bool{
	"postal": true, "postcode": true, "postnummer": true, "zip": true,
	"phone": true, "mobile": true, "mobil": true, "telefon": true,
	"salary": true, "lønn": true, "lonn": true,
	"age": true, "year": true, "years": true,
}

// Numeric reports whether the question expects a number. Its prompt says so,
// and only such a question may be answered by a bare number in chat.
func (q *RegistrationQuestion) Numeric() bool {
	if len(q.Options) > 0 {
		return false
	}
	words := strings.FieldsFunc(strings.ToLower(q.FieldName), func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	for _, w := range words {
		if numericFieldWords[w] {
			return true
		}
	}
	return false
}

type VerificationRequest struct {
	ID         string              `json:"id"`
	UserID     string              `json:"user_id"`
	ChatID     int64               `json:"chat_id"`
	Channel    VerificationChannel `json:"channel"`
	Identifier string              `json:"identifier,omitempty"`
	TargetKind TargetKind          `json:"target_kind"`
	TargetID   string              `json:"target_id"`
	TaskID     string              `json:"task_id,omitempty"`
	Status     VerificationStatus  `json:"status"`
	Code       *string             `json:"code,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	ReceivedAt *time.Time          `json:"received_at,omitempty"`
}

// Expired reports whether the window has elapsed at now.
func (v *VerificationRequest) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

type EventType string

const (
	EventScan         EventType = "SCAN"
	EventAnalysis     EventType = "ANALYSIS"
	EventGeneration   EventType = "GENERATION"
	EventSend         EventType = "SEND"
	EventRegistration EventType = "REGISTRATION"
	EventVerification EventType = "VERIFICATION"
)

type LogStatus string

const (
	LogSuccess LogStatus = "SUCCESS"
	LogFailed  LogStatus = "FAILED"
	LogInfo    LogStatus = "INFO"
)

// SystemLogEntry is an append-only audit record.
type SystemLogEntry struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	EventType     EventType      `json:"event_type"`
	Status        LogStatus      `json:"status"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	ApplicationID string         `json:"application_id,omitempty"`
	CostUSD       float64        `json:"cost_usd"`
	TokensIn      int            `json:"tokens_in"`
	TokensOut     int            `json:"tokens_out"`
	Source        string         `json:"source"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Posting is a raw listing as delivered by a feed source, before dedup.
type Posting struct {
	Source           string `json:"source" yaml:"source"`
	URL              string `json:"url" yaml:"url"`
	Title            string `json:"title" yaml:"title"`
	Company          string `json:"company" yaml:"company"`
	Location         string `json:"location" yaml:"location"`
	Description      string `json:"description" yaml:"description"`
	PostedDate       string `json:"posted_date" yaml:"posted_date"`
	ExternalApplyURL string `json:"external_apply_url" yaml:"external_apply_url"`
}
