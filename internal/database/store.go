package database

import (
	"context"
	"time"

	"go-soknad-automation/internal/models"
)

// Store is the persistence contract shared by the pgx Repository and MemoryStore.
//
// Update* methods run fn against a row locked for the duration of the call and
// persist the result only when fn returns nil. Status checks belong in fn so
// the check and the write are atomic.
type Store interface {
	GetOrCreateUser(ctx context.Context, telegramID int64, username string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetActiveProfile(ctx context.Context, userID string) (*models.Profile, error)
	SaveProfileAnswers(ctx context.Context, profileID string, answers map[string]string) error

	// SaveJob inserts the job unless (user, dedup key) exists, in which case the
	// existing row is returned with created=false.
	SaveJob(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error)
	ListJobsSince(ctx context.Context, userID string, since time.Time) ([]models.Job, error)

	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	LatestApplicationForJob(ctx context.Context, jobID string) (*models.Application, error)
	FindApplicationByTask(ctx context.Context, taskID string) (*models.Application, error)
	ListApplicationsByStatus(ctx context.Context, status models.ApplicationStatus) ([]models.Application, error)
	ListApplicationsByFlow(ctx context.Context, flowID string) ([]models.Application, error)
	ListApplicationsSince(ctx context.Context, userID string, since time.Time) ([]models.Application, error)
	UpdateApplication(ctx context.Context, id string, fn func(*models.Application) error) (*models.Application, error)

	GetCredential(ctx context.Context, userID, domain string) (*models.SiteCredential, error)
	SaveCredential(ctx context.Context, cred *models.SiteCredential) error

	// CreateFlow returns models.ErrActiveFlowExists when an active flow already
	// holds (user, domain).
	CreateFlow(ctx context.Context, flow *models.RegistrationFlow) error
	GetFlow(ctx context.Context, id string) (*models.RegistrationFlow, error)
	ActiveFlow(ctx context.Context, userID, domain string) (*models.RegistrationFlow, error)
	FindFlowByTask(ctx context.Context, taskID string) (*models.RegistrationFlow, error)
	ListActiveFlows(ctx context.Context) ([]models.RegistrationFlow, error)
	UpdateFlow(ctx context.Context, id string, fn func(*models.RegistrationFlow) error) (*models.RegistrationFlow, error)

	CreateQuestion(ctx context.Context, q *models.RegistrationQuestion) error
	GetQuestion(ctx context.Context, id string) (*models.RegistrationQuestion, error)
	ListQuestions(ctx context.Context, flowID string) ([]models.RegistrationQuestion, error)
	ListPendingQuestions(ctx context.Context) ([]models.RegistrationQuestion, error)
	LatestPendingQuestion(ctx context.Context, userID string) (*models.RegistrationQuestion, error)
	UpdateQuestion(ctx context.Context, id string, fn func(*models.RegistrationQuestion) error) (*models.RegistrationQuestion, error)

	CreateVerification(ctx context.Context, v *models.VerificationRequest) error
	GetVerification(ctx context.Context, id string) (*models.VerificationRequest, error)
	ActiveVerificationForChat(ctx context.Context, chatID int64) (*models.VerificationRequest, error)
	// LatestVerification finds the newest request by task id, falling back to identifier.
	LatestVerification(ctx context.Context, taskID, identifier string) (*models.VerificationRequest, error)
	ListActiveVerifications(ctx context.Context) ([]models.VerificationRequest, error)
	UpdateVerification(ctx context.Context, id string, fn func(*models.VerificationRequest) error) (*models.VerificationRequest, error)

	AppendLog(ctx context.Context, entry *models.SystemLogEntry) error
	ListLogsSince(ctx context.Context, userID string, since time.Time) ([]models.SystemLogEntry, error)
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
