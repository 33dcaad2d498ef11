package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-soknad-automation/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	db *pgxpool.Pool
}

func ConnectDB(ctx context.Context, connString string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour

	// Supabase's pooler (PgBouncer in transaction mode) cannot keep prepared
	// statements, so every query goes out on the simple protocol.
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	return &Repository{db: pool}, nil
}

func (r *Repository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func wrapNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// ---------------- USER OPERATIONS ----------------

// GetOrCreateUser retrieves a user by their Telegram ID, or creates one if they don't exist
func (r *Repository) GetOrCreateUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	var user models.User
	query := `
		INSERT INTO users (telegram_id, username)
		VALUES ($1, $2)
		ON CONFLICT (telegram_id) DO UPDATE SET updated_at = users.updated_at
		RETURNING id::text, telegram_id, username, created_at, updated_at`
	err := r.db.QueryRow(ctx, query, telegramID, username).
		Scan(&user.ID, &user.TelegramID, &user.Username, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}
	return &user, nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.QueryRow(ctx, `SELECT id::text, telegram_id, username, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.TelegramID, &user.Username, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, wrapNoRows(err, "get user")
	}
	return &user, nil
}

func (r *Repository) GetActiveProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var (
		p                   models.Profile
		structured, answers []byte
	)
	query := `
		SELECT id::text, user_id::text, structured, answers
		FROM cv_profiles
		WHERE user_id = $1 AND is_active
		ORDER BY created_at DESC
		LIMIT 1`
	if err := r.db.QueryRow(ctx, query, userID).Scan(&p.ID, &p.UserID, &structured, &answers); err != nil {
		return nil, wrapNoRows(err, "get active profile")
	}
	if err := json.Unmarshal(structured, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", p.ID, err)
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &p.Answers); err != nil {
			return nil, fmt.Errorf("decode profile answers %s: %w", p.ID, err)
		}
	}
	p.IsActive = true
	return &p, nil
}

func (r *Repository) SaveProfileAnswers(ctx context.Context, profileID string, answers map[string]string) error {
	doc, err := jsonText(answers)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `UPDATE cv_profiles SET answers = $1::jsonb WHERE id = $2`, doc, profileID); err != nil {
		return fmt.Errorf("failed to save profile answers: %w", err)
	}
	return nil
}

// ---------------- JOB OPERATIONS ----------------

const jobColumns = `id::text, user_id::text, source, dedup_key, url, title, company, location, description,
	status, external_apply_url, application_form_type, analysis, created_at, updated_at`

func scanJob(row scanner) (*models.Job, error) {
	var (
		j        models.Job
		analysis []byte
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Source, &j.DedupKey, &j.URL, &j.Title, &j.Company, &j.Location,
		&j.Description, &j.Status, &j.ExternalApplyURL, &j.FormType, &analysis, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(analysis) > 0 {
		j.Analysis = &models.Analysis{}
		if err := json.Unmarshal(analysis, j.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis for job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func analysisArgs(a *models.Analysis) (any, any, error) {
	if a == nil {
		return nil, nil, nil
	}
	doc, err := jsonText(a)
	if err != nil {
		return nil, nil, err
	}
	return doc, a.Score, nil
}

// SaveJob inserts a job unless the owner already has one with the same dedup key.
func (r *Repository) SaveJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	newID(&job.ID)
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = models.JobNew
	}
	if job.FormType == "" {
		job.FormType = models.FormUnknown
	}
	analysis, score, err := analysisArgs(job.Analysis)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO jobs (id, user_id, source, dedup_key, url, title, company, location, description,
			status, external_apply_url, application_form_type, analysis, relevance_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16)
		ON CONFLICT (user_id, dedup_key) DO NOTHING
		RETURNING ` + jobColumns
	saved, err := scanJob(r.db.QueryRow(ctx, query, job.ID, job.UserID, job.Source, job.DedupKey, job.URL,
		job.Title, job.Company, job.Location, job.Description, job.Status, job.ExternalApplyURL, job.FormType,
		analysis, score, job.CreatedAt, job.UpdatedAt))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to save job: %w", err)
	}

	existing, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND dedup_key = $2`, job.UserID, job.DedupKey))
	if err != nil {
		return nil, false, wrapNoRows(err, "load duplicate job")
	}
	return existing, false, nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "get job "+id)
	}
	return job, nil
}

func (r *Repository) UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	var job *models.Job
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapNoRows(err, "lock job "+id)
		}
		if err := fn(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		analysis, score, err := analysisArgs(job.Analysis)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET title = $2, company = $3, location = $4, description = $5, status = $6,
				external_apply_url = $7, application_form_type = $8, analysis = $9::jsonb,
				relevance_score = $10, updated_at = $11
			WHERE id = $1`,
			job.ID, job.Title, job.Company, job.Location, job.Description, job.Status,
			job.ExternalApplyURL, job.FormType, analysis, score, job.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Repository) ListJobsSince(ctx context.Context, userID string, since time.Time) ([]models.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collect(rows, scanJob)
}

// ---------------- APPLICATION OPERATIONS ----------------

const applicationColumns = `id::text, user_id::text, job_id::text, status, cover_letter_no, cover_letter_translation,
	metadata, failure_reason, created_at, approved_at, sent_at, updated_at`

func scanApplication(row scanner) (*models.Application, error) {
	var (
		a    models.Application
		meta []byte
	)
	err := row.Scan(&a.ID, &a.UserID, &a.JobID, &a.Status, &a.CoverLetter, &a.CoverLetterTranslation,
		&meta, &a.FailureReason, &a.CreatedAt, &a.ApprovedAt, &a.SentAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for application %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (r *Repository) CreateApplication(ctx context.Context, app *models.Application) error {
	newID(&app.ID)
	now := time.Now().UTC()
	app.CreatedAt, app.UpdatedAt = now, now
	meta, err := jsonText(app.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO applications (id, user_id, job_id, status, cover_letter_no, cover_letter_translation,
			metadata, failure_reason, created_at, approved_at, sent_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12)`,
		app.ID, app.UserID, app.JobID, app.Status, app.CoverLetter, app.CoverLetterTranslation,
		meta, app.FailureReason, app.CreatedAt, app.ApprovedAt, app.SentAt, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return nil
}

func (r *Repository) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	app, err := scanApplication(r.db.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "get application "+id)
	}
	return app, nil
}

func (r *Repository) LatestApplicationForJob(ctx context.Context, jobID string) (*models.Application, error) {
	app, err := scanApplication(r.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1`, jobID))
	if err != nil {
		return nil, wrapNoRows(err, "latest application for job "+jobID)
	}
	return app, nil
}

func (r *Repository) FindApplicationByTask(ctx context.Context, taskID string) (*models.Application, error) {
	app, err := scanApplication(r.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE metadata->>'task_id' = $1 ORDER BY created_at DESC LIMIT 1`, taskID))
	if err != nil {
		return nil, wrapNoRows(err, "application for task "+taskID)
	}
	return app, nil
}

func (r *Repository) ListApplicationsByStatus(ctx context.Context, status models.ApplicationStatus) ([]models.Application, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE status = $1 ORDER BY updated_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return collect(rows, scanApplication)
}

func (r *Repository) ListApplicationsByFlow(ctx context.Context, flowID string) ([]models.Application, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE metadata->>'registration_flow_id' = $1 ORDER BY created_at`, flowID)
	if err != nil {
		return nil, fmt.Errorf("list applications for flow: %w", err)
	}
	return collect(rows, scanApplication)
}

func (r *Repository) ListApplicationsSince(ctx context.Context, userID string, since time.Time) ([]models.Application, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE user_id = $1 AND updated_at >= $2 ORDER BY updated_at`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return collect(rows, scanApplication)
}

func (r *Repository) UpdateApplication(ctx context.Context, id string, fn func(*models.Application) error) (*models.Application, error) {
	var app *models.Application
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		app, err = scanApplication(tx.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapNoRows(err, "lock application "+id)
		}
		if err := fn(app); err != nil {
			return err
		}
		app.UpdatedAt = time.Now().UTC()
		meta, err := jsonText(app.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE applications SET status = $2, cover_letter_no = $3, cover_letter_translation = $4,
				metadata = $5::jsonb, failure_reason = $6, approved_at = $7, sent_at = $8, updated_at = $9
			WHERE id = $1`,
			app.ID, app.Status, app.CoverLetter, app.CoverLetterTranslation, meta, app.FailureReason,
			app.ApprovedAt, app.SentAt, app.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// ---------------- CREDENTIAL OPERATIONS ----------------

func (r *Repository) GetCredential(ctx context.Context, userID, domain string) (*models.SiteCredential, error) {
	var c models.SiteCredential
	err := r.db.QueryRow(ctx, `
		SELECT id::text, user_id::text, domain, site_name, username, secret, agent_credential_id, created_at
		FROM site_credentials WHERE user_id = $1 AND domain = $2`, userID, domain).
		Scan(&c.ID, &c.UserID, &c.Domain, &c.SiteName, &c.Username, &c.Secret, &c.AgentCredentialID, &c.CreatedAt)
	if err != nil {
		return nil, wrapNoRows(err, "get credential for "+domain)
	}
	return &c, nil
}

func (r *Repository) SaveCredential(ctx context.Context, cred *models.SiteCredential) error {
	newID(&cred.ID)
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO site_credentials (id, user_id, domain, site_name, username, secret, agent_credential_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, domain)
		DO UPDATE SET site_name = EXCLUDED.site_name, username = EXCLUDED.username,
			secret = EXCLUDED.secret, agent_credential_id = EXCLUDED.agent_credential_id
		RETURNING id::text`,
		cred.ID, cred.UserID, cred.Domain, cred.SiteName, cred.Username, cred.Secret, cred.AgentCredentialID, cred.CreatedAt).
		Scan(&cred.ID)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// ---------------- REGISTRATION OPERATIONS ----------------

const flowColumns = `id::text, user_id::text, domain, site_name, registration_url,
	COALESCE(job_id::text, ''), COALESCE(application_id::text, ''), status, email, generated_password,
	task_id, task_status, verification_channel, error_message, expires_at, created_at, updated_at, completed_at`

func scanFlow(row scanner) (*models.RegistrationFlow, error) {
	var f models.RegistrationFlow
	err := row.Scan(&f.ID, &f.UserID, &f.Domain, &f.SiteName, &f.RegistrationURL, &f.JobID, &f.ApplicationID,
		&f.Status, &f.Email, &f.GeneratedPassword, &f.TaskID, &f.TaskStatus, &f.VerificationChannel, &f.ErrorMessage,
		&f.ExpiresAt, &f.CreatedAt, &f.UpdatedAt, &f.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Repository) CreateFlow(ctx context.Context, flow *models.RegistrationFlow) error {
	newID(&flow.ID)
	now := time.Now().UTC()
	flow.CreatedAt, flow.UpdatedAt = now, now
	_, err := r.db.Exec(ctx, `
		INSERT INTO registration_flows (id, user_id, domain, site_name, registration_url, job_id, application_id,
			status, email, generated_password, task_id, task_status, error_message, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		flow.ID, flow.UserID, flow.Domain, flow.SiteName, flow.RegistrationURL, nullable(flow.JobID),
		nullable(flow.ApplicationID), flow.Status, flow.Email, flow.GeneratedPassword, flow.TaskID,
		flow.TaskStatus, flow.ErrorMessage, flow.ExpiresAt, flow.CreatedAt, flow.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrActiveFlowExists
	}
	if err != nil {
		return fmt.Errorf("failed to create registration flow: %w", err)
	}
	return nil
}

func (r *Repository) GetFlow(ctx context.Context, id string) (*models.RegistrationFlow, error) {
	flow, err := scanFlow(r.db.QueryRow(ctx, `SELECT `+flowColumns+` FROM registration_flows WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "get registration flow "+id)
	}
	return flow, nil
}

func (r *Repository) ActiveFlow(ctx context.Context, userID, domain string) (*models.RegistrationFlow, error) {
	flow, err := scanFlow(r.db.QueryRow(ctx, `
		SELECT `+flowColumns+` FROM registration_flows
		WHERE user_id = $1 AND domain = $2 AND status IN ('pending', 'in_progress', 'verification_needed')`,
		userID, domain))
	if err != nil {
		return nil, wrapNoRows(err, "active registration flow for "+domain)
	}
	return flow, nil
}

func (r *Repository) FindFlowByTask(ctx context.Context, taskID string) (*models.RegistrationFlow, error) {
	flow, err := scanFlow(r.db.QueryRow(ctx,
		`SELECT `+flowColumns+` FROM registration_flows WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`, taskID))
	if err != nil {
		return nil, wrapNoRows(err, "registration flow for task "+taskID)
	}
	return flow, nil
}

func (r *Repository) ListActiveFlows(ctx context.Context) ([]models.RegistrationFlow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+flowColumns+` FROM registration_flows
		WHERE status IN ('pending', 'in_progress', 'verification_needed')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	return collect(rows, scanFlow)
}

func (r *Repository) UpdateFlow(ctx context.Context, id string, fn func(*models.RegistrationFlow) error) (*models.RegistrationFlow, error) {
	var flow *models.RegistrationFlow
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		flow, err = scanFlow(tx.QueryRow(ctx, `SELECT `+flowColumns+` FROM registration_flows WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapNoRows(err, "lock registration flow "+id)
		}
		if err := fn(flow); err != nil {
			return err
		}
		flow.UpdatedAt = time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE registration_flows SET status = $2, task_id = $3, task_status = $4, error_message = $5,
				application_id = $6, expires_at = $7, updated_at = $8, completed_at = $9, verification_channel = $10
			WHERE id = $1`,
			flow.ID, flow.Status, flow.TaskID, flow.TaskStatus, flow.ErrorMessage, nullable(flow.ApplicationID),
			flow.ExpiresAt, flow.UpdatedAt, flow.CompletedAt, flow.VerificationChannel)
		return err
	})
	if err != nil {
		return nil, err
	}
	return flow, nil
}

const questionColumns = `id::text, flow_id::text, field_name, question_text, options, answer, source, status,
	timeout_at, created_at, answered_at`

func scanQuestion(row scanner) (*models.RegistrationQuestion, error) {
	var (
		q       models.RegistrationQuestion
		options []byte
	)
	err := row.Scan(&q.ID, &q.FlowID, &q.FieldName, &q.QuestionText, &options, &q.Answer, &q.Source, &q.Status,
		&q.TimeoutAt, &q.CreatedAt, &q.AnsweredAt)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options for question %s: %w", q.ID, err)
		}
	}
	return &q, nil
}

func (r *Repository) CreateQuestion(ctx context.Context, q *models.RegistrationQuestion) error {
	newID(&q.ID)
	q.CreatedAt = time.Now().UTC()
	if q.Options == nil {
		q.Options = []string{}
	}
	options, err := jsonText(q.Options)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO registration_questions (id, flow_id, field_name, question_text, options, answer, source,
			status, timeout_at, created_at, answered_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11)`,
		q.ID, q.FlowID, q.FieldName, q.QuestionText, options, q.Answer, q.Source, q.Status,
		q.TimeoutAt, q.CreatedAt, q.AnsweredAt)
	if err != nil {
		return fmt.Errorf("failed to create registration question: %w", err)
	}
	return nil
}

func (r *Repository) GetQuestion(ctx context.Context, id string) (*models.RegistrationQuestion, error) {
	q, err := scanQuestion(r.db.QueryRow(ctx, `SELECT `+questionColumns+` FROM registration_questions WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "get question "+id)
	}
	return q, nil
}

func (r *Repository) ListQuestions(ctx context.Context, flowID string) ([]models.RegistrationQuestion, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+questionColumns+` FROM registration_questions WHERE flow_id = $1 ORDER BY created_at`, flowID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return collect(rows, scanQuestion)
}

func (r *Repository) ListPendingQuestions(ctx context.Context) ([]models.RegistrationQuestion, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+questionColumns+` FROM registration_questions WHERE status = 'pending' ORDER BY timeout_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending questions: %w", err)
	}
	return collect(rows, scanQuestion)
}

func (r *Repository) LatestPendingQuestion(ctx context.Context, userID string) (*models.RegistrationQuestion, error) {
	q, err := scanQuestion(r.db.QueryRow(ctx, `
		SELECT q.id::text, q.flow_id::text, q.field_name, q.question_text, q.options, q.answer, q.source,
			q.status, q.timeout_at, q.created_at, q.answered_at
		FROM registration_questions q
		JOIN registration_flows f ON f.id = q.flow_id
		WHERE f.user_id = $1 AND q.status = 'pending'
		ORDER BY q.created_at DESC
		LIMIT 1`, userID))
	if err != nil {
		return nil, wrapNoRows(err, "latest pending question")
	}
	return q, nil
}

func (r *Repository) UpdateQuestion(ctx context.Context, id string, fn func(*models.RegistrationQuestion) error) (*models.RegistrationQuestion, error) {
	var q *models.RegistrationQuestion
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		q, err = scanQuestion(tx.QueryRow(ctx, `SELECT `+questionColumns+` FROM registration_questions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapNoRows(err, "lock question "+id)
		}
		if err := fn(q); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE registration_questions SET answer = $2, source = $3, status = $4, answered_at = $5
			WHERE id = $1`, q.ID, q.Answer, q.Source, q.Status, q.AnsweredAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ---------------- VERIFICATION OPERATIONS ----------------

const verificationColumns = `id::text, user_id::text, chat_id, channel, identifier, target_kind, target_id, task_id,
	status, code, created_at, expires_at, received_at`

func scanVerification(row scanner) (*models.VerificationRequest, error) {
	var v models.VerificationRequest
	err := row.Scan(&v.ID, &v.UserID, &v.ChatID, &v.Channel, &v.Identifier, &v.TargetKind, &v.TargetID, &v.TaskID,
		&v.Status, &v.Code, &v.CreatedAt, &v.ExpiresAt, &v.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Repository) CreateVerification(ctx context.Context, v *models.VerificationRequest) error {
	newID(&v.ID)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_requests (id, user_id, chat_id, channel, identifier, target_kind, target_id,
			task_id, status, code, created_at, expires_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		v.ID, v.UserID, v.ChatID, v.Channel, v.Identifier, v.TargetKind, v.TargetID, v.TaskID,
		v.Status, v.Code, v.CreatedAt, v.ExpiresAt, v.ReceivedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("chat %d already has an active verification request: %w", v.ChatID, models.ErrStaleState)
	}
	if err != nil {
		return fmt.Errorf("failed to create verification request: %w", err)
	}
	return nil
}

func (r *Repository) GetVerification(ctx context.Context, id string) (*models.VerificationRequest, error) {
	v, err := scanVerification(r.db.QueryRow(ctx, `SELECT `+verificationColumns+` FROM verification_requests WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "get verification "+id)
	}
	return v, nil
}

func (r *Repository) ActiveVerificationForChat(ctx context.Context, chatID int64) (*models.VerificationRequest, error) {
	v, err := scanVerification(r.db.QueryRow(ctx, `
		SELECT `+verificationColumns+` FROM verification_requests
		WHERE chat_id = $1 AND status IN ('pending', 'code_requested')
		ORDER BY created_at DESC
		LIMIT 1`, chatID))
	if err != nil {
		return nil, wrapNoRows(err, "active verification for chat")
	}
	return v, nil
}

func (r *Repository) LatestVerification(ctx context.Context, taskID, identifier string) (*models.VerificationRequest, error) {
	if taskID != "" {
		v, err := scanVerification(r.db.QueryRow(ctx,
			`SELECT `+verificationColumns+` FROM verification_requests WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`, taskID))
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("verification for task %s: %w", taskID, err)
		}
	}
	if identifier == "" {
		return nil, fmt.Errorf("verification for task %s: %w", taskID, models.ErrNotFound)
	}
	v, err := scanVerification(r.db.QueryRow(ctx,
		`SELECT `+verificationColumns+` FROM verification_requests WHERE identifier = $1 ORDER BY created_at DESC LIMIT 1`, identifier))
	if err != nil {
		return nil, wrapNoRows(err, "verification for identifier")
	}
	return v, nil
}

func (r *Repository) ListActiveVerifications(ctx context.Context) ([]models.VerificationRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+verificationColumns+` FROM verification_requests
		WHERE status IN ('pending', 'code_requested')
		ORDER BY expires_at`)
	if err != nil {
		return nil, fmt.Errorf("list active verifications: %w", err)
	}
	return collect(rows, scanVerification)
}

func (r *Repository) UpdateVerification(ctx context.Context, id string, fn func(*models.VerificationRequest) error) (*models.VerificationRequest, error) {
	var v *models.VerificationRequest
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		v, err = scanVerification(tx.QueryRow(ctx, `SELECT `+verificationColumns+` FROM verification_requests WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapNoRows(err, "lock verification "+id)
		}
		if err := fn(v); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE verification_requests SET status = $2, code = $3, task_id = $4, received_at = $5, expires_at = $6
			WHERE id = $1`, v.ID, v.Status, v.Code, v.TaskID, v.ReceivedAt, v.ExpiresAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ---------------- SYSTEM LOG ----------------

func (r *Repository) AppendLog(ctx context.Context, e *models.SystemLogEntry) error {
	newID(&e.ID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details, err := jsonText(e.Details)
	if err != nil {
		return err
	}
	if e.Details == nil {
		details = "{}"
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO system_logs (id, user_id, event_type, status, message, details, job_id, application_id,
			cost_usd, tokens_in, tokens_out, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, nullable(e.UserID), e.EventType, e.Status, e.Message, details, nullable(e.JobID),
		nullable(e.ApplicationID), e.CostUSD, e.TokensIn, e.TokensOut, e.Source, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append system log: %w", err)
	}
	return nil
}

func (r *Repository) ListLogsSince(ctx context.Context, userID string, since time.Time) ([]models.SystemLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, COALESCE(user_id::text, ''), event_type, status, message, details,
			COALESCE(job_id::text, ''), COALESCE(application_id::text, ''), cost_usd::float8,
			tokens_in, tokens_out, source, created_at
		FROM system_logs
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list system logs: %w", err)
	}
	return collect(rows, func(row scanner) (*models.SystemLogEntry, error) {
		var (
			e       models.SystemLogEntry
			details []byte
		)
		err := row.Scan(&e.ID, &e.UserID, &e.EventType, &e.Status, &e.Message, &details, &e.JobID,
			&e.ApplicationID, &e.CostUSD, &e.TokensIn, &e.TokensOut, &e.Source, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		return &e, nil
	})
}

func collect[T any](rows pgx.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
