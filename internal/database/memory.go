package database

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go-soknad-automation/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and dry runs. A single
// mutex serializes all access, which gives Update* the same atomicity as
// SELECT ... FOR UPDATE in the Repository.
type MemoryStore struct {
	mu  sync.Mutex
	seq int64

	users         map[string]*models.User
	profiles      map[string]*models.Profile
	jobs          map[string]*models.Job
	applications  map[string]*models.Application
	credentials   map[string]*models.SiteCredential
	flows         map[string]*models.RegistrationFlow
	questions     map[string]*models.RegistrationQuestion
	verifications map[string]*models.VerificationRequest
	logs          []models.SystemLogEntry

	order map[string]int64
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*models.User),
		profiles:      make(map[string]*models.Profile),
		jobs:          make(map[string]*models.Job),
		applications:  make(map[string]*models.Application),
		credentials:   make(map[string]*models.SiteCredential),
		flows:         make(map[string]*models.RegistrationFlow),
		questions:     make(map[string]*models.RegistrationQuestion),
		verifications: make(map[string]*models.VerificationRequest),
		order:         make(map[string]int64),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the timestamp source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) track(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
	m.seq++
	m.order[*id] = m.seq
}

// newest sorts by insertion order, latest first.
func newest[T any](m *MemoryStore, items []*T, id func(*T) string) []*T {
	slices.SortFunc(items, func(a, b *T) int {
		return int(m.order[id(b)] - m.order[id(a)])
	})
	return items
}

func oldest[T any](m *MemoryStore, items []*T, id func(*T) string) []*T {
	slices.SortFunc(items, func(a, b *T) int {
		return int(m.order[id(a)] - m.order[id(b)])
	})
	return items
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, models.ErrNotFound)
}

// ---------------- USERS / PROFILES ----------------

func (m *MemoryStore) GetOrCreateUser(_ context.Context, telegramID int64, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TelegramID == telegramID {
			cp := *u
			return &cp, nil
		}
	}
	u := &models.User{TelegramID: telegramID, Username: username, CreatedAt: m.now(), UpdatedAt: m.now()}
	m.track(&u.ID)
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, notFound("get user")
	}
	cp := *u
	return &cp, nil
}

// PutProfile stores p as the user's active profile.
func (m *MemoryStore) PutProfile(p *models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(&p.ID)
	p.IsActive = true
	m.profiles[p.ID] = cloneProfile(p)
}

func (m *MemoryStore) GetActiveProfile(_ context.Context, userID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*models.Profile
	for _, p := range m.profiles {
		if p.UserID == userID && p.IsActive {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, notFound("get active profile")
	}
	return cloneProfile(newest(m, candidates, func(p *models.Profile) string { return p.ID })[0]), nil
}

func (m *MemoryStore) SaveProfileAnswers(_ context.Context, profileID string, answers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[profileID]
	if !ok {
		return notFound("save profile answers")
	}
	p.Answers = maps.Clone(answers)
	return nil
}

func cloneProfile(p *models.Profile) *models.Profile {
	cp := *p
	cp.Answers = maps.Clone(p.Answers)
	return &cp
}

// ---------------- JOBS ----------------

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	if j.Description != nil {
		d := *j.Description
		cp.Description = &d
	}
	if j.ExternalApplyURL != nil {
		u := *j.ExternalApplyURL
		cp.ExternalApplyURL = &u
	}
	if j.Analysis != nil {
		a := *j.Analysis
		cp.Analysis = &a
	}
	return &cp
}

func (m *MemoryStore) SaveJob(_ context.Context, job *models.Job) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.UserID == job.UserID && j.DedupKey == job.DedupKey {
			return cloneJob(j), false, nil
		}
	}
	m.track(&job.ID)
	job.CreatedAt, job.UpdatedAt = m.now(), m.now()
	if job.Status == "" {
		job.Status = models.JobNew
	}
	if job.FormType == "" {
		job.FormType = models.FormUnknown
	}
	m.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), true, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, notFound("get job " + id)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, notFound("lock job " + id)
	}
	work := cloneJob(j)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = m.now()
	m.jobs[id] = cloneJob(work)
	return work, nil
}

func (m *MemoryStore) ListJobsSince(_ context.Context, userID string, since time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID && !j.CreatedAt.Before(since) {
			out = append(out, j)
		}
	}
	return values(oldest(m, out, func(j *models.Job) string { return j.ID }), cloneJob), nil
}

// ---------------- APPLICATIONS ----------------

func cloneApplication(a *models.Application) *models.Application {
	cp := *a
	if a.ApprovedAt != nil {
		t := *a.ApprovedAt
		cp.ApprovedAt = &t
	}
	if a.SentAt != nil {
		t := *a.SentAt
		cp.SentAt = &t
	}
	return &cp
}

func (m *MemoryStore) CreateApplication(_ context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(&app.ID)
	app.CreatedAt, app.UpdatedAt = m.now(), m.now()
	m.applications[app.ID] = cloneApplication(app)
	return nil
}

func (m *MemoryStore) GetApplication(_ context.Context, id string) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[id]
	if !ok {
		return nil, notFound("get application " + id)
	}
	return cloneApplication(a), nil
}

func (m *MemoryStore) findApplications(match func(*models.Application) bool) []*models.Application {
	var out []*models.Application
	for _, a := range m.applications {
		if match(a) {
			out = append(out, a)
		}
	}
	return out
}

func appID(a *models.Application) string { return a.ID }

func (m *MemoryStore) LatestApplicationForJob(_ context.Context, jobID string) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.findApplications(func(a *models.Application) bool { return a.JobID == jobID })
	if len(found) == 0 {
		return nil, notFound("latest application for job " + jobID)
	}
	return cloneApplication(newest(m, found, appID)[0]), nil
}

func (m *MemoryStore) FindApplicationByTask(_ context.Context, taskID string) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.findApplications(func(a *models.Application) bool { return taskID != "" && a.Metadata.TaskID == taskID })
	if len(found) == 0 {
		return nil, notFound("application for task " + taskID)
	}
	return cloneApplication(newest(m, found, appID)[0]), nil
}

func (m *MemoryStore) ListApplicationsByStatus(_ context.Context, status models.ApplicationStatus) ([]models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.findApplications(func(a *models.Application) bool { return a.Status == status })
	return values(oldest(m, found, appID), cloneApplication), nil
}

func (m *MemoryStore) ListApplicationsByFlow(_ context.Context, flowID string) ([]models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.findApplications(func(a *models.Application) bool { return a.Metadata.RegistrationFlowID == flowID })
	return values(oldest(m, found, appID), cloneApplication), nil
}

func (m *MemoryStore) ListApplicationsSince(_ context.Context, userID string, since time.Time) ([]models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.findApplications(func(a *models.Application) bool {
		return a.UserID == userID && !a.UpdatedAt.Before(since)
	})
	return values(oldest(m, found, appID), cloneApplication), nil
}

func (m *MemoryStore) UpdateApplication(_ context.Context, id string, fn func(*models.Application) error) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[id]
	if !ok {
		return nil, notFound("lock application " + id)
	}
	work := cloneApplication(a)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = m.now()
	m.applications[id] = cloneApplication(work)
	return work, nil
}

// ---------------- CREDENTIALS ----------------

func (m *MemoryStore) GetCredential(_ context.Context, userID, domain string) (*models.SiteCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[userID+"|"+domain]
	if !ok {
		return nil, notFound("get credential for " + domain)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SaveCredential(_ context.Context, cred *models.SiteCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cred.UserID + "|" + cred.Domain
	if existing, ok := m.credentials[key]; ok {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	} else {
		m.track(&cred.ID)
		cred.CreatedAt = m.now()
	}
	cp := *cred
	m.credentials[key] = &cp
	return nil
}

// CredentialCount reports how many credentials are stored.
func (m *MemoryStore) CredentialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.credentials)
}

// ---------------- REGISTRATION ----------------

func cloneFlow(f *models.RegistrationFlow) *models.RegistrationFlow {
	cp := *f
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func flowID(f *models.RegistrationFlow) string { return f.ID }

func (m *MemoryStore) CreateFlow(_ context.Context, flow *models.RegistrationFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.flows {
		if f.UserID == flow.UserID && f.Domain == flow.Domain && f.Status.Active() {
			return models.ErrActiveFlowExists
		}
	}
	m.track(&flow.ID)
	flow.CreatedAt, flow.UpdatedAt = m.now(), m.now()
	m.flows[flow.ID] = cloneFlow(flow)
	return nil
}

func (m *MemoryStore) GetFlow(_ context.Context, id string) (*models.RegistrationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, notFound("get registration flow " + id)
	}
	return cloneFlow(f), nil
}

func (m *MemoryStore) ActiveFlow(_ context.Context, userID, domain string) (*models.RegistrationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.flows {
		if f.UserID == userID && f.Domain == domain && f.Status.Active() {
			return cloneFlow(f), nil
		}
	}
	return nil, notFound("active registration flow for " + domain)
}

func (m *MemoryStore) FindFlowByTask(_ context.Context, taskID string) (*models.RegistrationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.RegistrationFlow
	for _, f := range m.flows {
		if taskID != "" && f.TaskID == taskID {
			found = append(found, f)
		}
	}
	if len(found) == 0 {
		return nil, notFound("registration flow for task " + taskID)
	}
	return cloneFlow(newest(m, found, flowID)[0]), nil
}

func (m *MemoryStore) ListActiveFlows(_ context.Context) ([]models.RegistrationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.RegistrationFlow
	for _, f := range m.flows {
		if f.Status.Active() {
			found = append(found, f)
		}
	}
	return values(oldest(m, found, flowID), cloneFlow), nil
}

// ActiveFlowCount reports active flows for (user, domain).
func (m *MemoryStore) ActiveFlowCount(userID, domain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.flows {
		if f.UserID == userID && f.Domain == domain && f.Status.Active() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) UpdateFlow(_ context.Context, id string, fn func(*models.RegistrationFlow) error) (*models.RegistrationFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, notFound("lock registration flow " + id)
	}
	work := cloneFlow(f)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = m.now()
	m.flows[id] = cloneFlow(work)
	return work, nil
}

func cloneQuestion(q *models.RegistrationQuestion) *models.RegistrationQuestion {
	cp := *q
	cp.Options = slices.Clone(q.Options)
	if q.AnsweredAt != nil {
		t := *q.AnsweredAt
		cp.AnsweredAt = &t
	}
	return &cp
}

func questionID(q *models.RegistrationQuestion) string { return q.ID }

func (m *MemoryStore) CreateQuestion(_ context.Context, q *models.RegistrationQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(&q.ID)
	q.CreatedAt = m.now()
	m.questions[q.ID] = cloneQuestion(q)
	return nil
}

func (m *MemoryStore) GetQuestion(_ context.Context, id string) (*models.RegistrationQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, notFound("get question " + id)
	}
	return cloneQuestion(q), nil
}

func (m *MemoryStore) ListQuestions(_ context.Context, flowID string) ([]models.RegistrationQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.RegistrationQuestion
	for _, q := range m.questions {
		if q.FlowID == flowID {
			found = append(found, q)
		}
	}
	return values(oldest(m, found, questionID), cloneQuestion), nil
}

func (m *MemoryStore) ListPendingQuestions(_ context.Context) ([]models.RegistrationQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.RegistrationQuestion
	for _, q := range m.questions {
		if q.Status == models.QuestionPending {
			found = append(found, q)
		}
	}
	return values(oldest(m, found, questionID), cloneQuestion), nil
}

func (m *MemoryStore) LatestPendingQuestion(_ context.Context, userID string) (*models.RegistrationQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.RegistrationQuestion
	for _, q := range m.questions {
		f, ok := m.flows[q.FlowID]
		if ok && f.UserID == userID && q.Status == models.QuestionPending {
			found = append(found, q)
		}
	}
	if len(found) == 0 {
		return nil, notFound("latest pending question")
	}
	return cloneQuestion(newest(m, found, questionID)[0]), nil
}

func (m *MemoryStore) UpdateQuestion(_ context.Context, id string, fn func(*models.RegistrationQuestion) error) (*models.RegistrationQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, notFound("lock question " + id)
	}
	work := cloneQuestion(q)
	if err := fn(work); err != nil {
		return nil, err
	}
	m.questions[id] = cloneQuestion(work)
	return work, nil
}

// ---------------- VERIFICATION ----------------

func cloneVerification(v *models.VerificationRequest) *models.VerificationRequest {
	cp := *v
	if v.Code != nil {
		c := *v.Code
		cp.Code = &c
	}
	if v.ReceivedAt != nil {
		t := *v.ReceivedAt
		cp.ReceivedAt = &t
	}
	return &cp
}

func verificationID(v *models.VerificationRequest) string { return v.ID }

func (m *MemoryStore) CreateVerification(_ context.Context, v *models.VerificationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.verifications {
		if existing.ChatID == v.ChatID && existing.Status.Active() {
			return fmt.Errorf("chat %d already has an active verification request: %w", v.ChatID, models.ErrStaleState)
		}
	}
	m.track(&v.ID)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	m.verifications[v.ID] = cloneVerification(v)
	return nil
}

func (m *MemoryStore) GetVerification(_ context.Context, id string) (*models.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok {
		return nil, notFound("get verification " + id)
	}
	return cloneVerification(v), nil
}

func (m *MemoryStore) ActiveVerificationForChat(_ context.Context, chatID int64) (*models.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.VerificationRequest
	for _, v := range m.verifications {
		if v.ChatID == chatID && v.Status.Active() {
			found = append(found, v)
		}
	}
	if len(found) == 0 {
		return nil, notFound("active verification for chat")
	}
	return cloneVerification(newest(m, found, verificationID)[0]), nil
}

func (m *MemoryStore) LatestVerification(_ context.Context, taskID, identifier string) (*models.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pick := func(match func(*models.VerificationRequest) bool) *models.VerificationRequest {
		var found []*models.VerificationRequest
		for _, v := range m.verifications {
			if match(v) {
				found = append(found, v)
			}
		}
		if len(found) == 0 {
			return nil
		}
		return newest(m, found, verificationID)[0]
	}
	if taskID != "" {
		if v := pick(func(v *models.VerificationRequest) bool { return v.TaskID == taskID }); v != nil {
			return cloneVerification(v), nil
		}
	}
	if identifier != "" {
		if v := pick(func(v *models.VerificationRequest) bool { return v.Identifier == identifier }); v != nil {
			return cloneVerification(v), nil
		}
	}
	return nil, notFound("verification for task " + taskID)
}

func (m *MemoryStore) ListActiveVerifications(_ context.Context) ([]models.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.VerificationRequest
	for _, v := range m.verifications {
		if v.Status.Active() {
			found = append(found, v)
		}
	}
	return values(oldest(m, found, verificationID), cloneVerification), nil
}

func (m *MemoryStore) UpdateVerification(_ context.Context, id string, fn func(*models.VerificationRequest) error) (*models.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok {
		return nil, notFound("lock verification " + id)
	}
	work := cloneVerification(v)
	if err := fn(work); err != nil {
		return nil, err
	}
	m.verifications[id] = cloneVerification(work)
	return work, nil
}

// ---------------- SYSTEM LOG ----------------

func (m *MemoryStore) AppendLog(_ context.Context, e *models.SystemLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track(&e.ID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.logs = append(m.logs, *e)
	return nil
}

func (m *MemoryStore) ListLogsSince(_ context.Context, userID string, since time.Time) ([]models.SystemLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SystemLogEntry
	for _, e := range m.logs {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Logs returns every appended entry.
func (m *MemoryStore) Logs() []models.SystemLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs)
}

func values[T any](items []*T, clone func(*T) *T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		out = append(out, *clone(item))
	}
	return out
}
