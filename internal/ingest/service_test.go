package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go-soknad-automation/internal/ai"
	"go-soknad-automation/internal/browser"
	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/dedup"
	"go-soknad-automation/internal/filter"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu    sync.Mutex
	err   error
	calls int
	delay time.Duration

	inflight int
	peak     int
}

func (g *fakeGateway) Analyze(_ context.Context, req ai.AnalysisRequest) (*ai.AnalysisResult, error) {
	g.mu.Lock()
	g.calls++
	g.inflight++
	g.peak = max(g.peak, g.inflight)
	delay := g.delay
	g.mu.Unlock()

	time.Sleep(delay)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	if g.err != nil {
		return nil, g.err
	}
	return &ai.AnalysisResult{
		Analysis: models.Analysis{Score: 82, Text: "Strong Go match for " + req.Title},
		Usage:    ai.Usage{TokensIn: 900, TokensOut: 300, CostUSD: 0.00525},
	}, nil
}

func (g *fakeGateway) GenerateLetter(context.Context, ai.LetterRequest) (*ai.LetterResult, error) {
	return nil, errors.New("not used")
}

type fixture struct {
	store   *database.MemoryStore
	gateway *fakeGateway
	notes   *notify.Recorder
	svc     *Service
	user    *models.User
}

func newFixture(t *testing.T, inspector PageInspector) *fixture {
	t.Helper()
	f := &fixture{
		store:   database.NewMemoryStore(),
		gateway: &fakeGateway{},
		notes:   &notify.Recorder{},
	}
	svc, err := NewService(f.store, f.gateway, filter.NewMatcher(config.FilterConfig{}),
		dedup.NewSeenCache("", logger.Nop()), NewDetector(inspector), f.notes, Options{MaxConcurrent: 2}, logger.Nop())
	require.NoError(t, err)
	f.svc = svc

	f.user, err = f.store.GetOrCreateUser(context.Background(), 77, "ola")
	require.NoError(t, err)
	f.store.PutProfile(&models.Profile{ID: "p1", UserID: f.user.ID, PersonalInfo: models.PersonalInformation{FullName: "Ola Nordmann"}})
	return f
}

func postings() []models.Posting {
	desc := "Vi søker en Go-utvikler med erfaring fra backend og PostgreSQL."
	return []models.Posting{
		{URL: "https://www.finn.no/job/fulltime/ad.html?finnkode=412345678", Title: "Backend-utvikler", Company: "Acme AS", Description: desc},
		{URL: "https://www.finn.no/job/412345678?utm_source=mail", Title: "Backend-utvikler", Company: "Acme AS", Description: desc},
		{URL: "https://karriere.acme.no/stilling/7", Title: "Senior utvikler", Company: "Acme AS", Description: desc},
		{URL: "https://karriere.beta.no/jobb/1/", Title: "Junior developer", Company: "Beta AS", Description: "Golang developer, Docker."},
		{URL: "https://karriere.gamma.no/jobb/2", Title: "Kokk", Company: "Gamma AS", Description: "Kjøkken"},
	}
}

func TestIngest_DedupAndFilter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rep, err := f.svc.Ingest(ctx, f.user.ID, postings())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Received)
	assert.Len(t, rep.Created, 2)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 2, rep.Filtered)

	keys := []string{rep.Created[0].DedupKey, rep.Created[1].DedupKey}
	assert.Contains(t, keys, "finn:412345678")
	assert.Contains(t, keys, "https://karriere.beta.no/jobb/1")

	again, err := f.svc.Ingest(ctx, f.user.ID, postings())
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Equal(t, 3, again.Seen)

	jobs, err := f.store.ListJobsSince(ctx, f.user.ID, rep.Created[0].CreatedAt.Add(-1))
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	logs := f.store.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, models.EventScan, logs[0].EventType)
	assert.Equal(t, "ingest", logs[0].Source)
}

func TestSaveJob_DuplicateReturnsExisting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.SaveJob(ctx, f.user.ID, models.Posting{URL: "https://karriere.acme.no/stilling/7?utm_campaign=x"})
	require.NoError(t, err)
	assert.Equal(t, "karriere.acme.no", first.Source)

	second, err := f.svc.SaveJob(ctx, f.user.ID, models.Posting{URL: "https://www.karriere.acme.no/stilling/7/"})
	require.ErrorIs(t, err, models.ErrDuplicateJob)
	assert.Equal(t, first.ID, second.ID)

	other, err := f.store.GetOrCreateUser(ctx, 88, "kari")
	require.NoError(t, err)
	_, err = f.svc.SaveJob(ctx, other.ID, models.Posting{URL: "https://karriere.acme.no/stilling/7"})
	assert.NoError(t, err, "dedup is per owner")
}

func TestProcess_AnalyzesAndAnnounces(t *testing.T) {
	f := newFixture(t, &fakeInspector{res: &browser.Inspection{EasyApply: true}})
	ctx := context.Background()

	rep, err := f.svc.Ingest(ctx, f.user.ID, postings())
	require.NoError(t, err)

	n := f.svc.Process(ctx, rep.Created)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.gateway.calls)

	for _, c := range rep.Created {
		job, err := f.store.GetJob(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobAnalyzed, job.Status)
		require.NotNil(t, job.Analysis)
		assert.Equal(t, 82, job.Analysis.Score)
		if strings.Contains(job.URL, "finn.no") {
			assert.Equal(t, models.FormFinnEasy, job.FormType)
		} else {
			assert.Equal(t, models.FormExternal, job.FormType)
		}
	}

	assert.Equal(t, 2, f.notes.Len())
	msg, _ := f.notes.Last()
	assert.Equal(t, int64(77), msg.ChatID)
	require.Len(t, msg.Buttons, 1)
	assert.True(t, strings.HasPrefix(msg.Buttons[0][0].Data, "write:"))
	assert.True(t, strings.HasPrefix(msg.Buttons[0][1].Data, "reject:"))

	var analysisCost float64
	for _, l := range f.store.Logs() {
		if l.EventType == models.EventAnalysis && l.Status == models.LogSuccess {
			analysisCost += l.CostUSD
		}
	}
	assert.InDelta(t, 0.0105, analysisCost, 1e-9)
}

func TestProcess_BoundedByAnalysisSlots(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.delay = 20 * time.Millisecond
	ctx := context.Background()

	var jobs []models.Job
	for i := 0; i < 6; i++ {
		job, err := f.svc.SaveJob(ctx, f.user.ID, models.Posting{
			URL:         fmt.Sprintf("https://karriere.acme.no/stilling/%d", i),
			Title:       "Backend-utvikler",
			Description: "Vi søker en Go-utvikler med erfaring fra backend og PostgreSQL.",
		})
		require.NoError(t, err)
		jobs = append(jobs, *job)
	}

	assert.Equal(t, 6, f.svc.Process(ctx, jobs))
	assert.Equal(t, 6, f.gateway.calls)
	assert.LessOrEqual(t, f.gateway.peak, 2)
	assert.Equal(t, 6, f.notes.Len())
}

func TestProcess_CancelledContextDoesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	job, err := f.svc.SaveJob(ctx, f.user.ID, models.Posting{URL: "https://karriere.acme.no/stilling/1", Title: "Utvikler"})
	require.NoError(t, err)
	cancel()

	assert.Zero(t, f.svc.Process(ctx, []models.Job{*job}))
	assert.Zero(t, f.gateway.calls)
	assert.Zero(t, f.notes.Len())
}

func TestAnalyze_FailureKeepsJobNew(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.gateway.err = errors.New("malformed analysis JSON")

	job, err := f.svc.SaveJob(ctx, f.user.ID, postings()[3])
	require.NoError(t, err)

	_, err = f.svc.Analyze(ctx, job.ID)
	require.Error(t, err)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobNew, got.Status)
	assert.Nil(t, got.Analysis)

	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogFailed, logs[0].Status)
	assert.Equal(t, job.ID, logs[0].JobID)
}

func TestAnalyze_DoesNotDemoteLaterStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.svc.SaveJob(ctx, f.user.ID, postings()[3])
	require.NoError(t, err)
	_, err = f.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobApplied
		return nil
	})
	require.NoError(t, err)

	got, err := f.svc.Analyze(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobApplied, got.Status)
	assert.NotNil(t, got.Analysis)
}

func TestDetectForm_FailureIsUnknown(t *testing.T) {
	f := newFixture(t, &fakeInspector{err: errors.New("navigation timeout")})
	ctx := context.Background()

	job, err := f.svc.SaveJob(ctx, f.user.ID, postings()[0])
	require.NoError(t, err)

	got, err := f.svc.DetectForm(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, models.FormUnknown, got.FormType)
}

func TestSubmitURL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.svc.SubmitURL(ctx, f.user.ID, "https://jobs.lever.co/acme/abc")
	require.NoError(t, err)
	assert.Equal(t, "manual", job.Source)
	assert.Equal(t, models.FormExternalRegistration, job.FormType)
	assert.Equal(t, models.JobNew, job.Status, "no description yet, so no analysis")
	assert.Zero(t, f.gateway.calls)

	msg, ok := f.notes.Last()
	require.True(t, ok)
	require.Len(t, msg.Buttons[0], 3)
	assert.Equal(t, "analyze:"+job.ID, msg.Buttons[0][2].Data)

	again, err := f.svc.SubmitURL(ctx, f.user.ID, "https://jobs.lever.co/acme/abc/")
	require.ErrorIs(t, err, models.ErrDuplicateJob)
	assert.Equal(t, job.ID, again.ID)
	msg, _ = f.notes.Last()
	assert.Contains(t, msg.Text, "Already known")
}
