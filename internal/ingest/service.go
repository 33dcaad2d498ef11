// Package ingest turns raw postings into deduplicated Job rows, runs the
// keyword pre-filter, AI analysis and form-type detection, and tells the
// owner about new matches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/ncobase/ncore/concurrency"
	"golang.org/x/sync/errgroup"

	"go-soknad-automation/internal/ai"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/dedup"
	"go-soknad-automation/internal/filter"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/telegram"
)

type Options struct {
	// MaxConcurrent bounds parallel analysis and detection calls.
	MaxConcurrent int32
}

type Service struct {
	store    database.Store
	gateway  ai.Gateway
	matcher  *filter.Matcher
	seen     *dedup.SeenCache
	detector *Detector
	notifier notify.Notifier
	slots    *concurrency.Manager
	limit    int
	log      *logger.Logger
}

func NewService(store database.Store, gateway ai.Gateway, matcher *filter.Matcher, seen *dedup.SeenCache, detector *Detector, notifier notify.Notifier, opts Options, log *logger.Logger) (*Service, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	slots, err := concurrency.NewManager(opts.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("init analysis slots: %w", err)
	}
	if detector == nil {
		detector = NewDetector(nil)
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		matcher:  matcher,
		seen:     seen,
		detector: detector,
		notifier: notifier,
		slots:    slots,
		limit:    int(opts.MaxConcurrent),
		log:      log.With("component", "ingest"),
	}, nil
}

// Report summarizes one ingestion run.
type Report struct {
	Received   int
	Seen       int
	Filtered   int
	Duplicates int
	Failed     int
	Created    []models.Job
}

// Ingest stores every new posting that passes the pre-filter. Postings are
// taken in relevance order; one bad posting never stops the run.
func (s *Service) Ingest(ctx context.Context, userID string, postings []models.Posting) (*Report, error) {
	rep := &Report{Received: len(postings)}

	ordered := make([]models.Posting, len(postings))
	copy(ordered, postings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return s.matcher.Score(ordered[i]) > s.matcher.Score(ordered[j])
	})

	var seenKeys []string
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		key := dedup.Key(p.URL)
		if s.seen.IsSeen(userID, key) {
			rep.Seen++
			continue
		}
		if !s.matcher.ShouldInclude(p) {
			rep.Filtered++
			continue
		}

		job, err := s.SaveJob(ctx, userID, p)
		switch {
		case errors.Is(err, models.ErrDuplicateJob):
			rep.Duplicates++
			seenKeys = append(seenKeys, key)
		case err != nil:
			rep.Failed++
			s.log.Warn("failed to save posting", "url", p.URL, "error", err)
		default:
			rep.Created = append(rep.Created, *job)
			seenKeys = append(seenKeys, key)
		}
	}
	s.seen.Add(userID, seenKeys...)

	s.log.Info("ingestion finished", "user_id", userID, "received", rep.Received, "new", len(rep.Created),
		"seen", rep.Seen, "filtered", rep.Filtered, "duplicates", rep.Duplicates, "failed", rep.Failed)
	s.appendLog(ctx, &models.SystemLogEntry{
		UserID:    userID,
		EventType: models.EventScan,
		Status:    models.LogSuccess,
		Message:   fmt.Sprintf("scan: %d received, %d new", rep.Received, len(rep.Created)),
		Details: map[string]any{
			"seen":       rep.Seen,
			"filtered":   rep.Filtered,
			"duplicates": rep.Duplicates,
			"failed":     rep.Failed,
		},
	})
	return rep, nil
}

// SaveJob stores one posting. A dedup-key collision returns the existing row
// together with models.ErrDuplicateJob.
func (s *Service) SaveJob(ctx context.Context, userID string, p models.Posting) (*models.Job, error) {
	url := strings.TrimSpace(p.URL)
	if url == "" {
		return nil, errors.New("posting has no url")
	}
	job := &models.Job{
		UserID:   userID,
		Source:   p.Source,
		DedupKey: dedup.Key(url),
		URL:      url,
		Title:    strings.TrimSpace(p.Title),
		Company:  strings.TrimSpace(p.Company),
		Location: strings.TrimSpace(p.Location),
		Status:   models.JobNew,
		FormType: models.FormUnknown,
	}
	if job.Source == "" {
		job.Source = sourceFromURL(url)
	}
	if d := strings.TrimSpace(p.Description); d != "" {
		job.Description = &d
	}
	if a := strings.TrimSpace(p.ExternalApplyURL); a != "" {
		job.ExternalApplyURL = &a
	}

	saved, created, err := s.store.SaveJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	if !created {
		return saved, fmt.Errorf("job %s (%s): %w", saved.ID, saved.DedupKey, models.ErrDuplicateJob)
	}
	return saved, nil
}

func sourceFromURL(url string) string {
	if _, ok := dedup.FinnCode(url); ok {
		return "finn"
	}
	if d := dedup.Domain(url); d != "" {
		return d
	}
	return "manual"
}

// Process detects the form type and analyzes each job, then notifies the
// owner. The analysis slots are shared by every run of the service, so
// concurrent runs together stay within the limit. It returns how many jobs
// were analyzed.
func (s *Service) Process(ctx context.Context, jobs []models.Job) int {
	var analyzed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, j := range jobs {
		jobID := j.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.slots.Acquire(gctx); err != nil {
				return fmt.Errorf("wait for analysis slot: %w", err)
			}
			defer s.slots.Release()
			if s.processOne(gctx, jobID) {
				analyzed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("processing stopped", "jobs", len(jobs), "error", err)
	}
	return int(analyzed.Load())
}

func (s *Service) processOne(ctx context.Context, jobID string) bool {
	if _, err := s.DetectForm(ctx, jobID); err != nil {
		s.log.Warn("form detection failed", "job_id", jobID, "error", err)
	}
	job, err := s.Analyze(ctx, jobID)
	if err != nil {
		s.log.Warn("analysis failed", "job_id", jobID, "error", err)
		if job, gerr := s.store.GetJob(ctx, jobID); gerr == nil {
			s.announce(ctx, job)
		}
		return false
	}
	s.announce(ctx, job)
	return true
}

// SubmitURL ingests a single posting pasted into the chat. It skips the
// keyword filter and the seen cache; a known URL is reported, not re-analyzed.
func (s *Service) SubmitURL(ctx context.Context, userID, url string) (*models.Job, error) {
	job, err := s.SaveJob(ctx, userID, models.Posting{URL: url, Source: "manual"})
	if errors.Is(err, models.ErrDuplicateJob) {
		s.send(ctx, userID, fmt.Sprintf("ℹ️ Already known: <b>%s</b> (%s)", notify.Escape(titleOr(job)), job.Status))
		return job, err
	}
	if err != nil {
		return nil, err
	}
	s.seen.Add(userID, job.DedupKey)
	s.Process(ctx, []models.Job{*job})
	return s.store.GetJob(ctx, job.ID)
}

// Analyze runs the fit analysis and moves a NEW job to ANALYZED. Re-running it
// refreshes the analysis without touching later statuses.
func (s *Service) Analyze(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(job.DescriptionText())
	if desc == "" {
		return job, fmt.Errorf("job %s has no description to analyze", jobID)
	}
	profile, err := s.store.GetActiveProfile(ctx, job.UserID)
	if err != nil {
		return job, fmt.Errorf("load profile: %w", err)
	}

	res, err := s.gateway.Analyze(ctx, ai.AnalysisRequest{
		Profile:     ai.ProfileText(profile),
		Title:       job.Title,
		Company:     job.Company,
		Location:    job.Location,
		Description: desc,
	})
	if err != nil {
		s.appendLog(ctx, &models.SystemLogEntry{
			UserID:    job.UserID,
			EventType: models.EventAnalysis,
			Status:    models.LogFailed,
			Message:   err.Error(),
			JobID:     job.ID,
		})
		return job, fmt.Errorf("analyze job %s: %w", jobID, err)
	}

	analysis := res.Analysis
	updated, err := s.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.Analysis = &analysis
		if j.Status == models.JobNew {
			j.Status = models.JobAnalyzed
		}
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("store analysis: %w", err)
	}

	s.log.Info("job analyzed", "job_id", jobID, "score", analysis.Score, "cost_usd", res.Usage.CostUSD)
	s.appendLog(ctx, &models.SystemLogEntry{
		UserID:    job.UserID,
		EventType: models.EventAnalysis,
		Status:    models.LogSuccess,
		Message:   fmt.Sprintf("analyzed %s: score %d", job.Title, analysis.Score),
		JobID:     job.ID,
		CostUSD:   res.Usage.CostUSD,
		TokensIn:  res.Usage.TokensIn,
		TokensOut: res.Usage.TokensOut,
	})
	return updated, nil
}

// DetectForm marks the job processing while the detector runs and stores the
// outcome. A failed detection leaves the job unknown.
func (s *Service) DetectForm(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.FormType = models.FormProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}

	formType, applyURL, detectErr := s.detector.Detect(ctx, job)
	updated, err := s.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.FormType = formType
		if applyURL != "" && (j.ExternalApplyURL == nil || *j.ExternalApplyURL == "") {
			j.ExternalApplyURL = &applyURL
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("form type detected", "job_id", jobID, "form_type", formType)
	return updated, detectErr
}

func (s *Service) announce(ctx context.Context, job *models.Job) {
	text := fmt.Sprintf("🆕 <b>%s</b>\n🏢 %s", notify.Escape(titleOr(job)), notify.Escape(job.Company))
	if job.Location != "" {
		text += "\n📍 " + notify.Escape(job.Location)
	}
	if job.Analysis != nil {
		text += fmt.Sprintf("\n🎯 Score: <b>%d</b>/100", job.Analysis.Score)
		if job.Analysis.Aura != nil {
			text += " · " + notify.Escape(job.Analysis.Aura.Status)
		}
	}
	text += fmt.Sprintf("\n📝 Form: %s\n🔗 %s", job.FormType, notify.Escape(job.URL))

	row := []notify.Button{
		{Text: "✍️ Write søknad", Data: telegram.CallbackData(telegram.KindWrite, job.ID)},
		{Text: "🗑 Reject", Data: telegram.CallbackData(telegram.KindReject, job.ID)},
	}
	if job.Analysis == nil {
		row = append(row, notify.Button{Text: "🔍 Analyze", Data: telegram.CallbackData(telegram.KindAnalyze, job.ID)})
	}
	s.sendMessage(ctx, notify.Message{
		ChatID:  s.chatID(ctx, job.UserID),
		Text:    text,
		Buttons: [][]notify.Button{row},
	})
}

func titleOr(job *models.Job) string {
	if job.Title != "" {
		return job.Title
	}
	return job.URL
}

func (s *Service) chatID(ctx context.Context, userID string) int64 {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return 0
	}
	return u.TelegramID
}

func (s *Service) send(ctx context.Context, userID, text string) {
	s.sendMessage(ctx, notify.Message{ChatID: s.chatID(ctx, userID), Text: text})
}

func (s *Service) sendMessage(ctx context.Context, msg notify.Message) {
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.Warn("notify failed", "error", err)
	}
}

func (s *Service) appendLog(ctx context.Context, entry *models.SystemLogEntry) {
	entry.Source = "ingest"
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.log.Warn("append system log", "error", err)
	}
}
