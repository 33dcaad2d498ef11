package registration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/telegram"
	"go-soknad-automation/internal/verification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	store  *database.MemoryStore
	runner *automation.Fake
	notes  *notify.Recorder
	relay  *verification.Relay
	engine *Engine
	user   *models.User
	now    time.Time
	done   []*models.RegistrationFlow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  database.NewMemoryStore(),
		runner: automation.NewFake(),
		notes:  &notify.Recorder{},
		now:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)

	cfg := config.RegistrationConfig{QuestionTimeout: 5 * time.Minute, VerificationTimeout: 5 * time.Minute, FlowTimeout: 30 * time.Minute}
	f.relay = verification.NewRelay(f.store, f.notes, cfg.VerificationTimeout, logger.Nop())
	f.relay.SetClock(clock)
	f.engine = NewEngine(f.store, f.runner, f.relay, f.notes, cfg, logger.Nop())
	f.engine.SetClock(clock)
	f.relay.Register(models.TargetRegistration, f.engine)
	f.relay.OnExpired(models.TargetRegistration, f.engine.OnVerificationExpired)
	f.engine.OnFinished(func(_ context.Context, flow *models.RegistrationFlow) { f.done = append(f.done, flow) })

	user, err := f.store.GetOrCreateUser(context.Background(), 77, "ola")
	require.NoError(t, err)
	f.user = user
	f.store.PutProfile(&models.Profile{
		ID:       "p1",
		UserID:   user.ID,
		IsActive: true,
		PersonalInfo: models.PersonalInformation{
			FullName: "Ola Nordmann",
			Email:    "ola@example.no",
			Phone:    "+4799999999",
			City:     "Oslo",
		},
	})
	return f
}

func (f *fixture) start(t *testing.T) *models.RegistrationFlow {
	t.Helper()
	ctx := context.Background()
	flow, created, err := f.engine.Ensure(ctx, Request{UserID: f.user.ID, RegistrationURL: "https://www.webcruiter.no/register", ApplicationID: "app-1"})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.engine.Run(ctx, flow.ID))
	flow, err = f.store.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	return flow
}

func (f *fixture) update(t *testing.T, flowID string, u automation.TaskUpdate) *models.RegistrationFlow {
	t.Helper()
	ctx := context.Background()
	flow, err := f.store.GetFlow(ctx, flowID)
	require.NoError(t, err)
	if u.TaskID == "" {
		u.TaskID = flow.TaskID
	}
	require.NoError(t, f.engine.OnTaskUpdate(ctx, flow, u))
	flow, err = f.store.GetFlow(ctx, flowID)
	require.NoError(t, err)
	return flow
}

func yes() *bool { v := true; return &v }

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, pw, 16)
		assert.True(t, strings.ContainsFunc(pw, unicode.IsLower))
		assert.True(t, strings.ContainsFunc(pw, unicode.IsUpper))
		assert.True(t, strings.ContainsFunc(pw, unicode.IsDigit))
		assert.True(t, strings.ContainsAny(pw, specialChars))
		seen[pw] = true
	}
	assert.Len(t, seen, 50)
}

func TestSiteName(t *testing.T) {
	assert.Equal(t, "Webcruiter", SiteName("candidate.webcruiter.com"))
	assert.Equal(t, "CV Partner", SiteName("acme.cvpartner.com"))
	assert.Equal(t, "careers.acme.no", SiteName("www.careers.acme.no"))
	assert.Equal(t, "webcruiter.no", DomainOf("https://www.Webcruiter.no/register?x=1"))
}

func TestEnsure_ReusesActiveFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{UserID: f.user.ID, RegistrationURL: "https://webcruiter.no/a"}

	first, created, err := f.engine.Ensure(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.FlowPending, first.Status)
	assert.Equal(t, "ola@example.no", first.Email)
	assert.Len(t, first.GeneratedPassword, 16)

	req.RegistrationURL = "https://www.webcruiter.no/b"
	second, created, err := f.engine.Ensure(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.store.ActiveFlowCount(f.user.ID, "webcruiter.no"))
}

func TestFlow_VerificationDuringTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := f.start(t)
	assert.Equal(t, models.FlowInProgress, flow.Status)
	assert.Equal(t, automation.KindRegistration, f.runner.LastStart().Kind)
	assert.Equal(t, flow.GeneratedPassword, f.runner.LastStart().Payload["password"])

	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusRunning, Extracted: automation.Extracted{NeedsEmailVerification: true}})
	assert.Equal(t, models.FlowVerificationNeeded, flow.Status)

	v, err := f.store.ActiveVerificationForChat(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, flow.ID, v.TargetID)
	assert.Equal(t, models.VerificationCodeRequested, v.Status)

	res, err := f.relay.HandleCode(ctx, 77, "482913")
	require.NoError(t, err)
	assert.Equal(t, verification.Matched, res)
	assert.Equal(t, []string{flow.TaskID + ":482913"}, f.runner.Codes)

	flow, err = f.store.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowInProgress, flow.Status)

	// The agent repeats the flag after the code went through.
	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusRunning, Extracted: automation.Extracted{NeedsEmailVerification: true}})
	assert.Equal(t, models.FlowInProgress, flow.Status)

	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusCompleted, Extracted: automation.Extracted{RegistrationSuccessful: yes()}})
	assert.Equal(t, models.FlowCompleted, flow.Status)
	assert.NotNil(t, flow.CompletedAt)

	cred, err := f.store.GetCredential(ctx, f.user.ID, "webcruiter.no")
	require.NoError(t, err)
	assert.Equal(t, "ola@example.no", cred.Username)
	assert.Equal(t, flow.GeneratedPassword, cred.Secret)
	assert.Equal(t, "cred_webcruiter.no", cred.AgentCredentialID)
	require.Len(t, f.done, 1)
}

func TestFlow_VerificationAfterTaskCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := f.start(t)
	firstTask := flow.TaskID

	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusCompleted, Extracted: automation.Extracted{RegistrationSuccessful: yes(), NeedsEmailVerification: true}})
	assert.Equal(t, models.FlowVerificationNeeded, flow.Status)
	assert.Equal(t, 0, f.store.CredentialCount())

	_, err := f.relay.HandleCode(ctx, 77, "5555")
	require.NoError(t, err)

	flow, err = f.store.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowInProgress, flow.Status)
	assert.NotEqual(t, firstTask, flow.TaskID, "a follow-up task confirms the code")
	assert.Equal(t, "5555", f.runner.LastStart().Payload["verification_code"])

	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusCompleted})
	assert.Equal(t, models.FlowCompleted, flow.Status)
	assert.Equal(t, 1, f.store.CredentialCount())
}

func TestFlow_StaleAndDuplicateUpdatesIgnored(t *testing.T) {
	f := newFixture(t)
	flow := f.start(t)

	flow = f.update(t, flow.ID, automation.TaskUpdate{TaskID: "tsk_other", Status: automation.StatusFailed})
	assert.Equal(t, models.FlowInProgress, flow.Status)

	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusFailed, FailureReason: "captcha"})
	assert.Equal(t, models.FlowFailed, flow.Status)
	assert.Equal(t, "captcha", flow.ErrorMessage)

	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusCompleted, Extracted: automation.Extracted{RegistrationSuccessful: yes()}})
	assert.Equal(t, models.FlowFailed, flow.Status)
	assert.Equal(t, 0, f.store.CredentialCount())
	assert.Len(t, f.done, 1)
}

func TestFlow_MissingFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := f.start(t)

	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusCompleted, Extracted: automation.Extracted{
		MissingFields: []automation.MissingField{
			{Field: "city"},
			{Field: "start_date", Question: "Når kan du starte?", Options: []string{"Nå", "1 måned"}},
			{Field: "salary"},
		},
	}})
	assert.Equal(t, models.FlowInProgress, flow.Status)

	questions, err := f.store.ListQuestions(ctx, flow.ID)
	require.NoError(t, err)
	require.Len(t, questions, 3)
	assert.Equal(t, "profile", questions[0].Source)
	assert.Equal(t, "Oslo", questions[0].Answer)

	msg, ok := f.notes.Last()
	require.True(t, ok)
	assert.Contains(t, msg.Text, "salary")

	require.NoError(t, f.engine.AnswerOption(ctx, questions[1].ID, 1))
	assert.Equal(t, 1, f.runner.StartCount(), "one question still open")

	handled, err := f.engine.AnswerLatest(ctx, f.user.ID, "650 000")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 2, f.runner.StartCount())
	payload := f.runner.LastStart().Payload
	assert.Equal(t, "1 måned", payload["start_date"])
	assert.Equal(t, "650 000", payload["salary"])

	profile, err := f.store.GetActiveProfile(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "650 000", profile.Answers["salary"])

	handled, err = f.engine.AnswerLatest(ctx, f.user.ID, "stray text")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := f.start(t)
	f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusRunning, Extracted: automation.Extracted{NeedsSMSVerification: true}})

	f.now = f.now.Add(6 * time.Minute)
	n, err := f.relay.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	flow, err = f.store.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowFailed, flow.Status)
	assert.Contains(t, flow.ErrorMessage, "expired")
	assert.Contains(t, f.runner.Canceled, flow.TaskID)

	other, _, err := f.engine.Ensure(ctx, Request{UserID: f.user.ID, RegistrationURL: "https://jobylon.com/x"})
	require.NoError(t, err)
	f.now = f.now.Add(31 * time.Minute)
	n, err = f.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	other, err = f.store.GetFlow(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowFailed, other.Status)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := f.start(t)

	f.runner.SetStatus(automation.TaskUpdate{TaskID: flow.TaskID, Status: automation.StatusTimedOut})
	require.NoError(t, f.engine.Reconcile(ctx))

	flow, err := f.store.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowFailed, flow.Status)
}

func TestFlow_EndWithdrawsOpenVerification(t *testing.T) {
	tests := []struct {
		name   string
		update automation.TaskUpdate
		status models.FlowStatus
	}{
		{"completed", automation.TaskUpdate{Status: automation.StatusCompleted, Extracted: automation.Extracted{RegistrationSuccessful: yes()}}, models.FlowCompleted},
		{"failed", automation.TaskUpdate{Status: automation.StatusFailed, FailureReason: "captcha"}, models.FlowFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			flow := f.start(t)
			f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusRunning, Extracted: automation.Extracted{NeedsEmailVerification: true}})
			_, err := f.store.ActiveVerificationForChat(ctx, 77)
			require.NoError(t, err)

			flow = f.update(t, flow.ID, tt.update)
			assert.Equal(t, tt.status, flow.Status)

			_, err = f.store.ActiveVerificationForChat(ctx, 77)
			assert.ErrorIs(t, err, models.ErrNotFound, "ended flow no longer holds the chat")

			notes := f.notes.Len()
			res, err := f.relay.HandleCode(ctx, 77, "482913")
			require.NoError(t, err)
			assert.Equal(t, verification.Ignored, res)

			f.now = f.now.Add(6 * time.Minute)
			n, err := f.relay.ExpireDue(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Equal(t, notes, f.notes.Len())
		})
	}
}

func TestFlow_VerificationWaitsForBusyChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var resumedOther []string
	f.relay.Register(models.TargetApplication, verification.ResumerFunc(func(_ context.Context, req *models.VerificationRequest) error {
		resumedOther = append(resumedOther, req.TargetID)
		return nil
	}))
	other, _, err := f.relay.Open(ctx, verification.OpenRequest{
		UserID: f.user.ID, ChatID: 77, Channel: models.ChannelEmail,
		TargetKind: models.TargetApplication, TargetID: "app-9", TaskID: "tsk_finn", Requested: true,
	})
	require.NoError(t, err)

	flow := f.start(t)
	flow = f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusRunning, Extracted: automation.Extracted{NeedsEmailVerification: true}})
	assert.Equal(t, models.FlowVerificationNeeded, flow.Status)
	assert.Equal(t, models.ChannelEmail, flow.VerificationChannel)

	active, err := f.store.ActiveVerificationForChat(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, other.ID, active.ID, "the waiting request keeps the chat")
	assert.Equal(t, models.VerificationCodeRequested, active.Status)

	// The chat is still busy: reconciling asks nobody.
	require.NoError(t, f.engine.Reconcile(ctx))
	_, err = f.store.LatestVerification(ctx, flow.TaskID, "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	res, err := f.relay.HandleCode(ctx, 77, "1111")
	require.NoError(t, err)
	assert.Equal(t, verification.Matched, res)
	assert.Equal(t, []string{"app-9"}, resumedOther)

	require.NoError(t, f.engine.Reconcile(ctx))
	active, err = f.store.ActiveVerificationForChat(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, flow.TaskID, active.TaskID)
	assert.Equal(t, models.TargetRegistration, active.TargetKind)

	_, err = f.relay.HandleCode(ctx, 77, "2222")
	require.NoError(t, err)
	assert.Equal(t, []string{flow.TaskID + ":2222"}, f.runner.Codes)
	flow, err = f.store.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowInProgress, flow.Status)
	assert.Empty(t, flow.VerificationChannel)
}

func TestAnswerNumber_OnlyNumericQuestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := f.start(t)
	f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusCompleted, Extracted: automation.Extracted{
		MissingFields: []automation.MissingField{{Field: "postal_code"}, {Field: "motivation"}},
	}})

	var numeric bool
	for _, msg := range f.notes.Messages() {
		if strings.Contains(msg.Text, "postal_code") {
			numeric = strings.Contains(msg.Text, "Reply with a number")
		}
	}
	assert.True(t, numeric, "postal code question asks for a number")

	// motivation is the newest open question and takes free text only
	handled, err := f.engine.AnswerNumber(ctx, f.user.ID, "4242")
	require.NoError(t, err)
	assert.False(t, handled)
	q, err := f.store.LatestPendingQuestion(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "motivation", q.FieldName)

	handled, err = f.engine.AnswerLatest(ctx, f.user.ID, "Jeg liker Go")
	require.NoError(t, err)
	require.True(t, handled)

	handled, err = f.engine.AnswerNumber(ctx, f.user.ID, "0150")
	require.NoError(t, err)
	assert.True(t, handled)
	questions, err := f.store.ListQuestions(ctx, flow.ID)
	require.NoError(t, err)
	for _, q := range questions {
		if q.FieldName == "postal_code" {
			assert.Equal(t, "0150", q.Answer)
		}
	}
	assert.Equal(t, 2, f.runner.StartCount())
}

func TestQuestionMessage_UsesCallbackVocabulary(t *testing.T) {
	q := &models.RegistrationQuestion{ID: "q-1", QuestionText: "Når kan du starte?", Options: []string{"Nå", "1 måned"}}
	msg := questionMessage(77, &models.RegistrationFlow{SiteName: "Webcruiter"}, q)
	require.Len(t, msg.Buttons, 2)
	cmd, err := telegram.ParseCallback(msg.Buttons[1][0].Data)
	require.NoError(t, err)
	assert.Equal(t, telegram.KindAnswer, cmd.Kind)
	assert.Equal(t, "q-1", cmd.ID)
	assert.Equal(t, 1, cmd.Option)
}

func TestAnswerQuestion_AfterTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := f.start(t)
	f.update(t, flow.ID, automation.TaskUpdate{Status: automation.StatusCompleted, Extracted: automation.Extracted{
		MissingFields: []automation.MissingField{{Field: "salary"}},
	}})
	questions, err := f.store.ListQuestions(ctx, flow.ID)
	require.NoError(t, err)
	require.Len(t, questions, 1)

	f.now = f.now.Add(6 * time.Minute)
	err = f.engine.AnswerQuestion(ctx, questions[0].ID, "650 000")
	assert.ErrorIs(t, err, models.ErrQuestionExpired)
	assert.NotErrorIs(t, err, models.ErrVerificationExpired)
	assert.Equal(t, 1, f.runner.StartCount())
}

// startHookRunner lets a test change the flow while its task is being created.
type startHookRunner struct {
	*automation.Fake
	onStart func()
}

func (r *startHookRunner) Start(ctx context.Context, spec automation.TaskSpec) (string, error) {
	id, err := r.Fake.Start(ctx, spec)
	if r.onStart != nil {
		r.onStart()
	}
	return id, err
}

func TestRun_OrphanedTaskCancelFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	store := database.NewMemoryStore()
	notes := &notify.Recorder{}
	fake := automation.NewFake()
	fake.CancelErr = errors.New("agent unreachable")
	runner := &startHookRunner{Fake: fake}
	cfg := config.RegistrationConfig{Email: "ola@example.no", QuestionTimeout: 5 * time.Minute, VerificationTimeout: 5 * time.Minute, FlowTimeout: 30 * time.Minute}
	relay := verification.NewRelay(store, notes, cfg.VerificationTimeout, logger.Nop())
	engine := NewEngine(store, runner, relay, notes, cfg, logger.FromZap(zap.New(core)))

	user, err := store.GetOrCreateUser(ctx, 77, "ola")
	require.NoError(t, err)
	flow, _, err := engine.Ensure(ctx, Request{UserID: user.ID, RegistrationURL: "https://www.webcruiter.no/register"})
	require.NoError(t, err)

	runner.onStart = func() {
		_, err := store.UpdateFlow(ctx, flow.ID, func(f *models.RegistrationFlow) error {
			f.Status = models.FlowFailed
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, engine.Run(ctx, flow.ID))

	entries := logs.FilterMessage("cancel orphaned registration task").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "agent unreachable", entries[0].ContextMap()["error"])
	assert.Equal(t, "tsk_1", entries[0].ContextMap()["task_id"])
}
