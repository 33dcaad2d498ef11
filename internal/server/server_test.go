package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/cache"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/ingest"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/orchestrator"
	"go-soknad-automation/internal/telegram"
	"go-soknad-automation/internal/verification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeMachine struct {
	mu        sync.Mutex
	calls     []string
	err       error
	updates   []automation.TaskUpdate
	requested []string
}

func (f *fakeMachine) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeMachine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMachine) Generate(_ context.Context, id string) (*models.Application, error) {
	return &models.Application{}, f.record("generate:" + id)
}
func (f *fakeMachine) Approve(_ context.Context, id string) (*models.Application, error) {
	return &models.Application{}, f.record("approve:" + id)
}
func (f *fakeMachine) DispatchSend(_ context.Context, id string) (*orchestrator.SendResult, error) {
	return &orchestrator.SendResult{}, f.record("send:" + id)
}
func (f *fakeMachine) Cancel(_ context.Context, id string) (*models.Application, error) {
	return &models.Application{}, f.record("cancel:" + id)
}
func (f *fakeMachine) Retry(_ context.Context, id string) (*models.Application, error) {
	return &models.Application{}, f.record("retry:" + id)
}
func (f *fakeMachine) View(_ context.Context, id string) error { return f.record("view:" + id) }
func (f *fakeMachine) RejectJob(_ context.Context, id string) error {
	return f.record("reject:" + id)
}
func (f *fakeMachine) HandleTaskUpdate(_ context.Context, u automation.TaskUpdate) error {
	f.mu.Lock()
	f.updates = append(f.updates, u)
	f.mu.Unlock()
	return nil
}
func (f *fakeMachine) OnCodeRequested(_ context.Context, taskID, identifier string) error {
	f.mu.Lock()
	f.requested = append(f.requested, taskID+"|"+identifier)
	f.mu.Unlock()
	return nil
}

type fakeRelay struct {
	result  verification.Result
	codes   []string
	pending *models.VerificationRequest
	err     error
}

func (f *fakeRelay) HandleCode(_ context.Context, _ int64, code string) (verification.Result, error) {
	f.codes = append(f.codes, code)
	return f.result, nil
}

func (f *fakeRelay) CodeForTask(_ context.Context, _, _ string) (*models.VerificationRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.pending == nil {
		return nil, models.ErrNotFound
	}
	return f.pending, nil
}

type fakeRegistrar struct {
	answered bool
	texts    []string
	numbers  []string
	options  []string
}

func (f *fakeRegistrar) AnswerOption(_ context.Context, qid string, n int) error {
	f.options = append(f.options, fmt.Sprintf("%s:%d", qid, n))
	return nil
}

func (f *fakeRegistrar) AnswerLatest(_ context.Context, _ string, text string) (bool, error) {
	f.texts = append(f.texts, text)
	return f.answered, nil
}

func (f *fakeRegistrar) AnswerNumber(_ context.Context, _ string, number string) (bool, error) {
	f.numbers = append(f.numbers, number)
	return f.answered, nil
}

type fakeIngest struct {
	urls      []string
	processed []string
}

func (f *fakeIngest) SubmitURL(_ context.Context, _ string, url string) (*models.Job, error) {
	f.urls = append(f.urls, url)
	return &models.Job{URL: url}, nil
}

func (f *fakeIngest) Process(_ context.Context, jobs []models.Job) int {
	for _, j := range jobs {
		f.processed = append(f.processed, j.ID)
	}
	return len(jobs)
}

type fakeReporter struct{ sent int }

func (f *fakeReporter) Send(context.Context, string, int64) error {
	f.sent++
	return nil
}

type fakeCallbacks struct{ ids []string }

func (f *fakeCallbacks) AnswerCallback(id, _ string) error {
	f.ids = append(f.ids, id)
	return nil
}

// syncQueue runs jobs inline so assertions see their effects.
type syncQueue struct{ full bool }

func (q *syncQueue) Submit(_ string, fn func(ctx context.Context) error) error {
	if q.full {
		return errors.New("queue full")
	}
	_ = fn(context.Background())
	return nil
}

type fixture struct {
	srv       *Server
	machine   *fakeMachine
	relay     *fakeRelay
	registrar *fakeRegistrar
	ingest    *fakeIngest
	reporter  *fakeReporter
	callbacks *fakeCallbacks
	notes     *notify.Recorder
	queue     *syncQueue
	idem      *cache.MemoryStore
	scanned   int
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		machine:   &fakeMachine{},
		relay:     &fakeRelay{},
		registrar: &fakeRegistrar{},
		ingest:    &fakeIngest{},
		reporter:  &fakeReporter{},
		callbacks: &fakeCallbacks{},
		notes:     &notify.Recorder{},
		queue:     &syncQueue{},
		idem:      cache.NewMemoryStore(),
	}
	f.srv = New(Deps{
		Users:     database.NewMemoryStore(),
		Machine:   f.machine,
		Relay:     f.relay,
		Registrar: f.registrar,
		Ingest:    f.ingest,
		Reporter:  f.reporter,
		Scan: func(context.Context, string) (*ingest.Report, error) {
			f.scanned++
			return &ingest.Report{Received: 3, Created: []models.Job{{ID: "j1"}}, Seen: 1, Filtered: 1}, nil
		},
		Notifier:  f.notes,
		Callbacks: f.callbacks,
		Queue:     f.queue,
		Idem:      f.idem,
	}, opts, logger.Nop())
	return f
}

func (f *fixture) post(t *testing.T, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func textUpdate(id int, text string) map[string]any {
	return map[string]any{
		"update_id": id,
		"message": map[string]any{
			"message_id": id,
			"date":       0,
			"text":       text,
			"chat":       map[string]any{"id": 77, "type": "private"},
			"from":       map[string]any{"id": 77, "username": "ola"},
		},
	}
}

func callbackUpdate(id int, data string) map[string]any {
	return map[string]any{
		"update_id": id,
		"callback_query": map[string]any{
			"id":   fmt.Sprintf("cb-%d", id),
			"data": data,
			"from": map[string]any{"id": 77, "username": "ola"},
			"message": map[string]any{
				"message_id": 1,
				"date":       0,
				"chat":       map[string]any{"id": 77, "type": "private"},
			},
		},
	}
}

func lastText(t *testing.T, notes *notify.Recorder) string {
	t.Helper()
	msg, ok := notes.Last()
	require.True(t, ok, "expected a reply")
	return msg.Text
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestTelegramWebhook_Secret(t *testing.T) {
	f := newFixture(t, Options{WebhookSecret: "s3cret"})

	w := f.post(t, "/webhook/telegram", textUpdate(1, "/report"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, f.reporter.sent)

	w = f.post(t, "/webhook/telegram", textUpdate(2, "/report"), map[string]string{secretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.reporter.sent)
}

func TestTelegramWebhook_BadBody(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.post(t, "/webhook/telegram", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTelegramWebhook_DuplicateUpdate(t *testing.T) {
	f := newFixture(t, Options{})

	for i := 0; i < 3; i++ {
		w := f.post(t, "/webhook/telegram", callbackUpdate(10, "approve:app-1"), nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, []string{"approve:app-1"}, f.machine.Calls())
	assert.Equal(t, []string{"cb-10"}, f.callbacks.ids)
}

func TestTelegramWebhook_QueueFullReleasesKey(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue.full = true

	w := f.post(t, "/webhook/telegram", callbackUpdate(11, "send:app-2"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, f.machine.Calls())

	// redelivery after the queue drains is processed
	f.queue.full = false
	w = f.post(t, "/webhook/telegram", callbackUpdate(11, "send:app-2"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"send:app-2"}, f.machine.Calls())
}

func TestTelegramWebhook_ForeignChatIgnored(t *testing.T) {
	f := newFixture(t, Options{AllowedChatID: 99})
	w := f.post(t, "/webhook/telegram", callbackUpdate(12, "approve:app-1"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.machine.Calls())
	assert.Equal(t, 0, f.idem.Len())
}

func TestDispatch_Callbacks(t *testing.T) {
	tests := []struct {
		data string
		want string
	}{
		{"write:job-1", "generate:job-1"},
		{"approve:app-1", "approve:app-1"},
		{"send:app-1", "send:app-1"},
		{"cancel:app-1", "cancel:app-1"},
		{"retry:app-1", "retry:app-1"},
		{"view:app-1", "view:app-1"},
		{"reject:job-1", "reject:job-1"},
	}
	for i, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			f := newFixture(t, Options{})
			w := f.post(t, "/webhook/telegram", callbackUpdate(100+i, tt.data), nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, []string{tt.want}, f.machine.Calls())
		})
	}
}

func TestDispatch_AnalyzeAndAnswer(t *testing.T) {
	f := newFixture(t, Options{})

	f.post(t, "/webhook/telegram", callbackUpdate(1, "analyze:job-9"), nil)
	assert.Equal(t, []string{"job-9"}, f.ingest.processed)

	f.post(t, "/webhook/telegram", callbackUpdate(2, "regq:q-1:2"), nil)
	assert.Equal(t, []string{"q-1:2"}, f.registrar.options)
}

func TestDispatch_TextCommands(t *testing.T) {
	f := newFixture(t, Options{})

	f.post(t, "/webhook/telegram", textUpdate(1, "/start"), nil)
	assert.Contains(t, lastText(t, f.notes), "/scan")

	f.post(t, "/webhook/telegram", textUpdate(2, "/scan"), nil)
	assert.Equal(t, 1, f.scanned)
	assert.Contains(t, lastText(t, f.notes), "1 new")

	f.post(t, "/webhook/telegram", textUpdate(3, "https://www.finn.no/job/fulltime/ad.html?finnkode=1"), nil)
	assert.Equal(t, []string{"https://www.finn.no/job/fulltime/ad.html?finnkode=1"}, f.ingest.urls)

	f.post(t, "/webhook/telegram", textUpdate(4, "/nonsense"), nil)
	assert.Contains(t, lastText(t, f.notes), "Unknown command")
}

func TestDispatch_CodeRouting(t *testing.T) {
	t.Run("relay matches", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.relay.result = verification.Matched
		f.post(t, "/webhook/telegram", textUpdate(1, "123 456"), nil)
		assert.Equal(t, []string{"123456"}, f.relay.codes)
		assert.Empty(t, f.registrar.texts)
	})

	t.Run("bare number may answer a numeric question", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.registrar.answered = true
		f.post(t, "/webhook/telegram", textUpdate(1, "0150"), nil)
		assert.Equal(t, []string{"0150"}, f.registrar.numbers)
		assert.Empty(t, f.registrar.texts)
		assert.Equal(t, 0, f.notes.Len())
	})

	t.Run("explicit code never answers a question", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.registrar.answered = true
		f.post(t, "/webhook/telegram", textUpdate(1, "/code 4242"), nil)
		assert.Equal(t, []string{"4242"}, f.relay.codes)
		assert.Empty(t, f.registrar.numbers)
		assert.Empty(t, f.registrar.texts)
		assert.Contains(t, lastText(t, f.notes), "No code is expected")
	})

	t.Run("nothing expected", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.post(t, "/webhook/telegram", textUpdate(1, "4242"), nil)
		assert.Contains(t, lastText(t, f.notes), "No code is expected")
	})

	t.Run("link done", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.relay.result = verification.Matched
		f.post(t, "/webhook/telegram", textUpdate(1, "ferdig"), nil)
		assert.Equal(t, []string{""}, f.relay.codes)
	})
}

func TestDispatch_FreeTextAnswersQuestion(t *testing.T) {
	f := newFixture(t, Options{})
	f.registrar.answered = true
	f.post(t, "/webhook/telegram", textUpdate(1, "Oslo, Norge"), nil)
	assert.Equal(t, []string{"Oslo, Norge"}, f.registrar.texts)
	assert.Equal(t, 0, f.notes.Len())

	f.registrar.answered = false
	f.post(t, "/webhook/telegram", textUpdate(2, "hei"), nil)
	assert.Contains(t, lastText(t, f.notes), "/start")
}

func TestDispatch_ErrorReplies(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		reply string
	}{
		{"transition", &models.TransitionError{Entity: "application", ID: "a", From: "sent", To: "approved"}, "<b>sent</b>"},
		{"already sending", models.ErrAlreadySending, "already being sent"},
		{"not found", fmt.Errorf("get app: %w", models.ErrNotFound), "no longer exists"},
		{"question timed out", fmt.Errorf("question q timed out: %w", models.ErrQuestionExpired), "question timed out"},
		{"other", errors.New("boom"), "Something went wrong: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.machine.err = tt.err
			err := f.srv.Dispatch(context.Background(), telegram.Command{Kind: telegram.KindApprove, ChatID: 77, ID: "a"})
			require.Error(t, err)
			assert.Contains(t, lastText(t, f.notes), tt.reply)
		})
	}

	t.Run("already notified stays quiet", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.machine.err = &models.GenerationError{JobID: "j", Err: errors.New("empty")}
		err := f.srv.Dispatch(context.Background(), telegram.Command{Kind: telegram.KindWrite, ChatID: 77, ID: "j"})
		require.ErrorIs(t, err, models.ErrGeneration)
		assert.Equal(t, 0, f.notes.Len())
	})
}

func TestAgentWebhook(t *testing.T) {
	f := newFixture(t, Options{})
	body := `{"task_id":"tsk_1","status":"completed","extracted_information":{"application_sent":true}}`

	w := f.post(t, "/webhook/agent", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.post(t, "/webhook/agent", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.machine.updates, 1)
	assert.Equal(t, "tsk_1", f.machine.updates[0].TaskID)
	assert.Equal(t, automation.StatusCompleted, f.machine.updates[0].Status)

	w = f.post(t, "/webhook/agent", `{"status":"failed"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentWebhook_Signature(t *testing.T) {
	f := newFixture(t, Options{AgentSigningKey: "key"})
	body := []byte(`{"task_id":"tsk_2","status":"running"}`)

	w := f.post(t, "/webhook/agent", body, map[string]string{signatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.post(t, "/webhook/agent", body, map[string]string{signatureHeader: sign("key", body)})
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.machine.updates, 1)
}

func TestTOTP(t *testing.T) {
	code := "918273"

	t.Run("code ready", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.relay.pending = &models.VerificationRequest{ID: "v1", TaskID: "tsk_1", Status: models.VerificationCodeReceived, Code: &code}
		w := f.post(t, "/totp", totpRequest{TaskID: "tsk_1"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"task_id":"tsk_1","verification_code":"918273"}`, w.Body.String())
		assert.Empty(t, f.machine.requested)
	})

	t.Run("unknown task asks the owner", func(t *testing.T) {
		f := newFixture(t, Options{})
		w := f.post(t, "/totp", totpRequest{TaskID: "tsk_1", TOTPIdentifier: "me@example.no"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"task_id":"tsk_1","verification_code":null}`, w.Body.String())
		assert.Equal(t, []string{"tsk_1|me@example.no"}, f.machine.requested)
	})

	t.Run("already requested waits", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.relay.pending = &models.VerificationRequest{ID: "v1", TaskID: "tsk_1", Status: models.VerificationCodeRequested}
		w := f.post(t, "/totp", totpRequest{TaskID: "tsk_1"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), `"verification_code":null`))
		assert.Empty(t, f.machine.requested)
	})

	t.Run("lookup failure", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.relay.err = errors.New("db down")
		w := f.post(t, "/totp", totpRequest{TaskID: "tsk_1"}, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("missing ids", func(t *testing.T) {
		f := newFixture(t, Options{})
		w := f.post(t, "/totp", totpRequest{}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
