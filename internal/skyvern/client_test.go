package skyvern

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.AgentConfig{URL: srv.URL + "/", APIKey: "k-123"}, logger.Nop())
}

func TestCreateTask(t *testing.T) {
	var got TaskRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/tasks", r.URL.Path)
		assert.Equal(t, "k-123", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"task_id":"tsk_1","status":"created"}`))
	})

	id, err := c.CreateTask(context.Background(), TaskRequest{
		URL:               "https://www.finn.no/job/apply?adId=123456789",
		NavigationGoal:    "apply",
		NavigationPayload: map[string]any{"cover_letter": "Hei"},
		TOTPIdentifier:    "me@example.no",
	})
	require.NoError(t, err)
	assert.Equal(t, "tsk_1", id)
	assert.Equal(t, "me@example.no", got.TOTPIdentifier)
	assert.Equal(t, "Hei", got.NavigationPayload["cover_letter"])
}

func TestGetTask_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"not found"}`))
	})

	_, err := c.GetTask(context.Background(), "tsk_missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestGetTask(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/tsk_2", r.URL.Path)
		_, _ = w.Write([]byte(`{"task_id":"tsk_2","status":"completed","extracted_information":{"application_sent":true}}`))
	})

	task, err := c.GetTask(context.Background(), "tsk_2")
	require.NoError(t, err)
	assert.Equal(t, "completed", task.Status)
	assert.JSONEq(t, `{"application_sent":true}`, string(task.ExtractedInformation))
}

func TestSubmitTOTPAndCredential(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/v1/credentials/passwords" {
			_, _ = w.Write([]byte(`{"credential_id":"cred_9"}`))
		}
	})

	require.NoError(t, c.SubmitTOTP(context.Background(), TOTPCode{TaskID: "tsk_3", Identifier: "me@example.no", Content: "123456"}))
	id, err := c.CreateCredential(context.Background(), Credential{Name: "webcruiter.no", Username: "me@example.no", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "cred_9", id)
	assert.Equal(t, []string{"/api/v1/totp", "/api/v1/credentials/passwords"}, paths)
}

func TestDetectSite(t *testing.T) {
	cases := map[string]Site{
		"candidate.webcruiter.com": SiteWebcruiter,
		"jobs.lever.co":            SiteLever,
		"www.finn.no":              SiteFinn,
		"arbeidsplassen.nav.no":    SiteNav,
		"careers.example.com":      SiteGeneric,
	}
	for domain, want := range cases {
		assert.Equal(t, want, DetectSite(domain), domain)
	}
	assert.False(t, SiteGeneric.Supported())
}

func TestGoals(t *testing.T) {
	data := models.RegistrationData{FullName: "Ola Nordmann", FirstName: "Ola", LastName: "Nordmann", Phone: "+4799999999", Country: "Norge"}

	reg := RegistrationGoal("webcruiter.no", data, "ola@example.no")
	assert.Contains(t, reg, "Webcruiter")
	assert.Contains(t, reg, "ola@example.no")
	assert.Contains(t, reg, "Opprett bruker")
	assert.Contains(t, reg, "missing_fields")

	anon := ApplicationGoal("careers.example.com", data, "")
	assert.Contains(t, anon, "requires_registration = true")

	withLogin := ApplicationGoal("careers.example.com", data, "ola@example.no")
	assert.Contains(t, withLogin, "LOGIN")
	assert.NotContains(t, withLogin, "requires_registration = true")

	finn := FinnApplicationGoal(data, "ola@example.no")
	assert.Contains(t, finn, "Send søknad")
	assert.Equal(t, "https://www.finn.no/job/apply?adId=42", FinnApplyURL("42"))
}

func TestVerificationGoal(t *testing.T) {
	goal := VerificationGoal("jobylon.com", "ola@example.no")
	assert.Contains(t, goal, "Jobylon")
	assert.Contains(t, goal, "verification_code")
}
