package ingest

import (
	"context"
	"errors"
	"testing"

	"go-soknad-automation/internal/browser"
	"go-soknad-automation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyURL(t *testing.T) {
	tests := []struct {
		url  string
		want models.FormType
	}{
		{"mailto:jobb@acme.no", models.FormEmail},
		{"MAILTO:Jobb@Acme.no", models.FormEmail},
		{"https://candidate.webcruiter.com/cv?advertid=123", models.FormExternalRegistration},
		{"https://acme.teamtailor.com/jobs/42-backend", models.FormExternalRegistration},
		{"https://jobs.lever.co/acme/abc", models.FormExternalRegistration},
		{"https://boards.greenhouse.io/acme/jobs/1", models.FormExternalRegistration},
		{"https://www.linkedin.com/jobs/view/123", models.FormExternalRegistration},
		{"https://karriere.acme.no/stilling/7", models.FormExternal},
		{"https://www.finn.no/job/fulltime/ad.html?finnkode=412345678", models.FormUnknown},
		{"", models.FormUnknown},
		{"ftp://files.acme.no", models.FormUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyURL(tt.url), tt.url)
	}
}

type fakeInspector struct {
	res   *browser.Inspection
	err   error
	calls int
}

func (f *fakeInspector) Inspect(context.Context, string) (*browser.Inspection, error) {
	f.calls++
	return f.res, f.err
}

func TestDetector_Detect(t *testing.T) {
	finn := "https://www.finn.no/job/fulltime/ad.html?finnkode=412345678"
	ext := "https://acme.teamtailor.com/jobs/42"

	tests := []struct {
		name      string
		job       models.Job
		inspector *fakeInspector
		wantType  models.FormType
		wantApply string
		wantErr   bool
		wantCalls int
	}{
		{
			name:      "known external apply url skips the browser",
			job:       models.Job{URL: finn, ExternalApplyURL: &ext},
			inspector: &fakeInspector{},
			wantType:  models.FormExternalRegistration,
			wantApply: ext,
		},
		{
			name:     "non-finn posting is classified by url",
			job:      models.Job{URL: "https://karriere.acme.no/stilling/7"},
			wantType: models.FormExternal,
		},
		{
			name:      "finn easy apply",
			job:       models.Job{URL: finn},
			inspector: &fakeInspector{res: &browser.Inspection{EasyApply: true}},
			wantType:  models.FormFinnEasy,
			wantCalls: 1,
		},
		{
			name:      "finn pointing to an external form",
			job:       models.Job{URL: finn},
			inspector: &fakeInspector{res: &browser.Inspection{ApplyURL: "https://karriere.acme.no/apply"}},
			wantType:  models.FormExternal,
			wantApply: "https://karriere.acme.no/apply",
			wantCalls: 1,
		},
		{
			name:      "finn with only an email",
			job:       models.Job{URL: finn},
			inspector: &fakeInspector{res: &browser.Inspection{Email: "jobb@acme.no"}},
			wantType:  models.FormEmail,
			wantApply: "mailto:jobb@acme.no",
			wantCalls: 1,
		},
		{
			name:      "inspection failure is unknown",
			job:       models.Job{URL: finn},
			inspector: &fakeInspector{err: errors.New("timeout")},
			wantType:  models.FormUnknown,
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:     "finn without a browser",
			job:      models.Job{URL: finn},
			wantType: models.FormUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d *Detector
			if tt.inspector != nil {
				d = NewDetector(tt.inspector)
			} else {
				d = NewDetector(nil)
			}
			got, apply, err := d.Detect(context.Background(), &tt.job)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantType, got)
			assert.Equal(t, tt.wantApply, apply)
			if tt.inspector != nil {
				assert.Equal(t, tt.wantCalls, tt.inspector.calls)
			}
		})
	}
}
