package ingest

import (
	"context"
	"fmt"
	"strings"

	"go-soknad-automation/internal/browser"
	"go-soknad-automation/internal/dedup"
	"go-soknad-automation/internal/models"
)

// Recruitment platforms that make applicants create an account first.
var registrationDomains = []string{
	"webcruiter",
	"easycruit",
	"teamtailor",
	"lever.co",
	"greenhouse",
	"workday",
	"smartrecruiters",
	"linkedin",
	"reachmee",
	"jobylon",
	"recman",
	"varbi",
	"hrmanager",
}

// ClassifyURL classifies an apply target without opening it. FINN postings
// cannot be decided from the URL and come back unknown.
func ClassifyURL(raw string) models.FormType {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	switch {
	case raw == "":
		return models.FormUnknown
	case strings.HasPrefix(lower, "mailto:"):
		return models.FormEmail
	case !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://"):
		return models.FormUnknown
	}
	if _, ok := dedup.FinnCode(raw); ok {
		return models.FormUnknown
	}

	domain := dedup.Domain(raw)
	if domain == "" {
		return models.FormUnknown
	}
	for _, d := range registrationDomains {
		if strings.Contains(domain, d) {
			return models.FormExternalRegistration
		}
	}
	return models.FormExternal
}

// PageInspector reads a posting page. *browser.Inspector is the real one.
type PageInspector interface {
	Inspect(ctx context.Context, url string) (*browser.Inspection, error)
}

var _ PageInspector = (*browser.Inspector)(nil)

// Detector decides a job's application form type. Without an inspector FINN
// postings stay unknown.
type Detector struct {
	inspector PageInspector
}

func NewDetector(inspector PageInspector) *Detector {
	return &Detector{inspector: inspector}
}

// Detect returns the form type and, when the page pointed elsewhere, the
// external apply URL.
func (d *Detector) Detect(ctx context.Context, job *models.Job) (models.FormType, string, error) {
	if job.ExternalApplyURL != nil && strings.TrimSpace(*job.ExternalApplyURL) != "" {
		apply := strings.TrimSpace(*job.ExternalApplyURL)
		return ClassifyURL(apply), apply, nil
	}

	if _, ok := dedup.FinnCode(job.URL); !ok {
		return ClassifyURL(job.URL), "", nil
	}
	if d.inspector == nil {
		return models.FormUnknown, "", nil
	}

	in, err := d.inspector.Inspect(ctx, job.URL)
	if err != nil {
		return models.FormUnknown, "", fmt.Errorf("inspect posting %s: %w", job.ID, err)
	}
	switch {
	case in.EasyApply:
		return models.FormFinnEasy, "", nil
	case in.ApplyURL != "":
		return ClassifyURL(in.ApplyURL), in.ApplyURL, nil
	case in.Email != "":
		return models.FormEmail, "mailto:" + in.Email, nil
	}
	return models.FormUnknown, "", nil
}
