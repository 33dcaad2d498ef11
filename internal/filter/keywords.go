package filter

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	defaultKeywords = []string{"utvikler", "developer", "engineer", "ingeniør", "golang", "backend", "fullstack"}
	defaultExclude  = []string{"senior", "lead", "leder", "principal", "architect", "arkitekt"}

	includeRegex    = regexp.MustCompile(`(?i)\b(junior|trainee|graduate|nyutdannet|entry[\s-]?level|lærling)\b`)
	techStackRegex  = regexp.MustCompile(`(?i)\b(docker|kubernetes|aws|gcp|azure|microservices|rest\s*api|grpc|backend|postgres(ql)?)\b`)
	experienceRegex = regexp.MustCompile(`(?i)\b([5-9]|\d{2,})\s*(\+|plus)?\s*(års?|years?|yoe)\b`)
)

var folder = cases.Fold()

// fold lower-cases and composes text so "Utvikler", "UTVIKLER" and a
// decomposed "ø" all compare equal.
func fold(s string) string {
	return folder.String(norm.NFC.String(s))
}

// compileTerms builds one case-folded alternation regex; empty terms yield nil.
func compileTerms(terms []string) *regexp.Regexp {
	var parts []string
	for _, t := range terms {
		t = strings.TrimSpace(fold(t))
		if t != "" {
			parts = append(parts, regexp.QuoteMeta(t))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	// \b does not see æ/ø/å as word characters, so match on explicit boundaries.
	return regexp.MustCompile(`(^|[^\p{L}\p{N}])(` + strings.Join(parts, "|") + `)($|[^\p{L}\p{N}])`)
}
