package filter

import (
	"regexp"
	"time"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/models"
)

// Matcher is the cheap pre-filter run before paying for AI analysis.
type Matcher struct {
	keywords *regexp.Regexp
	exclude  *regexp.Regexp
	maxAge   time.Duration
	now      func() time.Time
}

func NewMatcher(cfg config.FilterConfig) *Matcher {
	kw, ex := cfg.Keywords, cfg.Exclude
	if len(kw) == 0 {
		kw = defaultKeywords
	}
	if len(ex) == 0 {
		ex = defaultExclude
	}
	days := cfg.MaxAgeDays
	if days <= 0 {
		days = 60
	}
	return &Matcher{
		keywords: compileTerms(kw),
		exclude:  compileTerms(ex),
		maxAge:   time.Duration(days) * 24 * time.Hour,
		now:      time.Now,
	}
}

// ShouldInclude accepts postings that mention a keyword, carry no exclude
// term, do not demand long experience and are recent enough.
func (m *Matcher) ShouldInclude(p models.Posting) bool {
	text := fold(p.Title + " " + p.Description)

	if m.keywords != nil && !m.keywords.MatchString(text) {
		return false
	}
	if m.exclude != nil && m.exclude.MatchString(fold(p.Title)) {
		return false
	}
	if experienceRegex.MatchString(text) {
		return false
	}
	return IsRecentJob(p.PostedDate, m.now(), m.maxAge)
}

// Score is a 0..10 relevance heuristic used to order postings before analysis.
func (m *Matcher) Score(p models.Posting) int {
	score := 0
	text := fold(p.Title + " " + p.Description + " " + p.Company)

	if m.keywords != nil && m.keywords.MatchString(text) {
		score += 3
	}
	if includeRegex.MatchString(text) {
		score += 3
	}
	if matchesPreferredLocation(fold(p.Location)) {
		score += 2
	}
	if techStackRegex.MatchString(text) {
		score++
	}
	if experienceRegex.MatchString(text) {
		score -= 5
	}

	if score > 10 {
		return 10
	}
	if score < 0 {
		return 0
	}
	return score
}

var preferredLocations = compileTerms([]string{"oslo", "bergen", "trondheim", "stavanger", "remote", "hjemmekontor", "fjernarbeid"})

func matchesPreferredLocation(location string) bool {
	return preferredLocations.MatchString(location)
}
