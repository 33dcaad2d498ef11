package filter

import (
	"testing"
	"time"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	m := NewMatcher(config.FilterConfig{Keywords: []string{"golang", "utvikler"}})

	tests := []struct {
		name     string
		posting  models.Posting
		expected int
	}{
		{
			name: "Perfect match",
			posting: models.Posting{
				Title:       "Junior Golang-utvikler",
				Description: "Docker, Kubernetes",
				Location:    "Bergen",
			},
			expected: 9,
		},
		{
			name: "Experience penalty",
			posting: models.Posting{
				Title:       "Golang utvikler",
				Description: "Minimum 7 års erfaring",
				Location:    "Oslo",
			},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.Score(tt.posting))
		})
	}
}

func TestShouldInclude(t *testing.T) {
	m := NewMatcher(config.FilterConfig{Keywords: []string{"utvikler"}, Exclude: []string{"senior"}, MaxAgeDays: 30})
	m.now = func() time.Time { return time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name    string
		posting models.Posting
		want    bool
	}{
		{"keyword case folded", models.Posting{Title: "UTVIKLER backend", PostedDate: "15.03.2026"}, true},
		{"no keyword", models.Posting{Title: "Sykepleier"}, false},
		{"excluded title", models.Posting{Title: "Senior utvikler"}, false},
		{"too old", models.Posting{Title: "Utvikler", PostedDate: "01.01.2026"}, false},
		{"norwegian month", models.Posting{Title: "Utvikler", PostedDate: "12. mars 2026"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ShouldInclude(tt.posting))
		})
	}
}

func TestIsRecentJob(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	age := 60 * 24 * time.Hour

	assert.True(t, IsRecentJob("", now, age))
	assert.True(t, IsRecentJob("2026-03-01", now, age))
	assert.False(t, IsRecentJob("2025-12-01", now, age))
	assert.False(t, IsRecentJob("2026-04-30", now, age), "far future")
	assert.True(t, IsRecentJob("Publisert 2026", now, age))
	assert.False(t, IsRecentJob("Publisert 2023", now, age))
}
