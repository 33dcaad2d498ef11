package pdf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-soknad-automation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLetter(t *testing.T) {
	p := &models.Profile{PersonalInfo: models.PersonalInformation{Name: "Ola", Email: "ola@example.no", City: "Bergen"}}
	job := &models.Job{Title: "Backend-utvikler", Company: "Fjord AS"}
	body := "Hei!\r\n\r\nJeg søker   stillingen\nsom utvikler.\n\n\n\nMvh Ola"

	l := NewLetter(p, job, body, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "Ola", l.Name)
	assert.Equal(t, []string{"ola@example.no", "Bergen"}, l.Contact)
	assert.Equal(t, "02.03.2026", l.Date)
	assert.Equal(t, []string{"Hei!", "Jeg søker stillingen som utvikler.", "Mvh Ola"}, l.Paragraphs)
}

func TestRender_EscapesContent(t *testing.T) {
	g, err := NewGenerator(nil)
	require.NoError(t, err)

	html, err := g.Render(Letter{
		Name:       "Kari Nordmann",
		Contact:    []string{"kari@example.no", "+47 900 00 000"},
		Title:      "Utvikler",
		Company:    "Bølge & Co",
		Paragraphs: []string{"<script>alert(1)</script>"},
	})
	require.NoError(t, err)
	assert.Contains(t, html, "kari@example.no · +47 900 00 000")
	assert.Contains(t, html, "Bølge &amp; Co")
	assert.NotContains(t, html, "<script>alert")
}

func TestSaveToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "soknad.pdf")
	require.NoError(t, SaveToFile([]byte("%PDF-1.7"), out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
}
