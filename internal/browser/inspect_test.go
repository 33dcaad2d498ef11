package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "enkel søknad", normalizeText("  Enkel  Søknad "))
	assert.Equal(t, "ga til søknad", normalizeText("Gå til søknad"))
	assert.Equal(t, "", normalizeText("   "))
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name  string
		links []Link
		want  Inspection
	}{
		{
			name:  "easy apply button",
			links: []Link{{Text: "Lagre"}, {Text: "ENKEL SØKNAD"}, {Text: "Søk her", Href: "https://x.webcruiter.no/1"}},
			want:  Inspection{EasyApply: true},
		},
		{
			name: "external apply link",
			links: []Link{
				{Text: "Les mer", Href: "https://www.finn.no/om"},
				{Text: "Søk på stillingen", Href: "https://acme.teamtailor.com/jobs/42"},
				{Text: "Apply", Href: "https://other.example/apply"},
			},
			want: Inspection{ApplyURL: "https://acme.teamtailor.com/jobs/42"},
		},
		{
			name:  "mailto",
			links: []Link{{Text: "jobb@acme.no", Href: "mailto:jobb@acme.no?subject=Søknad"}},
			want:  Inspection{Email: "jobb@acme.no"},
		},
		{
			name:  "label prefix only",
			links: []Link{{Text: "Søknadsfrist", Href: "https://acme.no"}, {Text: "Apply now for this job", Href: "https://acme.no/apply"}},
			want:  Inspection{ApplyURL: "https://acme.no/apply"},
		},
		{
			name:  "nothing",
			links: []Link{{Text: "Del annonsen", Href: "https://facebook.com"}},
			want:  Inspection{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Analyze(tt.links))
		})
	}
}

func TestDecodeLinks(t *testing.T) {
	raw := []any{
		map[string]any{"text": "Søk her", "href": "https://a.no"},
		"garbage",
		map[string]any{"text": "Enkel søknad"},
	}
	assert.Equal(t, []Link{{Text: "Søk her", Href: "https://a.no"}, {Text: "Enkel søknad"}}, decodeLinks(raw))
	assert.Nil(t, decodeLinks(nil))
}
