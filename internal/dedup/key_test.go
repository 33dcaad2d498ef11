package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"finnkode query", "https://www.finn.no/job/fulltime/ad.html?finnkode=345678901", "finn:345678901"},
		{"finn job path", "https://www.finn.no/job/345678901", "finn:345678901"},
		{"finn ad path", "https://www.finn.no/job/ad/345678901?utm_source=x", "finn:345678901"},
		{"finn ad dot", "https://finn.no/ad.345678901", "finn:345678901"},
		{"finn slug path", "https://www.finn.no/job/utvikler-bergen/345678901", "finn:345678901"},
		{"tracking stripped", "http://www.Webcruiter.no/Wcmain/AdvertViewPublic.aspx?utm_source=li&company_id=1&advertid=9#apply", "https://webcruiter.no/Wcmain/AdvertViewPublic.aspx?advertid=9&company_id=1"},
		{"trailing slash", "https://jobs.lever.co/acme/123/", "https://jobs.lever.co/acme/123"},
		{"non finn digits untouched", "https://example.com/jobs/12345678", "https://example.com/jobs/12345678"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.url))
		})
	}
}

func TestKey_SamePostingDifferentURLs(t *testing.T) {
	a := Key("https://www.finn.no/job/fulltime/ad.html?finnkode=345678901&utm_campaign=mail")
	b := Key("https://finn.no/job/345678901")
	assert.Equal(t, a, b)
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "webcruiter.no", Domain("https://www.WEBCRUITER.no/x"))
	assert.Equal(t, "attract.reachmee.com", Domain("https://attract.reachmee.com/a?b=c"))
	assert.Equal(t, "", Domain("::"))
}
