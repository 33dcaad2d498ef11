package registration

import (
	"strings"

	"go-soknad-automation/internal/dedup"
)

var siteNames = []struct {
	fragment string
	name     string
}{
	{"webcruiter", "Webcruiter"},
	{"easycruit", "Easycruit"},
	{"reachmee", "ReachMee"},
	{"jobylon", "Jobylon"},
	{"teamtailor", "Teamtailor"},
	{"lever.co", "Lever"},
	{"recman", "Recman"},
	{"cvpartner", "CV Partner"},
	{"talenttech", "TalentTech"},
	{"varbi", "Varbi"},
	{"hrmanager", "HR Manager"},
}

// SiteName is the display name for a recruitment domain.
func SiteName(domain string) string {
	d := strings.ToLower(domain)
	for _, s := range siteNames {
		if strings.Contains(d, s.fragment) {
			return s.name
		}
	}
	return strings.TrimPrefix(d, "www.")
}

// DomainOf is the credential key for a URL: host without "www.".
func DomainOf(rawURL string) string {
	return dedup.Domain(rawURL)
}
