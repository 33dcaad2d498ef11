package dedup

import (
	"net/url"
	"regexp"
	"slices"
	"strings"
)

var finnCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[?&]finnkode=(\d+)`),
	regexp.MustCompile(`/job/(\d{8,})(?:\.html|\?|$)`),
	regexp.MustCompile(`/ad[/.](\d{8,})(?:\?|$)`),
	regexp.MustCompile(`/job/[^/]+/(\d{8,})(?:\?|$)`),
	regexp.MustCompile(`/(\d{8,})(?:\?|$)`),
}

var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "ref": true, "source": true, "mc_cid": true, "mc_eid": true,
}

// FinnCode extracts FINN's numeric ad id from a posting URL.
func FinnCode(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !isFinnHost(u.Hostname()) {
		return "", false
	}
	for _, re := range finnCodePatterns {
		if m := re.FindStringSubmatch(rawURL); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func isFinnHost(host string) bool {
	host = strings.ToLower(host)
	return host == "finn.no" || strings.HasSuffix(host, ".finn.no")
}

// Key derives the dedup key for a posting: "finn:<code>" for FINN ads,
// otherwise the normalized URL.
func Key(rawURL string) string {
	if code, ok := FinnCode(rawURL); ok {
		return "finn:" + code
	}
	return Normalize(rawURL)
}

// Normalize canonicalizes a URL: lower-case host without "www.", no fragment,
// no tracking params, sorted query, no trailing slash.
func Normalize(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			q.Del(key)
		}
	}
	for _, vals := range q {
		slices.Sort(vals)
	}
	u.RawQuery = q.Encode() // Encode sorts by key

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// Domain returns the host of rawURL, lower-cased, without "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
