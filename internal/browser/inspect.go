package browser

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"go-soknad-automation/internal/logger"
)

// Link is a clickable element found on a posting page.
type Link struct {
	Text string
	Href string
}

// Inspection is what a posting page reveals about how to apply.
type Inspection struct {
	EasyApply bool
	ApplyURL  string
	Email     string
}

var easyApplyLabels = []string{"enkel søknad", "enkel soknad"}

var applyLabels = []string{
	"søk her",
	"søk på stillingen",
	"søk stillingen",
	"gå til søknad",
	"send søknad",
	"søk nå",
	"apply",
	"apply now",
}

// normalizeText strips diacritics, lower-cases and collapses whitespace.
// ø and æ have no decomposition and survive.
func normalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

func labelMatches(text string, labels []string) bool {
	n := normalizeText(text)
	if n == "" {
		return false
	}
	for _, l := range labels {
		nl := normalizeText(l)
		if n == nl || strings.HasPrefix(n, nl+" ") {
			return true
		}
	}
	return false
}

// Analyze decides from the page's links. The easy-apply button wins over any
// external link; the first labelled apply link wins over mailto targets.
func Analyze(links []Link) Inspection {
	var in Inspection
	for _, l := range links {
		href := strings.TrimSpace(l.Href)
		switch {
		case labelMatches(l.Text, easyApplyLabels):
			in.EasyApply = true
		case strings.HasPrefix(strings.ToLower(href), "mailto:"):
			if in.Email == "" {
				addr, _, _ := strings.Cut(href[len("mailto:"):], "?")
				in.Email = addr
			}
		case in.ApplyURL == "" && labelMatches(l.Text, applyLabels) && strings.HasPrefix(href, "http"):
			in.ApplyURL = href
		}
	}
	if in.EasyApply {
		in.ApplyURL = ""
	}
	return in
}

const collectLinksJS = `() => Array.from(document.querySelectorAll('a, button')).map(e => ({
	text: (e.innerText || e.textContent || '').trim(),
	href: e.href || ''
}))`

// Inspector opens postings in a fresh context and reports their apply options.
type Inspector struct {
	pm      *PlaywrightManager
	timeout time.Duration
	shots   *ScreenshotDebugger
	log     *logger.Logger
}

func NewInspector(pm *PlaywrightManager, timeout time.Duration, shots *ScreenshotDebugger, log *logger.Logger) *Inspector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Inspector{pm: pm, timeout: timeout, shots: shots, log: log.With("component", "inspector")}
}

func (i *Inspector) Inspect(ctx context.Context, url string) (*Inspection, error) {
	bc, err := i.pm.NewContext()
	if err != nil {
		return nil, err
	}
	defer bc.Close()

	page, err := bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}

	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(i.timeout.Milliseconds())),
	}); err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	RandomDelay(ctx, 800, 1600)
	if err := HumanScroll(ctx, page); err != nil {
		i.log.Debug("scroll failed", "url", url, "error", err)
	}

	raw, err := page.Evaluate(collectLinksJS)
	if err != nil {
		i.shots.CaptureAndLog(page, "inspect_failed", "could not read links from posting")
		return nil, fmt.Errorf("collect links on %s: %w", url, err)
	}

	res := Analyze(decodeLinks(raw))
	if !res.EasyApply && res.ApplyURL == "" && res.Email == "" {
		i.shots.CaptureAndLog(page, "no_apply_option", "no apply option found on posting")
	}
	i.log.Debug("posting inspected", "url", url, "easy_apply", res.EasyApply, "apply_url", res.ApplyURL)
	return &res, nil
}

func decodeLinks(raw any) []Link {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	links := make([]Link, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		href, _ := m["href"].(string)
		links = append(links, Link{Text: text, Href: href})
	}
	return links
}
