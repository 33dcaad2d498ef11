package browser

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"go-soknad-automation/internal/logger"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

type Options struct {
	Headless bool
	Cookies  []playwright.OptionalCookie
}

// PlaywrightManager owns one Playwright driver and one Chromium instance.
type PlaywrightManager struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	cookies []playwright.OptionalCookie
	log     *logger.Logger
}

// NewPlaywright starts the driver and launches Chromium. The driver must be
// installed (go run github.com/playwright-community/playwright-go/cmd/playwright install chromium).
func NewPlaywright(ctx context.Context, opts Options, log *logger.Logger) (*PlaywrightManager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	return &PlaywrightManager{
		pw:      pw,
		browser: b,
		cookies: opts.Cookies,
		log:     log.With("component", "browser"),
	}, nil
}

// NewContext opens an isolated context with the Norwegian locale and the loaded cookies.
func (pm *PlaywrightManager) NewContext() (playwright.BrowserContext, error) {
	bc, err := pm.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(userAgent),
		Locale:    playwright.String("nb-NO"),
		Viewport:  &playwright.Size{Width: 1366, Height: 900},
	})
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	if len(pm.cookies) > 0 {
		if err := bc.AddCookies(pm.cookies); err != nil {
			pm.log.Warn("failed to add cookies", "count", len(pm.cookies), "error", err)
		}
	}
	// hide navigator.webdriver
	if err := bc.AddInitScript(playwright.Script{
		Content: playwright.String(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`),
	}); err != nil {
		pm.log.Debug("init script rejected", "error", err)
	}
	return bc, nil
}

func (pm *PlaywrightManager) Close() error {
	var firstErr error
	if pm.browser != nil {
		if err := pm.browser.Close(); err != nil {
			firstErr = err
		}
	}
	if pm.pw != nil {
		if err := pm.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
