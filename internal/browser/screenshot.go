package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/playwright-community/playwright-go"

	"go-soknad-automation/internal/logger"
)

// ScreenshotDebugger saves full-page screenshots when an inspection goes wrong.
// A zero-value directory disables it.
type ScreenshotDebugger struct {
	outputDir string
	log       *logger.Logger
}

func NewScreenshotDebugger(dir string, log *logger.Logger) *ScreenshotDebugger {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Warn("failed to create screenshot directory", "dir", dir, "error", err)
			dir = ""
		}
	}
	return &ScreenshotDebugger{outputDir: dir, log: log}
}

func (s *ScreenshotDebugger) CaptureAndLog(page playwright.Page, name, message string) {
	if s == nil || s.outputDir == "" {
		return
	}
	file := filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.png", name, time.Now().Format("2006-01-02_15-04-05")))
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(file),
		FullPage: playwright.Bool(true),
	}); err != nil {
		s.log.Warn("failed to capture screenshot", "name", name, "error", err)
		return
	}
	s.log.Info(message, "screenshot", file)
}
