// Command inspect opens a posting in the browser and prints how its
// application form would be classified.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go-soknad-automation/internal/browser"
	"go-soknad-automation/internal/ingest"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
)

func main() {
	cookiesPath := flag.String("cookies", "", "cookie export to load")
	headful := flag.Bool("headful", false, "show the browser window")
	shots := flag.String("screenshots", "logs/screenshots", "screenshot directory")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: inspect [flags] <posting-url>")
		os.Exit(2)
	}
	url := flag.Arg(0)

	log, err := logger.New("dev")
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	opts := browser.Options{Headless: !*headful}
	if *cookiesPath != "" {
		cookies, err := browser.LoadCookies(*cookiesPath)
		if err != nil {
			log.Fatal("failed to load cookies", "error", err)
		}
		fmt.Printf("✅ Loaded %d cookies\n", len(cookies))
		opts.Cookies = cookies
	}

	pm, err := browser.NewPlaywright(ctx, opts, log)
	if err != nil {
		log.Fatal("failed to start playwright", "error", err)
	}
	defer pm.Close()
	fmt.Println("✅ Playwright started")

	inspector := browser.NewInspector(pm, 45*time.Second, browser.NewScreenshotDebugger(*shots, log), log)
	job := &models.Job{URL: url}
	formType, applyURL, err := ingest.NewDetector(inspector).Detect(ctx, job)
	if err != nil {
		log.Fatal("inspection failed", "error", err)
	}

	fmt.Printf("🔍 %s\n", url)
	fmt.Printf("📝 Form type: %s\n", formType)
	if applyURL != "" {
		fmt.Printf("🔗 Apply URL: %s\n", applyURL)
	}
}
