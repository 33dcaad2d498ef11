// Command scan runs one feed ingestion outside the server: it stores new
// postings, analyzes them, announces them in the chat and writes a summary
// to logs/.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-soknad-automation/internal/ai"
	"go-soknad-automation/internal/browser"
	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/dedup"
	"go-soknad-automation/internal/filter"
	"go-soknad-automation/internal/ingest"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/telegram"
)

type scanResult struct {
	Timestamp  string       `json:"timestamp"`
	Source     string       `json:"source"`
	Received   int          `json:"received"`
	Seen       int          `json:"seen"`
	Filtered   int          `json:"filtered"`
	Duplicates int          `json:"duplicates"`
	Failed     int          `json:"failed"`
	Analyzed   int          `json:"analyzed"`
	Jobs       []models.Job `json:"jobs"`
}

func main() {
	feed := flag.String("feed", "", "feed file (defaults to FEED_PATH)")
	noBrowser := flag.Bool("no-browser", false, "skip FINN page inspection")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	path := *feed
	if path == "" {
		path = cfg.FeedPath
	}
	if path == "" {
		log.Fatal("no feed given, pass -feed or set FEED_PATH")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	repo, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("❌ database", "error", err)
	}
	defer repo.Close()

	bot, err := telegram.NewBot(cfg.Telegram, log)
	if err != nil {
		log.Fatal("❌ telegram", "error", err)
	}
	user, err := repo.GetOrCreateUser(ctx, cfg.Telegram.ChatID, "")
	if err != nil {
		log.Fatal("❌ user", "error", err)
	}

	var inspector ingest.PageInspector
	if !*noBrowser {
		cookies, err := browser.LoadCookies(filepath.Join(cfg.CookiesPath, "cookies-finn.json"))
		if err != nil {
			log.Warn("⚠️ could not load FINN cookies, continuing", "error", err)
		}
		pm, err := browser.NewPlaywright(ctx, browser.Options{Headless: true, Cookies: cookies}, log)
		if err != nil {
			log.Warn("⚠️ browser unavailable, FINN postings stay unclassified", "error", err)
		} else {
			defer pm.Close()
			inspector = browser.NewInspector(pm, 45*time.Second, browser.NewScreenshotDebugger("logs/screenshots", log), log)
		}
	}

	svc, err := ingest.NewService(repo, ai.NewOpenAIClient(cfg.AI, log), filter.NewMatcher(cfg.Filter),
		dedup.NewSeenCache(cfg.CachePath, log), ingest.NewDetector(inspector), bot,
		ingest.Options{MaxConcurrent: 3}, log)
	if err != nil {
		log.Fatal("❌ ingest", "error", err)
	}

	src := ingest.NewFileSource(path)
	postings, err := src.Fetch(ctx)
	if err != nil {
		log.Fatal("❌ feed", "error", err)
	}
	log.Info("📦 postings loaded", "source", src.Name(), "count", len(postings))

	rep, err := svc.Ingest(ctx, user.ID, postings)
	if err != nil {
		log.Fatal("❌ ingest", "error", err)
	}
	analyzed := svc.Process(ctx, rep.Created)
	log.Info("✅ scan finished", "new", len(rep.Created), "analyzed", analyzed)

	saveResults(scanResult{
		Timestamp:  time.Now().Format(time.RFC3339),
		Source:     src.Name(),
		Received:   rep.Received,
		Seen:       rep.Seen,
		Filtered:   rep.Filtered,
		Duplicates: rep.Duplicates,
		Failed:     rep.Failed,
		Analyzed:   analyzed,
		Jobs:       rep.Created,
	}, log)
}

func saveResults(res scanResult, log *logger.Logger) {
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Warn("⚠️ could not create logs dir", "error", err)
		return
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Warn("⚠️ could not encode results", "error", err)
		return
	}
	name := filepath.Join("logs", fmt.Sprintf("scan-%s.json", time.Now().Format("20060102-150405")))
	if err := os.WriteFile(name, data, 0644); err != nil {
		log.Warn("⚠️ could not write results", "error", err)
		return
	}
	log.Info("💾 results saved", "file", name)
}
