package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go-soknad-automation/internal/ai"
	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/browser"
	"go-soknad-automation/internal/cache"
	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/database"
	"go-soknad-automation/internal/dedup"
	"go-soknad-automation/internal/filter"
	"go-soknad-automation/internal/ingest"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/orchestrator"
	"go-soknad-automation/internal/queue"
	"go-soknad-automation/internal/reconciler"
	"go-soknad-automation/internal/registration"
	"go-soknad-automation/internal/reporter"
	"go-soknad-automation/internal/server"
	"go-soknad-automation/internal/skyvern"
	"go-soknad-automation/internal/telegram"
	"go-soknad-automation/internal/verification"
)

func main() {
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

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", "error", err)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	log.Info("✅ database ready")

	bot, err := telegram.NewBot(cfg.Telegram, log)
	if err != nil {
		return err
	}

	gateway := ai.NewOpenAIClient(cfg.AI, log)
	dispatcher := automation.NewDispatcher(skyvern.NewClient(cfg.Agent, log), automation.Options{
		WebhookURL:    cfg.WebhookURL("/webhook/agent"),
		TOTPURL:       cfg.WebhookURL("/totp"),
		ProxyLocation: cfg.Agent.ProxyLocation,
		MaxSteps:      cfg.Agent.MaxSteps,
	}, log)

	relay := verification.NewRelay(repo, bot, cfg.Registration.VerificationTimeout, log)
	engine := registration.NewEngine(repo, dispatcher, relay, bot, cfg.Registration, log)
	machine := orchestrator.New(repo, gateway, dispatcher, engine, relay, bot, orchestrator.Options{
		MinDescriptionLength: cfg.Automation.MinDescriptionLength,
		TaskTimeout:          cfg.Automation.TaskTimeout,
		CancelTimeout:        10 * time.Second,
		Finn:                 cfg.Finn,
	}, log)
	relay.Register(models.TargetRegistration, engine)
	relay.OnExpired(models.TargetRegistration, engine.OnVerificationExpired)
	relay.Register(models.TargetApplication, machine)
	relay.OnExpired(models.TargetApplication, machine.OnVerificationExpired)
	engine.OnFinished(machine.OnFlowFinished)

	var inspector ingest.PageInspector
	if pm, err := startBrowser(ctx, cfg, log); err != nil {
		log.Warn("⚠️ browser unavailable, FINN postings stay unclassified", "error", err)
	} else {
		defer pm.Close()
		inspector = browser.NewInspector(pm, 45*time.Second, browser.NewScreenshotDebugger(filepath.Join("logs", "screenshots"), log), log)
	}

	ingestor, err := ingest.NewService(repo, gateway, filter.NewMatcher(cfg.Filter),
		dedup.NewSeenCache(cfg.CachePath, log), ingest.NewDetector(inspector), bot,
		ingest.Options{MaxConcurrent: 3}, log)
	if err != nil {
		return err
	}

	idem, closeIdem, err := openIdempotency(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeIdem()

	jobs := queue.New(cfg.Worker, log)
	jobs.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		jobs.Stop(stopCtx)
	}()

	go reconciler.Standard(relay, engine, machine, cfg.Automation, log).Start(ctx)

	srv := server.New(server.Deps{
		Users:     repo,
		Machine:   machine,
		Relay:     relay,
		Registrar: engine,
		Ingest:    ingestor,
		Reporter:  reporter.New(repo, bot, log),
		Scan:      feedScan(cfg.FeedPath, ingestor),
		Notifier:  bot,
		Callbacks: bot,
		Queue:     jobs,
		Idem:      idem,
	}, server.Options{
		Mode:            cfg.Mode,
		WebhookSecret:   cfg.Telegram.WebhookSecret,
		AgentSigningKey: cfg.Agent.APIKey,
		AllowedChatID:   cfg.Telegram.ChatID,
	}, log)

	if hook := cfg.WebhookURL("/webhook/telegram"); hook != "" {
		if err := bot.SetWebhook(hook, cfg.Telegram.WebhookSecret); err != nil {
			return fmt.Errorf("set telegram webhook: %w", err)
		}
		log.Info("🤖 telegram webhook registered", "url", hook)
	} else {
		log.Warn("⚠️ PUBLIC_URL not set, telegram and agent callbacks will not reach this server")
	}

	log.Info("🚀 søknad automation starting", "port", cfg.Port, "mode", cfg.Mode)
	return srv.Run(ctx, ":"+cfg.Port)
}

func startBrowser(ctx context.Context, cfg *config.Config, log *logger.Logger) (*browser.PlaywrightManager, error) {
	cookies, err := browser.LoadCookies(filepath.Join(cfg.CookiesPath, "cookies-finn.json"))
	if err != nil {
		log.Warn("⚠️ could not load FINN cookies, continuing without", "error", err)
	}
	return browser.NewPlaywright(ctx, browser.Options{Headless: true, Cookies: cookies}, log)
}

func openIdempotency(ctx context.Context, cfg *config.Config, log *logger.Logger) (cache.Idempotency, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("idempotency keys kept in memory")
		return cache.NewMemoryStore(), func() {}, nil
	}
	rs, err := cache.NewRedisStore(ctx, cfg.RedisAddr, log)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}

// feedScan ingests the configured feed file and analyzes what is new.
func feedScan(path string, svc *ingest.Service) func(ctx context.Context, userID string) (*ingest.Report, error) {
	if path == "" {
		return nil
	}
	src := ingest.NewFileSource(path)
	return func(ctx context.Context, userID string) (*ingest.Report, error) {
		postings, err := src.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		rep, err := svc.Ingest(ctx, userID, postings)
		if err != nil {
			return rep, err
		}
		svc.Process(ctx, rep.Created)
		return rep, nil
	}
}
