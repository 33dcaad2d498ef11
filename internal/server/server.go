// Package server exposes the HTTP surface: the chat webhook, the agent
// callback, the agent's TOTP pull endpoint and a health check. Webhooks are
// acknowledged at once and their work runs on the queue.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/cache"
	"go-soknad-automation/internal/ingest"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/orchestrator"
	"go-soknad-automation/internal/verification"
)

// Enqueuer is the background queue.
type Enqueuer interface {
	Submit(name string, fn func(ctx context.Context) error) error
}

type Machine interface {
	Generate(ctx context.Context, jobID string) (*models.Application, error)
	Approve(ctx context.Context, appID string) (*models.Application, error)
	DispatchSend(ctx context.Context, appID string) (*orchestrator.SendResult, error)
	Cancel(ctx context.Context, appID string) (*models.Application, error)
	Retry(ctx context.Context, appID string) (*models.Application, error)
	View(ctx context.Context, appID string) error
	RejectJob(ctx context.Context, jobID string) error
	HandleTaskUpdate(ctx context.Context, u automation.TaskUpdate) error
	OnCodeRequested(ctx context.Context, taskID, identifier string) error
}

type Relay interface {
	HandleCode(ctx context.Context, chatID int64, code string) (verification.Result, error)
	CodeForTask(ctx context.Context, taskID, identifier string) (*models.VerificationRequest, error)
}

type Registrar interface {
	AnswerOption(ctx context.Context, questionID string, n int) error
	AnswerLatest(ctx context.Context, userID, text string) (bool, error)
	AnswerNumber(ctx context.Context, userID, number string) (bool, error)
}

type Ingestor interface {
	SubmitURL(ctx context.Context, userID, url string) (*models.Job, error)
	Process(ctx context.Context, jobs []models.Job) int
}

type Reporter interface {
	Send(ctx context.Context, userID string, chatID int64) error
}

type Users interface {
	GetOrCreateUser(ctx context.Context, telegramID int64, username string) (*models.User, error)
}

// CallbackAnswerer stops the spinner on a pressed chat button.
type CallbackAnswerer interface {
	AnswerCallback(callbackID, text string) error
}

type Deps struct {
	Users     Users
	Machine   Machine
	Relay     Relay
	Registrar Registrar
	Ingest    Ingestor
	Reporter  Reporter
	// Scan runs a full feed ingestion for the user.
	Scan      func(ctx context.Context, userID string) (*ingest.Report, error)
	Notifier  notify.Notifier
	Callbacks CallbackAnswerer
	Queue     Enqueuer
	Idem      cache.Idempotency
}

type Options struct {
	Mode          string
	WebhookSecret string
	// AgentSigningKey verifies x-skyvern-signature on agent calls when set.
	AgentSigningKey string
	// AllowedChatID restricts commands to the owner's chat when set.
	AllowedChatID int64
}

type Server struct {
	deps   Deps
	opts   Options
	engine *gin.Engine
	log    *logger.Logger
}

const updateTTL = 24 * time.Hour

func New(deps Deps, opts Options, log *logger.Logger) *Server {
	if opts.Mode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{deps: deps, opts: opts, log: log.With("component", "server")}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Søknad automation API is running!",
			"status":  "healthy",
		})
	})
	r.GET("/healthz", s.health)
	r.POST("/webhook/telegram", s.telegramWebhook)
	r.POST("/webhook/agent", s.agentWebhook)
	r.POST("/totp", s.totp)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type metricsProvider interface {
	Metrics() map[string]int64
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if m, ok := s.deps.Queue.(metricsProvider); ok {
		resp["queue"] = m.Metrics()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

// enqueue claims key, then submits fn. A rejected submit gives the key back
// so the sender's retry is processed.
func (s *Server) enqueue(c *gin.Context, key, name string, fn func(ctx context.Context) error) {
	ctx := c.Request.Context()
	first, err := s.deps.Idem.Claim(ctx, key, updateTTL)
	if err != nil {
		// without the idempotency store a duplicate is better than a lost update
		s.log.Warn("idempotency check failed", "key", key, "error", err)
		first = true
	}
	if !first {
		s.log.Debug("duplicate delivery dropped", "key", key)
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	if err := s.deps.Queue.Submit(name, fn); err != nil {
		if rerr := s.deps.Idem.Release(ctx, key); rerr != nil {
			s.log.Warn("release idempotency key", "key", key, "error", rerr)
		}
		s.log.Error("enqueue failed", "job", name, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
