package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/telegram"
	"go-soknad-automation/internal/verification"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

func (s *Server) telegramWebhook(c *gin.Context) {
	if s.opts.WebhookSecret != "" {
		got := c.GetHeader(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
			return
		}
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}
	cmd, ok := telegram.Parse(update)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if s.opts.AllowedChatID != 0 && cmd.ChatID != s.opts.AllowedChatID {
		s.log.Warn("command from unknown chat", "chat_id", cmd.ChatID, "kind", cmd.Kind)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	key := "tg:" + strconv.Itoa(update.UpdateID)
	s.enqueue(c, key, "telegram:"+cmd.Kind.String(), func(ctx context.Context) error {
		return s.Dispatch(ctx, cmd)
	})
}

const helpText = `🤖 <b>Søknad bot</b>

/scan – look for new postings
/report – activity of the last 24h
/code 123456 – send a verification code

Paste a posting URL to add it. Use the buttons under each job to write, approve and send a søknad.`

// Dispatch runs one chat command. Failures are reported to the chat unless
// the workflow already told the user.
func (s *Server) Dispatch(ctx context.Context, cmd telegram.Command) error {
	if cmd.CallbackID != "" && s.deps.Callbacks != nil {
		if err := s.deps.Callbacks.AnswerCallback(cmd.CallbackID, ""); err != nil {
			s.log.Debug("answer callback", "error", err)
		}
	}

	user, err := s.deps.Users.GetOrCreateUser(ctx, cmd.ChatID, cmd.Username)
	if err != nil {
		return fmt.Errorf("resolve user for chat %d: %w", cmd.ChatID, err)
	}

	err = s.run(ctx, user, cmd)
	if err != nil && !alreadyNotified(err) {
		s.reply(ctx, cmd.ChatID, failureText(err))
	}
	if err != nil {
		s.log.Warn("command failed", "kind", cmd.Kind, "id", cmd.ID, "error", err)
	}
	return err
}

func (s *Server) run(ctx context.Context, user *models.User, cmd telegram.Command) error {
	switch cmd.Kind {
	case telegram.KindStart:
		s.reply(ctx, cmd.ChatID, helpText)
		return nil
	case telegram.KindScan:
		return s.scan(ctx, user, cmd.ChatID)
	case telegram.KindReport:
		return s.deps.Reporter.Send(ctx, user.ID, cmd.ChatID)
	case telegram.KindCode:
		return s.code(ctx, user, cmd)
	case telegram.KindLinkDone:
		res, err := s.deps.Relay.HandleCode(ctx, cmd.ChatID, "")
		if err == nil && res == verification.Ignored {
			s.reply(ctx, cmd.ChatID, "ℹ️ Nothing is waiting for a confirmation.")
		}
		return err
	case telegram.KindJobURL:
		_, err := s.deps.Ingest.SubmitURL(ctx, user.ID, cmd.Arg)
		if errors.Is(err, models.ErrDuplicateJob) {
			return nil
		}
		return err
	case telegram.KindText:
		answered, err := s.deps.Registrar.AnswerLatest(ctx, user.ID, cmd.Arg)
		if err == nil && !answered {
			s.reply(ctx, cmd.ChatID, "🤷 Not sure what to do with that. Send /start for help.")
		}
		return err
	case telegram.KindWrite:
		_, err := s.deps.Machine.Generate(ctx, cmd.ID)
		return err
	case telegram.KindApprove:
		_, err := s.deps.Machine.Approve(ctx, cmd.ID)
		return err
	case telegram.KindSend:
		_, err := s.deps.Machine.DispatchSend(ctx, cmd.ID)
		return err
	case telegram.KindCancel:
		_, err := s.deps.Machine.Cancel(ctx, cmd.ID)
		return err
	case telegram.KindRetry:
		_, err := s.deps.Machine.Retry(ctx, cmd.ID)
		return err
	case telegram.KindView:
		return s.deps.Machine.View(ctx, cmd.ID)
	case telegram.KindReject:
		return s.deps.Machine.RejectJob(ctx, cmd.ID)
	case telegram.KindAnalyze:
		s.deps.Ingest.Process(ctx, []models.Job{{ID: cmd.ID}})
		return nil
	case telegram.KindAnswer:
		return s.deps.Registrar.AnswerOption(ctx, cmd.ID, cmd.Option)
	case telegram.KindUnknown:
		s.reply(ctx, cmd.ChatID, "❓ Unknown command. Send /start for help.")
		return nil
	}
	return fmt.Errorf("unhandled command kind %s", cmd.Kind)
}

// code feeds a numeric message to the verification relay. When no code is
// expected, a bare number may still answer a question that asked for a
// number; /code never does.
func (s *Server) code(ctx context.Context, user *models.User, cmd telegram.Command) error {
	res, err := s.deps.Relay.HandleCode(ctx, cmd.ChatID, cmd.Arg)
	if err != nil || res != verification.Ignored {
		return err
	}
	if !cmd.Explicit {
		answered, err := s.deps.Registrar.AnswerNumber(ctx, user.ID, cmd.Arg)
		if err != nil || answered {
			return err
		}
	}
	s.reply(ctx, cmd.ChatID, "ℹ️ No code is expected right now.")
	return nil
}

func (s *Server) scan(ctx context.Context, user *models.User, chatID int64) error {
	if s.deps.Scan == nil {
		s.reply(ctx, chatID, "ℹ️ No feed is configured.")
		return nil
	}
	s.reply(ctx, chatID, "🔎 Scanning…")
	rep, err := s.deps.Scan(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	s.reply(ctx, chatID, fmt.Sprintf("✅ Scan finished: %d postings, %d new, %d already seen, %d filtered out.",
		rep.Received, len(rep.Created), rep.Seen+rep.Duplicates, rep.Filtered))
	return nil
}

// alreadyNotified reports errors the workflows announce themselves.
func alreadyNotified(err error) bool {
	return errors.Is(err, models.ErrGeneration) ||
		errors.Is(err, models.ErrManualActionRequired) ||
		errors.Is(err, models.ErrAutomationFailure)
}

func failureText(err error) string {
	var te *models.TransitionError
	switch {
	case errors.Is(err, models.ErrAlreadySending):
		return "⏳ This application is already being sent."
	case errors.As(err, &te):
		return fmt.Sprintf("⚠️ Not possible while the %s is <b>%s</b>.", te.Entity, notify.Escape(te.From))
	case errors.Is(err, models.ErrInvalidTransition):
		return "⚠️ " + notify.Escape(err.Error())
	case errors.Is(err, models.ErrQuestionExpired):
		return "⌛ That question timed out, the registration will not use the answer."
	case errors.Is(err, models.ErrNotFound):
		return "🔍 That item no longer exists."
	case errors.Is(err, models.ErrStaleState):
		return "🔄 It changed in the meantime, please try again."
	}
	return "⚠️ Something went wrong: " + notify.Escape(err.Error())
}

func (s *Server) reply(ctx context.Context, chatID int64, text string) {
	if err := s.deps.Notifier.Send(ctx, notify.Message{ChatID: chatID, Text: text}); err != nil {
		s.log.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}
