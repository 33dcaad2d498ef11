package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-soknad-automation/internal/automation"
	"go-soknad-automation/internal/models"
	"go-soknad-automation/internal/notify"
	"go-soknad-automation/internal/telegram"
)

// ask records one question per missing field. Fields the profile can answer
// are resolved at once; the rest go to the human. When nothing is left open
// the task is restarted with the answers.
func (e *Engine) ask(ctx context.Context, flow *models.RegistrationFlow, missing []automation.MissingField) error {
	existing, err := e.store.ListQuestions(ctx, flow.ID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, q := range existing {
		known[q.FieldName] = true
	}

	profile, err := e.store.GetActiveProfile(ctx, flow.UserID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("load profile: %w", err)
	}

	now := e.now()
	created := 0
	var asked []*models.RegistrationQuestion
	for _, m := range missing {
		field := strings.TrimSpace(m.Field)
		if field == "" || known[field] {
			continue
		}
		known[field] = true

		q := &models.RegistrationQuestion{
			FlowID:       flow.ID,
			FieldName:    field,
			QuestionText: m.Question,
			Options:      m.Options,
			Status:       models.QuestionPending,
			TimeoutAt:    now.Add(e.cfg.QuestionTimeout),
			CreatedAt:    now,
		}
		if q.QuestionText == "" {
			q.QuestionText = fmt.Sprintf("What should I enter for %q?", field)
		}
		if profile != nil {
			if v, ok := profile.Lookup(field); ok {
				q.Answer = v
				q.Source = "profile"
				q.Status = models.QuestionAnswered
				q.AnsweredAt = &now
			}
		}
		if err := e.store.CreateQuestion(ctx, q); err != nil {
			return fmt.Errorf("create question %s: %w", field, err)
		}
		created++
		if q.Status == models.QuestionPending {
			asked = append(asked, q)
		}
	}

	if created == 0 {
		e.fail(ctx, flow.ID, "agent keeps reporting fields that were already answered")
		return nil
	}
	for _, q := range asked {
		e.sendMessage(ctx, questionMessage(e.chatID(ctx, flow.UserID), flow, q))
	}
	e.log.Info("registration questions recorded", "flow_id", flow.ID, "missing", len(missing), "asked", len(asked))
	return e.resumeIfAnswered(ctx, flow.ID)
}

func questionMessage(chatID int64, flow *models.RegistrationFlow, q *models.RegistrationQuestion) notify.Message {
	text := fmt.Sprintf("❓ <b>%s registration needs input</b>\n%s", notify.Escape(flow.SiteName), notify.Escape(q.QuestionText))
	msg := notify.Message{ChatID: chatID}
	switch {
	case len(q.Options) > 0:
		msg.Text = text
		for i, opt := range q.Options {
			msg.Buttons = append(msg.Buttons, notify.Row(notify.Button{
				Text: opt,
				Data: telegram.AnswerData(q.ID, i),
			}))
		}
	case q.Numeric():
		msg.Text = text + "\n\nReply with a number."
	default:
		msg.Text = text + "\n\nReply with the answer."
	}
	return msg
}

// AnswerQuestion records a human answer, remembers it in the profile and
// restarts the task once the flow has no open questions.
func (e *Engine) AnswerQuestion(ctx context.Context, questionID, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fmt.Errorf("empty answer for question %s", questionID)
	}
	now := e.now()
	q, err := e.store.UpdateQuestion(ctx, questionID, func(q *models.RegistrationQuestion) error {
		if q.Status != models.QuestionPending {
			return &models.TransitionError{Entity: "question", ID: q.ID, From: string(q.Status), To: string(models.QuestionAnswered)}
		}
		if !now.Before(q.TimeoutAt) {
			return fmt.Errorf("question %s timed out: %w", q.ID, models.ErrQuestionExpired)
		}
		q.Answer = answer
		q.Source = "human"
		q.Status = models.QuestionAnswered
		q.AnsweredAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	flow, err := e.store.GetFlow(ctx, q.FlowID)
	if err != nil {
		return err
	}
	if profile, err := e.store.GetActiveProfile(ctx, flow.UserID); err == nil {
		profile.Remember(q.FieldName, answer)
		if err := e.store.SaveProfileAnswers(ctx, profile.ID, profile.Answers); err != nil {
			e.log.Warn("save profile answer", "field", q.FieldName, "error", err)
		}
	}
	return e.resumeIfAnswered(ctx, flow.ID)
}

// AnswerOption answers with the option at index n.
func (e *Engine) AnswerOption(ctx context.Context, questionID string, n int) error {
	q, err := e.store.GetQuestion(ctx, questionID)
	if err != nil {
		return err
	}
	if n < 0 || n >= len(q.Options) {
		return fmt.Errorf("question %s has no option %d", questionID, n)
	}
	return e.AnswerQuestion(ctx, questionID, q.Options[n])
}

// AnswerLatest treats free chat text as the answer to the user's newest open
// question. It reports false when nothing was waiting.
func (e *Engine) AnswerLatest(ctx context.Context, userID, text string) (bool, error) {
	q, err := e.store.LatestPendingQuestion(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, e.AnswerQuestion(ctx, q.ID, text)
}

// AnswerNumber answers the newest open question with a bare number, but only
// when that question asked for one. Any other number is left alone.
func (e *Engine) AnswerNumber(ctx context.Context, userID, number string) (bool, error) {
	q, err := e.store.LatestPendingQuestion(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !q.Numeric() {
		return false, nil
	}
	return true, e.AnswerQuestion(ctx, q.ID, number)
}

func (e *Engine) resumeIfAnswered(ctx context.Context, flowID string) error {
	questions, err := e.store.ListQuestions(ctx, flowID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	for _, q := range questions {
		if !q.Resolved() {
			return nil
		}
	}
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	// Only restart once the previous task has ended.
	if flow.Status != models.FlowInProgress || !automation.Status(flow.TaskStatus).Terminal() {
		return nil
	}
	e.log.Info("all questions answered, restarting registration", "flow_id", flowID)
	return e.Run(ctx, flowID)
}
