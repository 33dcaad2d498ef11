package telegram

import (
	"context"
	"fmt"
	"net/http"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/notify"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const defaultEndpoint = tgbotapi.APIEndpoint

type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    *logger.Logger
}

var _ notify.Notifier = (*Bot)(nil)

func NewBot(cfg config.TelegramConfig, log *logger.Logger) (*Bot, error) {
	return newBot(cfg, defaultEndpoint, http.DefaultClient, log)
}

func newBot(cfg config.TelegramConfig, endpoint string, client tgbotapi.HTTPClient, log *logger.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	//turn this on in case of debug
	//api.Debug = true

	return &Bot{
		api:    api,
		chatID: cfg.ChatID,
		log:    log.With("component", "telegram"),
	}, nil
}

// Send delivers msg in HTML mode. A zero ChatID goes to the configured chat.
func (b *Bot) Send(ctx context.Context, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID := msg.ChatID
	if chatID == 0 {
		chatID = b.chatID
	}

	out := tgbotapi.NewMessage(chatID, msg.Text)
	out.ParseMode = tgbotapi.ModeHTML
	out.DisableWebPagePreview = true
	if len(msg.Buttons) > 0 {
		out.ReplyMarkup = keyboard(msg.Buttons)
	}

	if _, err := b.api.Send(out); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// AnswerCallback stops the client-side spinner on a pressed button.
func (b *Bot) AnswerCallback(callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// SetWebhook registers url with Telegram. The secret comes back in the
// X-Telegram-Bot-Api-Secret-Token header of every update.
func (b *Bot) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if _, err := b.api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	b.log.Info("webhook registered", "url", url)
	return nil
}

func keyboard(rows [][]notify.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			if btn.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(btn.Text, btn.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}
