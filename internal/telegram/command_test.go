package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/notify"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseText(t *testing.T) {
	tests := []struct {
		in       string
		kind     Kind
		arg      string
		explicit bool
	}{
		{"/start", KindStart, "", false},
		{"/scan@soknad_bot", KindScan, "", false},
		{"/report", KindReport, "", false},
		{"/code 482913", KindCode, "482913", true},
		{"/code abc", KindUnknown, "/code abc", false},
		{"482913", KindCode, "482913", false},
		{"482 913", KindCode, "482913", false},
		{"123", KindText, "123", false},
		{"123456789", KindText, "123456789", false},
		{"Ferdig", KindLinkDone, "", false},
		{"готово", KindLinkDone, "", false},
		{"https://www.finn.no/job/fulltime/ad.html?finnkode=123456789", KindJobURL, "https://www.finn.no/job/fulltime/ad.html?finnkode=123456789", false},
		{"Jeg kan starte 1. mars", KindText, "Jeg kan starte 1. mars", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cmd := ParseText(tt.in)
			assert.Equal(t, tt.kind, cmd.Kind)
			assert.Equal(t, tt.arg, cmd.Arg)
			assert.Equal(t, tt.explicit, cmd.Explicit)
		})
	}
}

func TestParseCallback(t *testing.T) {
	cmd, err := ParseCallback("approve:0b8c2c0e-5d0f-4e8e-9b7e-2f0d8c1a9f11")
	require.NoError(t, err)
	assert.Equal(t, KindApprove, cmd.Kind)
	assert.Equal(t, "0b8c2c0e-5d0f-4e8e-9b7e-2f0d8c1a9f11", cmd.ID)

	cmd, err = ParseCallback(AnswerData("q1", 2))
	require.NoError(t, err)
	assert.Equal(t, KindAnswer, cmd.Kind)
	assert.Equal(t, "q1", cmd.ID)
	assert.Equal(t, 2, cmd.Option)

	assert.Equal(t, "regq:q1:2", AnswerData("q1", 2))

	for _, bad := range []string{"", "approve", "approve:", "launch:1", "regq:q1", "regq:q1:x"} {
		_, err := ParseCallback(bad)
		assert.Error(t, err, bad)
	}

	for verb, kind := range callbackKinds {
		cmd, err := ParseCallback(CallbackData(kind, "id-1"))
		require.NoError(t, err, verb)
		assert.Equal(t, kind, cmd.Kind)
	}
}

func TestParseUpdate(t *testing.T) {
	var u tgbotapi.Update
	require.NoError(t, json.Unmarshal([]byte(`{
		"update_id": 10,
		"callback_query": {
			"id": "cb1",
			"from": {"id": 77, "username": "ola"},
			"message": {"message_id": 5, "chat": {"id": 77}},
			"data": "send:app-1"
		}
	}`), &u))

	cmd, ok := Parse(u)
	require.True(t, ok)
	assert.Equal(t, KindSend, cmd.Kind)
	assert.Equal(t, "app-1", cmd.ID)
	assert.Equal(t, int64(77), cmd.ChatID)
	assert.Equal(t, "cb1", cmd.CallbackID)
	assert.Equal(t, 10, cmd.UpdateID)

	_, ok = Parse(tgbotapi.Update{UpdateID: 11})
	assert.False(t, ok)
}

func TestBotSend(t *testing.T) {
	var (
		mu    sync.Mutex
		calls = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls[method] = string(body)
		mu.Unlock()
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"username":"soknad_bot"}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":42}}}`))
		}
	}))
	defer srv.Close()

	bot, err := newBot(config.TelegramConfig{Token: "t", ChatID: 42}, srv.URL+"/bot%s/%s", srv.Client(), logger.Nop())
	require.NoError(t, err)

	err = bot.Send(context.Background(), notify.Message{
		Text:    "<b>Hei</b>",
		Buttons: [][]notify.Button{notify.Row(notify.Button{Text: "Approve", Data: "approve:a1"})},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	sent := calls["sendMessage"]
	assert.Contains(t, sent, "chat_id=42")
	assert.Contains(t, sent, "parse_mode=HTML")
	assert.Contains(t, sent, "approve%3Aa1")
}
