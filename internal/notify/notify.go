// Package notify is the outbound human channel. Messages use Telegram's HTML subset.
package notify

import (
	"context"
	"html"
	"sync"
)

// Button is an inline button. Data is a callback payload; URL opens a link instead.
type Button struct {
	Text string
	Data string
	URL  string
}

type Message struct {
	ChatID  int64
	Text    string
	Buttons [][]Button
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Escape makes s safe inside an HTML-mode message.
func Escape(s string) string { return html.EscapeString(s) }

// Row is shorthand for a single keyboard row.
func Row(buttons ...Button) []Button { return buttons }

// Recorder keeps every message in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

var _ Notifier = (*Recorder)(nil)

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *Recorder) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}
