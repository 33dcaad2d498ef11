package telegram

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Kind tags a parsed chat command.
type Kind int

const (
	KindUnknown Kind = iota
	KindStart
	KindScan
	KindReport
	KindCode
	KindLinkDone
	KindJobURL
	KindText
	KindWrite
	KindApprove
	KindSend
	KindCancel
	KindRetry
	KindView
	KindReject
	KindAnalyze
	KindAnswer
)

var kindNames = map[Kind]string{
	KindUnknown:  "unknown",
	KindStart:    "start",
	KindScan:     "scan",
	KindReport:   "report",
	KindCode:     "code",
	KindLinkDone: "link_done",
	KindJobURL:   "job_url",
	KindText:     "text",
	KindWrite:    "write",
	KindApprove:  "approve",
	KindSend:     "send",
	KindCancel:   "cancel",
	KindRetry:    "retry",
	KindView:     "view",
	KindReject:   "reject",
	KindAnalyze:  "analyze",
	KindAnswer:   "regq",
}

func (k Kind) String() string { return kindNames[k] }

// callbackKinds are the button verbs; each carries one entity id.
var callbackKinds = map[string]Kind{
	"write":   KindWrite,
	"approve": KindApprove,
	"send":    KindSend,
	"cancel":  KindCancel,
	"retry":   KindRetry,
	"view":    KindView,
	"reject":  KindReject,
	"analyze": KindAnalyze,
}

// Command is one inbound chat event, reduced to what handlers need.
type Command struct {
	Kind       Kind
	UpdateID   int
	ChatID     int64
	UserID     int64
	Username   string
	CallbackID string

	// ID is the Job, Application or RegistrationQuestion the command targets.
	ID     string
	Option int
	// Arg is the code, URL or free text.
	Arg string
	// Explicit marks a code sent with /code rather than as a bare number.
	Explicit bool
}

var (
	codePattern = regexp.MustCompile(`^\d{4,8}$`)
	linkDone    = map[string]bool{"done": true, "ferdig": true, "готово": true}
)

// Parse reduces an update to a Command. ok is false for updates with nothing to act on.
func Parse(u tgbotapi.Update) (Command, bool) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		cmd, err := ParseCallback(q.Data)
		if err != nil {
			cmd = Command{Kind: KindUnknown, Arg: q.Data}
		}
		cmd.UpdateID = u.UpdateID
		cmd.CallbackID = q.ID
		if q.From != nil {
			cmd.UserID = q.From.ID
			cmd.Username = q.From.UserName
		}
		if q.Message != nil && q.Message.Chat != nil {
			cmd.ChatID = q.Message.Chat.ID
		}
		return cmd, true
	case u.Message != nil && u.Message.Text != "":
		m := u.Message
		cmd := ParseText(m.Text)
		cmd.UpdateID = u.UpdateID
		if m.Chat != nil {
			cmd.ChatID = m.Chat.ID
		}
		if m.From != nil {
			cmd.UserID = m.From.ID
			cmd.Username = m.From.UserName
		}
		return cmd, true
	}
	return Command{}, false
}

// ParseText classifies a plain chat message.
func ParseText(text string) Command {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") {
		name, args, _ := strings.Cut(text[1:], " ")
		name, _, _ = strings.Cut(name, "@") // /scan@my_bot
		args = strings.TrimSpace(args)
		switch strings.ToLower(name) {
		case "start", "help":
			return Command{Kind: KindStart}
		case "scan":
			return Command{Kind: KindScan}
		case "report":
			return Command{Kind: KindReport}
		case "code":
			if codePattern.MatchString(args) {
				return Command{Kind: KindCode, Arg: args, Explicit: true}
			}
			return Command{Kind: KindUnknown, Arg: text}
		}
		return Command{Kind: KindUnknown, Arg: text}
	}

	compact := strings.ReplaceAll(text, " ", "")
	switch {
	case codePattern.MatchString(compact):
		return Command{Kind: KindCode, Arg: compact}
	case linkDone[strings.ToLower(text)]:
		return Command{Kind: KindLinkDone}
	case isURL(text):
		return Command{Kind: KindJobURL, Arg: text}
	}
	return Command{Kind: KindText, Arg: text}
}

// ParseCallback decodes button data: "<verb>:<id>" or "regq:<questionID>:<option>".
func ParseCallback(data string) (Command, error) {
	verb, rest, ok := strings.Cut(data, ":")
	if !ok || rest == "" {
		return Command{}, fmt.Errorf("malformed callback %q", data)
	}
	if verb == KindAnswer.String() {
		id, opt, ok := strings.Cut(rest, ":")
		if !ok || id == "" {
			return Command{}, fmt.Errorf("malformed answer callback %q", data)
		}
		n, err := strconv.Atoi(opt)
		if err != nil || n < 0 {
			return Command{}, fmt.Errorf("bad option in %q", data)
		}
		return Command{Kind: KindAnswer, ID: id, Option: n}, nil
	}
	kind, ok := callbackKinds[verb]
	if !ok {
		return Command{}, fmt.Errorf("unknown callback verb %q", verb)
	}
	return Command{Kind: kind, ID: rest}, nil
}

// CallbackData builds the payload ParseCallback understands. Every button
// the bot sends is built here or by AnswerData.
func CallbackData(kind Kind, id string) string {
	return kind.String() + ":" + id
}

func AnswerData(questionID string, option int) string {
	return fmt.Sprintf("%s:%s:%d", KindAnswer, questionID, option)
}

func isURL(s string) bool {
	if strings.ContainsAny(s, " \n\t") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
