package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts via the Telegram Bot API.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	p        poster
}

// NewTelegramNotifier creates a Telegram notifier for a bot token and chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL:  telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		p:        newPoster(),
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("%s *%s*\n\n%s", levelMark(alert.Level), escapeMarkdown(alert.Title), escapeMarkdown(alert.Message))
	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}

	code, err := t.p.post(ctx, t.baseURL+"/bot"+t.botToken+"/sendMessage", payload)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if code != 200 {
		return fmt.Errorf("telegram: unexpected status %d", code)
	}
	slog.Debug("telegram alert sent", "title", alert.Title)
	return nil
}

func levelMark(l AlertLevel) string {
	switch l {
	case AlertWarning:
		return "⚠️"
	case AlertCritical:
		return "\U0001f6a8"
	}
	return "\U0001f4c8"
}

var markdownEscaper = strings.NewReplacer(
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
