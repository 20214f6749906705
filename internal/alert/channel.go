package alert

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// Channel is one alert destination. Payload runs once per alert; the
// dispatcher reuses the bytes across delivery attempts.
type Channel interface {
	Name() string
	Endpoint() string
	Payload(a *models.Alert) ([]byte, error)
}

// Discord delivers alerts to a webhook as an embed.
type Discord struct {
	webhookURL string
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{webhookURL: webhookURL}
}

func (d *Discord) Name() string     { return "discord" }
func (d *Discord) Endpoint() string { return d.webhookURL }

func (d *Discord) Payload(a *models.Alert) ([]byte, error) {
	body, err := json.Marshal(buildEmbed(a))
	if err != nil {
		return nil, fmt.Errorf("discord payload: %w", err)
	}
	return body, nil
}

// Telegram delivers alerts through the bot sendMessage API.
type Telegram struct {
	apiBase string
	token   string
	chatID  string
}

// NewTelegram builds the channel. apiBase is overridable for tests;
// empty means the public Bot API host.
func NewTelegram(apiBase, token, chatID string) *Telegram {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Telegram{apiBase: apiBase, token: token, chatID: chatID}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Endpoint() string {
	return fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
}

func (t *Telegram) Payload(a *models.Alert) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     buildTelegramText(a),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram payload: %w", err)
	}
	return body, nil
}
