package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/lectern/internal/events"
)

// ErrInvalidWebhook is returned for URLs that are not Discord webhook URLs.
var ErrInvalidWebhook = errors.New("notify: invalid discord webhook url")

const (
	embedColorGreen = 0x2ECC71
	embedColorRed   = 0xE74C3C
	embedColorGrey  = 0x95A5A6
)

// maxDescription is Discord's embed description limit.
const maxDescription = 4096

// DiscordWebhook posts job events to a Discord channel webhook.
type DiscordWebhook struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
}

// DiscordOption configures a [DiscordWebhook].
type DiscordOption func(*DiscordWebhook)

// WithHTTPClient sets the HTTP client used for webhook requests.
func WithHTTPClient(c *http.Client) DiscordOption {
	return func(d *DiscordWebhook) {
		if c != nil {
			d.session.Client = c
		}
	}
}

// WithUsername overrides the name shown as the message author. Default:
// "lectern".
func WithUsername(name string) DiscordOption {
	return func(d *DiscordWebhook) {
		d.username = name
	}
}

// NewDiscordWebhook creates a sender for webhookURL, which has the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordWebhook(webhookURL string, opts ...DiscordOption) (*DiscordWebhook, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution is authorised by the token in the path; the session
	// carries no bot token.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	session.ShouldRetryOnRateLimit = true
	session.MaxRestRetries = 2

	d := &DiscordWebhook{session: session, id: id, token: token, username: "lectern"}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// ParseWebhookURL extracts the webhook id and token from a webhook URL.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidWebhook, u.Scheme)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "webhooks" && i+2 < len(parts) {
			id, token = parts[i+1], parts[i+2]
			break
		}
	}
	if id == "" || token == "" {
		return "", "", fmt.Errorf("%w: %s has no webhook id and token", ErrInvalidWebhook, u.Redacted())
	}
	return id, token, nil
}

// Send implements [Sender].
func (d *DiscordWebhook) Send(ctx context.Context, e events.Event) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Username: d.username,
		Embeds:   []*discordgo.MessageEmbed{Embed(e)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord webhook: %w", err)
	}
	return nil
}

// Embed renders e as a Discord embed.
func Embed(e events.Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Track", Value: orDash(e.TrackID), Inline: true},
			{Name: "Job", Value: orDash(e.JobID), Inline: true},
		},
	}
	if !e.Time.IsZero() {
		embed.Timestamp = e.Time.UTC().Format(time.RFC3339)
	}

	switch e.Kind {
	case events.KindCompleted:
		embed.Title = "Transcription completed"
		embed.Color = embedColorGreen
	case events.KindFailed:
		embed.Title = "Transcription failed"
		embed.Color = embedColorRed
		embed.Description = truncate(e.Message, maxDescription)
	default:
		embed.Title = "Transcription " + string(e.Kind)
		embed.Color = embedColorGrey
		embed.Description = truncate(e.Message, maxDescription)
	}
	return embed
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
