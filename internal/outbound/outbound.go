// Package outbound delivers messages to end users over messaging channels.
// The only wired channel is the WhatsApp Cloud API; dev mode replaces the
// HTTP call with a logged simulation.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ChannelWhatsApp is the channel name routed to the WhatsApp sender.
const ChannelWhatsApp = "whatsapp"

// SendPayload is the execute_channel_send task payload: an opaque channel
// envelope plus routing config.
type SendPayload struct {
	Data   json.RawMessage `json:"data"`
	Config SendConfig      `json:"config"`
}

// SendConfig routes a send to a channel on behalf of a tenant.
type SendConfig struct {
	Channel  string `json:"channel"`
	TenantID string `json:"tenant_id"`
}

// Validate rejects payloads missing required routing fields.
func (p *SendPayload) Validate() error {
	if len(p.Data) == 0 {
		return fmt.Errorf("send payload missing data")
	}
	if strings.TrimSpace(p.Config.Channel) == "" {
		return fmt.Errorf("send payload missing channel")
	}
	if strings.TrimSpace(p.Config.TenantID) == "" {
		return fmt.Errorf("send payload missing tenant_id")
	}
	return nil
}

// TextEnvelope builds a WhatsApp Cloud API text message envelope.
func TextEnvelope(to, body string) (json.RawMessage, error) {
	env := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal text envelope: %w", err)
	}
	return raw, nil
}

// Config configures the WhatsApp sender.
type Config struct {
	// GraphBaseURL overrides the Graph API origin, mainly for tests.
	GraphBaseURL string `yaml:"graph_base_url"`
	// APIVersion is the Graph API version segment.
	APIVersion string `yaml:"api_version"`
	// DevMode skips the HTTP call and logs the would-be delivery.
	DevMode bool `yaml:"dev_mode"`
	// Timeout bounds one delivery attempt.
	Timeout time.Duration `yaml:"timeout"`
}

// WhatsAppSender posts message envelopes to the WhatsApp Cloud API.
type WhatsAppSender struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func NewWhatsAppSender(cfg Config, log *slog.Logger) *WhatsAppSender {
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v22.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Send posts the envelope from the tenant's channel identity. routingID is
// the tenant's sender number id on the channel; accessToken authorizes it.
func (s *WhatsAppSender) Send(ctx context.Context, routingID, accessToken string, envelope json.RawMessage) error {
	if strings.TrimSpace(routingID) == "" {
		return fmt.Errorf("whatsapp send: missing routing id")
	}

	if s.cfg.DevMode {
		s.log.Info("dev mode: simulated whatsapp delivery",
			"routing_id", routingID, "envelope", string(envelope))
		return nil
	}

	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("whatsapp send: missing access token")
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.cfg.GraphBaseURL, s.cfg.APIVersion, routingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post whatsapp message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("whatsapp API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.log.Info("whatsapp message delivered", "routing_id", routingID, "status", resp.StatusCode)
	return nil
}
