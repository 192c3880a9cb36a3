package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InboundEnvelope is the routed shape of a new_inbound_message payload.
type InboundEnvelope struct {
	TenantRoutingID string    `json:"tenant_routing_id"`
	Contacts        []Contact `json:"contacts"`
	Messages        []Message `json:"messages"`
}

// Contact identifies the sender on the channel.
type Contact struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Message is one channel message; only text messages are handled.
type Message struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

// parseEnvelope decodes and sanity-checks an inbound payload, returning the
// sender and the text body. Non-text first messages are not an error shape;
// the caller skips them.
func parseEnvelope(payload string) (*InboundEnvelope, error) {
	var env InboundEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("decode inbound envelope: %w", err)
	}
	if strings.TrimSpace(env.TenantRoutingID) == "" {
		return nil, fmt.Errorf("inbound envelope missing tenant_routing_id")
	}
	if len(env.Contacts) == 0 || strings.TrimSpace(env.Contacts[0].Address) == "" {
		return nil, fmt.Errorf("inbound envelope missing sender contact")
	}
	if len(env.Messages) == 0 {
		return nil, fmt.Errorf("inbound envelope has no messages")
	}
	return &env, nil
}

// firstText returns the first text message body, or "" when the envelope
// carries only unsupported message types.
func (e *InboundEnvelope) firstText() string {
	for _, m := range e.Messages {
		if m.Type == "text" && strings.TrimSpace(m.Body) != "" {
			return m.Body
		}
	}
	return ""
}

func (e *InboundEnvelope) sender() Contact {
	return e.Contacts[0]
}
