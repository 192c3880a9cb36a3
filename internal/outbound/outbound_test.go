package outbound_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/concierge/internal/outbound"
)

func TestTextEnvelopeShape(t *testing.T) {
	raw, err := outbound.TextEnvelope("15551234567", "your order shipped")
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}

	var env struct {
		MessagingProduct string `json:"messaging_product"`
		To               string `json:"to"`
		Type             string `json:"type"`
		Text             struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.MessagingProduct != "whatsapp" || env.To != "15551234567" ||
		env.Type != "text" || env.Text.Body != "your order shipped" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestSendPayloadValidate(t *testing.T) {
	valid := outbound.SendPayload{
		Data:   json.RawMessage(`{}`),
		Config: outbound.SendConfig{Channel: "whatsapp", TenantID: "t1"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	cases := []struct {
		name    string
		payload outbound.SendPayload
	}{
		{"missing data", outbound.SendPayload{Config: outbound.SendConfig{Channel: "whatsapp", TenantID: "t1"}}},
		{"missing channel", outbound.SendPayload{Data: json.RawMessage(`{}`), Config: outbound.SendConfig{TenantID: "t1"}}},
		{"missing tenant", outbound.SendPayload{Data: json.RawMessage(`{}`), Config: outbound.SendConfig{Channel: "whatsapp"}}},
	}
	for _, tc := range cases {
		if err := tc.payload.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestSendDevModeSkipsHTTP(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hit = true
	}))
	defer srv.Close()

	s := outbound.NewWhatsAppSender(outbound.Config{GraphBaseURL: srv.URL, DevMode: true}, nil)
	if err := s.Send(context.Background(), "10001", "", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("dev mode send: %v", err)
	}
	if hit {
		t.Fatalf("dev mode must not reach the API")
	}
}

func TestSendPostsEnvelopeWithAuth(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := outbound.NewWhatsAppSender(outbound.Config{GraphBaseURL: srv.URL, APIVersion: "v22.0"}, nil)
	envelope := json.RawMessage(`{"to": "15551234567"}`)
	if err := s.Send(context.Background(), "10001", "secret-token", envelope); err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotPath != "/v22.0/10001/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody != `{"to": "15551234567"}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad token"}}`))
	}))
	defer srv.Close()

	s := outbound.NewWhatsAppSender(outbound.Config{GraphBaseURL: srv.URL}, nil)
	err := s.Send(context.Background(), "10001", "stale", json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("error %q missing status or body", err)
	}
}

func TestSendRequiresRoutingIDAndToken(t *testing.T) {
	s := outbound.NewWhatsAppSender(outbound.Config{}, nil)

	if err := s.Send(context.Background(), "", "token", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for missing routing id")
	}
	if err := s.Send(context.Background(), "10001", "", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for missing access token")
	}
}
