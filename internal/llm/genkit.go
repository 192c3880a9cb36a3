package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GatewayConfig configures the Gemini generation gateway.
type GatewayConfig struct {
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}

const defaultModel = "gemini-2.0-flash"

// GenkitGateway generates text through genkit with the GoogleAI plugin.
type GenkitGateway struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitGateway initializes genkit for Gemini. The API key comes from
// config or the GEMINI_API_KEY environment variable; without one the
// gateway refuses to start rather than degrade silently.
func NewGenkitGateway(ctx context.Context, cfg GatewayConfig) (*GenkitGateway, error) {
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModel
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey != "" {
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
	} else if os.Getenv("GEMINI_API_KEY") == "" {
		return nil, fmt.Errorf("init generation gateway: GEMINI_API_KEY not set")
	}

	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel("googleai/"+modelID),
	)
	slog.Info("generation gateway initialized", "model", "googleai/"+modelID)
	return &GenkitGateway{g: g, model: "googleai/" + modelID}, nil
}

// Generate runs one unstructured completion.
func (gw *GenkitGateway) Generate(ctx context.Context, system, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("generate: empty prompt")
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(gw.model),
		ai.WithPrompt(prompt),
	}
	if system = strings.TrimSpace(system); system != "" {
		// Escape % so ai.WithSystem's Sprintf path cannot corrupt the prompt.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}

	resp, err := genkit.Generate(ctx, gw.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// GenerateStructured runs a completion whose output must satisfy the
// validator's schema. Invalid output triggers bounded repair rounds that
// feed the validation error back to the model.
func (gw *GenkitGateway) GenerateStructured(ctx context.Context, system, prompt string, v *Validator) (json.RawMessage, error) {
	if v == nil {
		return nil, fmt.Errorf("generate structured: nil validator")
	}

	fullPrompt := fmt.Sprintf(
		"%s\n\nRespond with a single JSON document matching this JSON Schema, and nothing else:\n%s",
		prompt, string(v.SchemaJSON()))

	text, err := gw.Generate(ctx, system, fullPrompt)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		doc, checkErr := v.Check(text)
		if checkErr == nil {
			return doc, nil
		}
		lastErr = checkErr
		if attempt >= v.MaxRepairs() {
			break
		}

		slog.Warn("structured output invalid, repairing", "attempt", attempt+1, "error", checkErr)
		repairPrompt := fmt.Sprintf(
			"Your previous response was rejected: %s\n\n"+
				"Previous response:\n%s\n\n"+
				"Reply again with a single JSON document matching this JSON Schema, and nothing else:\n%s",
			checkErr, text, string(v.SchemaJSON()))
		text, err = gw.Generate(ctx, system, repairPrompt)
		if err != nil {
			return nil, fmt.Errorf("repair generate: %w", err)
		}
	}
	return nil, fmt.Errorf("structured output invalid after %d repairs: %w", v.MaxRepairs(), lastErr)
}
