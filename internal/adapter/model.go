package adapter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nidhogg/foreman/internal/provider"
	"go.uber.org/zap"
)

// placeholderRe matches ${key} references in prompt templates.
var placeholderRe = regexp.MustCompile(`\$\{(\w+)\}`)

// ModelAdapter invokes an LLM backend through the provider router. The
// prompt template references context keys as ${key}; the response text is
// merged back under "text".
type ModelAdapter struct {
	name       string
	router     *provider.Router
	providerID string
	model      string
	system     string
	timeout    time.Duration
	logger     *zap.Logger
}

// ModelConfig describes one model-call backend.
type ModelConfig struct {
	Name       string
	ProviderID string
	Model      string
	System     string
	Timeout    time.Duration
}

// NewModelAdapter creates a model-call adapter.
func NewModelAdapter(cfg ModelConfig, router *provider.Router, logger *zap.Logger) *ModelAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ModelAdapter{
		name:       cfg.Name,
		router:     router,
		providerID: cfg.ProviderID,
		model:      cfg.Model,
		system:     cfg.System,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

func (a *ModelAdapter) Name() string { return a.name }

// Invoke renders the prompt from the context and calls the backend with a
// bounded timeout.
func (a *ModelAdapter) Invoke(ctx context.Context, in map[string]any) (map[string]any, error) {
	prompt, ok := in["prompt"].(string)
	if !ok || prompt == "" {
		return nil, fmt.Errorf("%w: node produced no prompt", ErrRejected)
	}
	prompt = RenderTemplate(prompt, in)

	var messages []provider.Message
	if a.system != "" {
		messages = append(messages, provider.Message{Role: "system", Content: a.system})
	}
	messages = append(messages, provider.Message{Role: "user", Content: prompt})

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.router.Route(callCtx, a.providerID, &provider.ChatRequest{
		Model:    a.model,
		Messages: messages,
	})
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{"text": resp.Content}, nil
}

// RenderTemplate substitutes ${key} placeholders with context values.
// Unknown keys render empty.
func RenderTemplate(tmpl string, in map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := in[key]; ok {
			return fmt.Sprint(v)
		}
		return ""
	})
}

// classify maps backend errors onto the adapter taxonomy: client errors are
// rejections, everything else is a transient outage.
func classify(err error) error {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429 {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
