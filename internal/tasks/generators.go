package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lavendersentinel/paperline/internal/config"
	"github.com/lavendersentinel/paperline/internal/job"
)

// Generator produces an artifact (summary or comic) for a paper.
type Generator interface {
	Generate(ctx context.Context, paperID string) error
}

// HTTPGenerator calls an external generation service: POST {paper_id} to
// its URL and treat a 2xx response as the artifact being produced.
type HTTPGenerator struct {
	client *http.Client
	url    string
	kind   string
	logger *slog.Logger
}

// NewHTTPGenerator creates a generator client for one callout endpoint.
// kind names the artifact in logs and errors ("summary", "comic").
func NewHTTPGenerator(kind string, cfg config.CalloutConfig, logger *slog.Logger) *HTTPGenerator {
	return &HTTPGenerator{
		client: &http.Client{Timeout: cfg.Timeout},
		url:    cfg.URL,
		kind:   kind,
		logger: logger,
	}
}

type generateRequest struct {
	PaperID string `json:"paper_id"`
}

// Generate requests artifact generation and classifies the outcome.
func (g *HTTPGenerator) Generate(ctx context.Context, paperID string) error {
	body, err := json.Marshal(generateRequest{PaperID: paperID})
	if err != nil {
		return job.Permanent(fmt.Errorf("failed to encode %s request: %w", g.kind, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return job.Permanent(fmt.Errorf("failed to build %s request: %w", g.kind, err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return job.Transient(fmt.Errorf("%s service unreachable: %w", g.kind, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(resp.StatusCode,
			fmt.Errorf("%s service returned %d for %s: %s", g.kind, resp.StatusCode, paperID, detail))
	}

	g.logger.Info("Artifact generated",
		slog.String("kind", g.kind),
		slog.String("paper_id", paperID),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// GeneratorHandler adapts a Generator into a job handler.
func GeneratorHandler(g Generator) func(ctx context.Context, paperID string) error {
	return func(ctx context.Context, paperID string) error {
		return g.Generate(ctx, paperID)
	}
}
