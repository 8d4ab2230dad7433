// Package tasks implements the job handlers: downloading paper PDFs,
// calling out to the summary and comic generators, and pulling new papers
// from arXiv. Every handler takes the subject ID the job operates on and
// classifies its failures so the retry policy can tell a flaky upstream
// from a paper that will never download.
package tasks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lavendersentinel/paperline/internal/config"
	"github.com/lavendersentinel/paperline/internal/job"
)

// PDFDownloader fetches a paper's PDF and stores it under Dir. Downloads
// are idempotent: re-running a job overwrites the same file, so a retried
// or duplicated download converges on one artifact.
type PDFDownloader struct {
	client  *http.Client
	baseURL string
	dir     string
	logger  *slog.Logger
}

// NewPDFDownloader creates a PDFDownloader from the pdf service config.
func NewPDFDownloader(cfg config.PDFServiceConfig, logger *slog.Logger) *PDFDownloader {
	return &PDFDownloader{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		dir:     cfg.Dir,
		logger:  logger,
	}
}

// Handle downloads the PDF for paperID. The body streams to a temp file in
// the target directory and only a successful download is renamed into
// place, so readers never observe a partial PDF.
func (d *PDFDownloader) Handle(ctx context.Context, paperID string) error {
	url := fmt.Sprintf("%s/%s.pdf", d.baseURL, paperID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return job.Permanent(fmt.Errorf("failed to build download request: %w", err))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return job.Transient(fmt.Errorf("pdf download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, fmt.Errorf("pdf source returned %d for %s", resp.StatusCode, paperID))
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return job.Transient(fmt.Errorf("failed to create pdf directory: %w", err))
	}

	tmp, err := os.CreateTemp(d.dir, "download-*.pdf")
	if err != nil {
		return job.Transient(fmt.Errorf("failed to create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return job.Transient(fmt.Errorf("failed to write pdf: %w", err))
	}

	final := d.Path(paperID)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return job.Transient(fmt.Errorf("failed to move pdf into place: %w", err))
	}

	d.logger.Info("PDF downloaded",
		slog.String("paper_id", paperID),
		slog.Int64("bytes", written),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Path returns where the PDF for paperID is stored.
func (d *PDFDownloader) Path(paperID string) string {
	return filepath.Join(d.dir, paperID+".pdf")
}

// classifyStatus maps an HTTP status to a failure kind: server-side and
// rate-limit statuses are worth retrying, other client errors are not.
func classifyStatus(status int, err error) error {
	switch {
	case status >= 500,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return job.Transient(err)
	default:
		return job.Permanent(err)
	}
}
