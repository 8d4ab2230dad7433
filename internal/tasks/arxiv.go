package tasks

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lavendersentinel/paperline/internal/config"
	"github.com/lavendersentinel/paperline/internal/job"
)

// Paper is one entry from the arXiv feed.
type Paper struct {
	ID        string
	Title     string
	Published time.Time
}

// Crawler lists papers newly published on a given day.
type Crawler interface {
	FetchNew(ctx context.Context, day string) ([]Paper, error)
}

// ArxivCrawler queries the arXiv export API's Atom feed.
type ArxivCrawler struct {
	client     *http.Client
	baseURL    string
	query      string
	maxResults int
	logger     *slog.Logger
}

// NewArxivCrawler creates a crawler from the arxiv config section.
func NewArxivCrawler(cfg config.ArxivConfig, logger *slog.Logger) *ArxivCrawler {
	return &ArxivCrawler{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		query:      cfg.Query,
		maxResults: cfg.MaxResults,
		logger:     logger,
	}
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Published string `xml:"published"`
}

// FetchNew queries the configured category sorted by submission date and
// returns the entries published on day (YYYY-MM-DD).
func (c *ArxivCrawler) FetchNew(ctx context.Context, day string) ([]Paper, error) {
	params := url.Values{}
	params.Set("search_query", c.query)
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")
	params.Set("max_results", fmt.Sprintf("%d", c.maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("failed to build arxiv query: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, job.Transient(fmt.Errorf("arxiv query failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("arxiv returned %d", resp.StatusCode))
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, job.Transient(fmt.Errorf("failed to decode arxiv feed: %w", err))
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		published, err := time.Parse(time.RFC3339, entry.Published)
		if err != nil {
			continue
		}
		if published.UTC().Format("2006-01-02") != day {
			continue
		}
		papers = append(papers, Paper{
			ID:        arxivIDFromURL(entry.ID),
			Title:     strings.TrimSpace(entry.Title),
			Published: published,
		})
	}
	return papers, nil
}

// arxivIDFromURL strips the abs URL prefix and version suffix:
// http://arxiv.org/abs/2401.12345v2 -> 2401.12345.
func arxivIDFromURL(raw string) string {
	id := raw
	if idx := strings.LastIndex(raw, "/abs/"); idx >= 0 {
		id = raw[idx+len("/abs/"):]
	}
	if idx := strings.LastIndex(id, "v"); idx > 0 {
		version := id[idx+1:]
		numeric := len(version) > 0
		for _, r := range version {
			if r < '0' || r > '9' {
				numeric = false
				break
			}
		}
		if numeric {
			id = id[:idx]
		}
	}
	return id
}

// IngestHandler fetches the day's new papers and logs what it found. The
// subject of a daily ingest job is the date bucket the scheduler fired for.
func IngestHandler(c Crawler, logger *slog.Logger) func(ctx context.Context, day string) error {
	return func(ctx context.Context, day string) error {
		papers, err := c.FetchNew(ctx, day)
		if err != nil {
			return err
		}
		logger.Info("Daily ingest fetched papers",
			slog.String("day", day),
			slog.Int("count", len(papers)),
		)
		return nil
	}
}
