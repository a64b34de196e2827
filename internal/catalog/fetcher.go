package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Default cadence and budget for catalog refreshes.
const (
	DefaultFetchInterval = 5 * time.Minute
	fetchTimeout         = 10 * time.Second
)

// Fetcher periodically pulls the campaign catalog and applies it.
type Fetcher struct {
	url      string
	catalog  *Catalog
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewFetcher creates a catalog fetcher polling url every
// DefaultFetchInterval.
func NewFetcher(url string, catalog *Catalog, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		url:      url,
		catalog:  catalog,
		interval: DefaultFetchInterval,
		client:   &http.Client{Timeout: fetchTimeout},
		logger:   logger.With("subsystem", "catalog-fetch"),
	}
}

// Run fetches once immediately, then on every tick until the context ends.
func (f *Fetcher) Run(ctx context.Context) {
	f.logger.Info("starting catalog fetcher",
		"url", f.url,
		"interval", f.interval.String(),
	)

	if err := f.Refresh(ctx); err != nil {
		f.logger.Error("initial catalog fetch failed", "error", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.Error("catalog fetch failed", "error", err)
			}
		}
	}
}

// Refresh fetches the catalog once and replaces the in-memory map.
func (f *Fetcher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("catalog: creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog: endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("catalog: reading response: %w", err)
	}

	var campaigns map[string]map[string]ActionSpec
	if err := json.Unmarshal(body, &campaigns); err != nil {
		return fmt.Errorf("catalog: decoding response: %w", err)
	}

	f.catalog.Replace(campaigns)
	return nil
}
