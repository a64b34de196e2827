package trunk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Default cadence and budget for inventory refreshes.
const (
	DefaultFetchInterval = 30 * time.Second
	fetchTimeout         = 10 * time.Second
)

// inventoryResponse is the wire format of the trunk inventory endpoint.
type inventoryResponse struct {
	Success bool                        `json:"success"`
	Trunks  map[string][]inventoryTrunk `json:"trunks"`
}

// inventoryTrunk is one trunk row as the inventory endpoint reports it.
// SipPhone may hold several comma-separated numbers.
type inventoryTrunk struct {
	SipID       string `json:"sip_id"`
	SipPhone    string `json:"sip_phone"`
	SipVerified bool   `json:"sip_verified"`
}

// Fetcher periodically pulls the trunk inventory and applies it to the store.
type Fetcher struct {
	url      string
	store    *Store
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewFetcher creates an inventory fetcher polling url every
// DefaultFetchInterval.
func NewFetcher(url string, store *Store, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		url:      url,
		store:    store,
		interval: DefaultFetchInterval,
		client:   &http.Client{Timeout: fetchTimeout},
		logger:   logger.With("subsystem", "trunk-inventory"),
	}
}

// Run fetches once immediately, then on every tick until the context ends.
func (f *Fetcher) Run(ctx context.Context) {
	f.logger.Info("starting trunk inventory fetcher",
		"url", f.url,
		"interval", f.interval.String(),
	)

	if err := f.Refresh(ctx); err != nil {
		f.logger.Error("initial inventory fetch failed", "error", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.Error("inventory fetch failed", "error", err)
			}
		}
	}
}

// Refresh fetches the inventory once and replaces the store's contents.
func (f *Fetcher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("inventory: creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("inventory: fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inventory: endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("inventory: reading response: %w", err)
	}

	var inv inventoryResponse
	if err := json.Unmarshal(body, &inv); err != nil {
		return fmt.Errorf("inventory: decoding response: %w", err)
	}
	if !inv.Success {
		return fmt.Errorf("inventory: endpoint reported failure")
	}

	usersToTrunks := make(map[string][]Trunk, len(inv.Trunks))
	for token, rows := range inv.Trunks {
		owned := make([]Trunk, 0, len(rows))
		for _, row := range rows {
			if row.SipID == "" {
				continue
			}
			owned = append(owned, Trunk{
				ID:           row.SipID,
				PhoneNumbers: SplitNumbers(row.SipPhone),
				Verified:     row.SipVerified,
			})
		}
		usersToTrunks[token] = owned
	}

	f.store.UpdateInventory(usersToTrunks)
	return nil
}
