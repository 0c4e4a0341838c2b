package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/optfleet/hive-gateway/internal/config"
)

// Catalog maps capability names to the endpoint ids that can service them.
type Catalog map[string][]string

// catalogResponse is the discovery source's wire format.
type catalogResponse struct {
	Capabilities []struct {
		Name      string   `json:"name"`
		Endpoints []string `json:"endpoints"`
	} `json:"capabilities"`
}

// Client discovers which capabilities are available and which endpoints
// service them. An unreachable discovery source is non-fatal: the client
// keeps serving the last good catalog and marks itself degraded.
type Client struct {
	mu          sync.RWMutex
	catalog     Catalog
	degraded    bool
	lastRefresh time.Time

	httpc *http.Client
	cfg   func() config.CapabilityConfig
}

func NewClient(cfg func() config.CapabilityConfig) *Client {
	c := &Client{
		cfg:     cfg,
		catalog: Catalog{},
		httpc:   &http.Client{},
	}
	c.seedStatic()
	return c
}

// seedStatic loads the statically configured catalog, used until the first
// successful discovery and merged under discovered entries afterwards.
func (c *Client) seedStatic() {
	static := c.cfg().Static
	if len(static) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, eps := range static {
		c.catalog[name] = append([]string(nil), eps...)
	}
}

// Refresh fetches the catalog from the discovery source. On failure the
// cached catalog stays in place and the client is marked degraded.
func (c *Client) Refresh(ctx context.Context) error {
	cfg := c.cfg()
	if cfg.DiscoveryURL == "" {
		return nil // static-only deployment
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	catalog, err := c.fetch(reqCtx, cfg.DiscoveryURL)
	if err != nil {
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		slog.Warn("capability discovery failed, serving cached catalog", "error", err)
		return err
	}

	for name, eps := range cfg.Static {
		if _, ok := catalog[name]; !ok {
			catalog[name] = append([]string(nil), eps...)
		}
	}

	c.mu.Lock()
	c.catalog = catalog
	c.degraded = false
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	slog.Info("capability catalog refreshed", "capabilities", len(catalog))
	return nil
}

func (c *Client) fetch(ctx context.Context, url string) (Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery source returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read discovery response: %w", err)
	}
	var parsed catalogResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse discovery response: %w", err)
	}

	catalog := make(Catalog, len(parsed.Capabilities))
	for _, entry := range parsed.Capabilities {
		catalog[entry.Name] = entry.Endpoints
	}
	return catalog, nil
}

// Start refreshes periodically until ctx is canceled.
func (c *Client) Start(ctx context.Context) {
	interval := c.cfg().RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			}
		}
	}()
}

// Discover returns the known capability names, sorted.
func (c *Client) Discover() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.catalog))
	for name := range c.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the candidate endpoint ids for a capability and whether
// the catalog is currently degraded (serving stale data).
func (c *Client) Resolve(capability string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	eps := c.catalog[capability]
	return append([]string(nil), eps...), c.degraded
}

// Degraded reports whether the last refresh failed.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}
