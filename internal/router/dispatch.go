package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/optfleet/hive-gateway/internal/registry"
)

// Dispatcher invokes an endpoint with an opaque payload. The deadline rides
// on ctx; implementations must honor it.
type Dispatcher interface {
	Call(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error)
}

// HTTPDispatcher calls endpoints over HTTP, one tuned client per endpoint.
type HTTPDispatcher struct {
	mu      sync.RWMutex
	clients map[string]*http.Client
}

func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{clients: make(map[string]*http.Client)}
}

func (d *HTTPDispatcher) client(ep *registry.Endpoint) *http.Client {
	d.mu.RLock()
	c, ok := d.clients[ep.ID]
	d.mu.RUnlock()
	if ok {
		return c
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[ep.ID]; ok {
		return c
	}

	maxConc := ep.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 10
	}
	c = &http.Client{
		Timeout: ep.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxConc,
			MaxIdleConnsPerHost: maxConc,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
	d.clients[ep.ID] = c
	return c
}

func (d *HTTPDispatcher) Call(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", ep.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client(ep).Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", ep.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", ep.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("endpoint %s returned %d", ep.ID, resp.StatusCode)
	}
	return body, nil
}
