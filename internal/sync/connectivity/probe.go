// Package connectivity detects network reachability by polling a health
// endpoint and reports edges to the scheduler.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/hrdesk/internal/logging"
)

// Edges receives connectivity transitions.
type Edges interface {
	BecameOnline()
	BecameOffline()
}

// ProbeConfig holds probe configuration.
type ProbeConfig struct {
	HealthURL string
	Interval  time.Duration // default: 15 seconds
	Timeout   time.Duration // default: 5 seconds
}

// Probe polls HealthURL and reports online/offline edges. Any response below
// 500 counts as reachable; 5xx and transport errors count as offline.
type Probe struct {
	cfg    ProbeConfig
	client *http.Client
	edges  Edges

	mu     sync.Mutex
	known  bool
	online bool
}

// NewProbe creates a probe. client may be nil.
func NewProbe(cfg ProbeConfig, edges Edges, client *http.Client) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Probe{cfg: cfg, client: client, edges: edges}
}

// Run checks immediately, then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs one probe and reports an edge if the state changed.
// The first check always reports.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		return p.Online()
	}

	p.mu.Lock()
	changed := !p.known || p.online != online
	p.known = true
	p.online = online
	p.mu.Unlock()

	if changed {
		logging.Debug("Connectivity probe result changed", map[string]interface{}{
			"online": online,
			"url":    p.cfg.HealthURL,
		})
		if online {
			p.edges.BecameOnline()
		} else {
			p.edges.BecameOffline()
		}
	}
	return online
}

// Online returns the last probe result.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Probe) reachable(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode < http.StatusInternalServerError
}
