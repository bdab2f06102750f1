// Package discovery lets queue servers announce their HTTP endpoint and lets
// runners find them. Advertisements are Redis keys with a TTL, so a server
// that dies disappears once its record expires.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/config"
)

// Endpoint is one advertised queue server.
type Endpoint struct {
	Instance  string    `json:"instance"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Advertiser keeps an Endpoint registered until its context ends.
type Advertiser struct {
	cache     cache.Cache
	namespace string
	ttl       time.Duration
	endpoint  Endpoint
}

func NewAdvertiser(c cache.Cache, cfg config.DiscoveryConfig, ep Endpoint) *Advertiser {
	if ep.Instance == "" {
		ep.Instance = fmt.Sprintf("%s-%d", ep.Host, ep.Port)
	}
	return &Advertiser{cache: c, namespace: cfg.Namespace, ttl: cfg.TTL, endpoint: ep}
}

func (a *Advertiser) key() string {
	return cache.ServiceKey(a.namespace, a.endpoint.Instance)
}

// Register writes the advertisement once.
func (a *Advertiser) Register(ctx context.Context) error {
	b, err := json.Marshal(a.endpoint)
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	if err := a.cache.Set(ctx, a.key(), b, a.ttl); err != nil {
		return fmt.Errorf("register endpoint: %w", err)
	}
	return nil
}

// Run registers the endpoint, refreshes it every third of the TTL, and
// removes it when ctx is done. Refresh failures are logged and retried on
// the next tick.
func (a *Advertiser) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	slog.Info("service advertised", "namespace", a.namespace, "instance", a.endpoint.Instance, "addr", a.endpoint.Addr())

	interval := a.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.cache.Delete(cleanupCtx, a.key()); err != nil {
				slog.Warn("service deregistration failed", "instance", a.endpoint.Instance, "error", err)
			}
			return nil
		case <-ticker.C:
			if err := a.Register(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("service advertisement refresh failed", "instance", a.endpoint.Instance, "error", err)
			}
		}
	}
}

// Discover lists the live endpoints in namespace, ordered by instance name.
// Records that cannot be decoded are skipped.
func Discover(ctx context.Context, c cache.Cache, namespace string) ([]Endpoint, error) {
	keys, err := c.Scan(ctx, cache.ServicePattern(namespace))
	if err != nil {
		return nil, fmt.Errorf("scan advertisements: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(keys))
	for _, key := range keys {
		b, ok, err := c.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read advertisement %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var ep Endpoint
		if err := json.Unmarshal(b, &ep); err != nil {
			slog.Warn("skipping malformed advertisement", "key", key, "error", err)
			continue
		}
		endpoints = append(endpoints, ep)
	}

	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Instance < endpoints[j].Instance })
	return endpoints, nil
}
