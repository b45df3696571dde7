// Package proxy forwards admitted requests to downstream services.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"keygate/internal/config"
	"keygate/internal/gate"

	"github.com/gin-gonic/gin"
)

// Headers carrying the admission to the downstream service.
const (
	TierHeader  = "X-Keygate-Tier"
	OwnerHeader = "X-Keygate-Owner"
)

// Upstream proxies every request under prefix to its targets, round-robin.
type Upstream struct {
	prefix       string
	targets      []*url.URL
	nextIndex    int
	mutex        sync.Mutex
	reverseProxy *httputil.ReverseProxy
	offline      bool
	logger       *slog.Logger
}

// offlineMessage is returned for requests to an upstream marked offline.
const offlineMessage = "This API endpoint is currently offline and unavailable. Please try again later."

// New builds an Upstream from its configuration.
func New(cfg config.UpstreamConfig, logger *slog.Logger) (*Upstream, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("upstream %s has no targets", cfg.Prefix)
	}
	targets := make([]*url.URL, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		u, err := url.Parse(t)
		if err != nil {
			return nil, fmt.Errorf("invalid target for upstream %s: %w", cfg.Prefix, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("target %q for upstream %s must be an absolute URL", t, cfg.Prefix)
		}
		targets = append(targets, u)
	}

	up := &Upstream{
		prefix:  strings.TrimSuffix(cfg.Prefix, "/"),
		targets: targets,
		offline: cfg.Offline,
		logger:  logger.With("component", "proxy", "prefix", cfg.Prefix),
	}
	up.reverseProxy = &httputil.ReverseProxy{
		Director: up.direct,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrAbortHandler) {
				up.logger.Warn("Client disconnected", "error", err)
				return
			}
			up.logger.Error("Proxy error", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":"Bad gateway"}`)
		},
	}
	return up, nil
}

// Prefix is the request path prefix this upstream serves.
func (u *Upstream) Prefix() string {
	return u.prefix
}

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.offline {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(offlineResponse{
			Status:    false,
			Error:     offlineMessage,
			Endpoint:  u.prefix,
			APIStatus: "offline",
		})
		return
	}
	u.reverseProxy.ServeHTTP(w, r)
}

type offlineResponse struct {
	Status    bool   `json:"status"`
	Error     string `json:"error"`
	Endpoint  string `json:"endpoint"`
	APIStatus string `json:"apiStatus"`
}

func (u *Upstream) direct(req *http.Request) {
	target := u.nextTarget()
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.Host = target.Host
	req.URL.Path = joinPath(target.Path, strings.TrimPrefix(req.URL.Path, u.prefix))
	req.URL.RawPath = ""

	// The client's credential stays at the gate.
	req.Header.Del("Authorization")
	req.Header.Del(TierHeader)
	req.Header.Del(OwnerHeader)
	if adm, ok := gate.FromContext(req.Context()); ok {
		req.Header.Set(TierHeader, string(adm.Tier))
		req.Header.Set(OwnerHeader, adm.Owner)
		u.logger.Debug("Proxying request", "path", req.URL.Path, "target", target.Host, "key_id", adm.KeyID)
	}
}

func (u *Upstream) nextTarget() *url.URL {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	t := u.targets[u.nextIndex]
	u.nextIndex = (u.nextIndex + 1) % len(u.targets)
	return t
}

func joinPath(base, rest string) string {
	if rest == "" {
		rest = "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return strings.TrimSuffix(base, "/") + rest
}

// Mount builds the configured upstreams and registers them on router.
func Mount(router gin.IRouter, cfgs []config.UpstreamConfig, logger *slog.Logger) ([]*Upstream, error) {
	ups := make([]*Upstream, 0, len(cfgs))
	for _, cfg := range cfgs {
		up, err := New(cfg, logger)
		if err != nil {
			return nil, err
		}
		router.Any(up.Prefix()+"/*path", gin.WrapH(up))
		logger.Info("Mounted upstream", "prefix", up.Prefix(), "targets", len(up.targets), "offline", up.offline)
		ups = append(ups, up)
	}
	return ups, nil
}
