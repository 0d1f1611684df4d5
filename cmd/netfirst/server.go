package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/netfirst"
	cachekey "github.com/always-cache/netfirst/pkg/cache-key"
	"github.com/always-cache/netfirst/pkg/manifest"
	"github.com/always-cache/netfirst/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const adminPrefix = "/.netfirst"

// deployer creates a controller for the current manifest file and deploys it to the site.
type deployer struct {
	site         *netfirst.Site
	manifestPath string
	// controller config without the manifest
	base netfirst.Config
	mu   sync.Mutex
}

func (d *deployer) deploy(ctx context.Context) (*netfirst.Controller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := manifest.Load(d.manifestPath)
	if err != nil {
		return nil, err
	}
	config := d.base
	config.Manifest = m
	c, err := netfirst.New(config)
	if err != nil {
		return nil, err
	}
	if err := d.site.Deploy(ctx, c); err != nil {
		c.Close(ctx)
		return nil, err
	}
	return c, nil
}

type controllerStatus struct {
	Generation string   `json:"generation"`
	State      string   `json:"state"`
	Cached     []string `json:"cached,omitempty"`
}

type siteStatus struct {
	Active  *controllerStatus `json:"active"`
	Waiting *controllerStatus `json:"waiting"`
}

// statusOf reports the controller's state and the URLs stored in its generation.
func (d *deployer) statusOf(ctx context.Context, c *netfirst.Controller) (*controllerStatus, error) {
	if c == nil {
		return nil, nil
	}
	keys, err := c.Cached(ctx)
	if err != nil {
		return nil, err
	}
	keyer := cachekey.NewCacheKeyer(&d.base.OriginURL)
	cached := make([]string, 0, len(keys))
	for _, key := range keys {
		req, err := keyer.GetRequestFromKey(key)
		if err != nil {
			return nil, err
		}
		cached = append(cached, req.URL.String())
	}
	return &controllerStatus{Generation: c.Generation(), State: c.State().String(), Cached: cached}, nil
}

// newRouter serves the admin endpoints and hands everything else to the site.
func newRouter(d *deployer, collector *metrics.Collector, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Route(adminPrefix, func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			var status siteStatus
			var err error
			if status.Active, err = d.statusOf(r.Context(), d.site.Active()); err == nil {
				status.Waiting, err = d.statusOf(r.Context(), d.site.Waiting())
			}
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("Could not read cache status")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, status)
		})
		r.Post("/deploy", func(w http.ResponseWriter, r *http.Request) {
			c, err := d.deploy(r.Context())
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("Deploy failed")
				code := http.StatusInternalServerError
				if errors.Is(err, netfirst.ErrPrecache) {
					code = http.StatusBadGateway
				}
				http.Error(w, err.Error(), code)
				return
			}
			writeJSON(w, http.StatusOK, controllerStatus{Generation: c.Generation(), State: c.State().String()})
		})
		r.Post("/promote", func(w http.ResponseWriter, r *http.Request) {
			if err := d.site.Promote(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			c := d.site.Active()
			writeJSON(w, http.StatusOK, controllerStatus{Generation: c.Generation(), State: c.State().String()})
		})
		r.Handle("/metrics", collector.Handler())
	})

	r.Handle("/*", d.site)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
