package netfirst

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/netfirst/cache"
	"github.com/always-cache/netfirst/pkg/agent"
	cachekey "github.com/always-cache/netfirst/pkg/cache-key"
	"github.com/always-cache/netfirst/pkg/manifest"
	"github.com/always-cache/netfirst/pkg/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFetchTimeout       = 10 * time.Second
	defaultInstallConcurrency = 4
)

type Config struct {
	// Storage for cache generations.
	Cache cache.CacheProvider
	// Assets to precache, and the name of the generation they are stored in.
	Manifest manifest.Manifest
	// URL of the origin server.
	// Requests for this scheme and host (or with a relative URL) are same-origin.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport for all upstream requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Deadline for one network fetch, body included. Expiry counts as a network failure.
	FetchTimeout time.Duration
	// Signatures of automated agents. agent.DefaultRegistry is used if nil.
	Agents agent.Registry
	// Maximum number of concurrent fetches while precaching.
	InstallConcurrency int
	// Keep an installed controller waiting until it is explicitly promoted,
	// instead of taking over from the active one right away.
	DisableSkipWaiting bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics collector. A private collector is created if nil.
	Metrics *metrics.Collector
}

// Controller owns one cache generation, from install to the moment it is superseded.
type Controller struct {
	cache        cache.CacheProvider
	manifest     manifest.Manifest
	generation   string
	originURL    url.URL
	originHost   string
	keyer        cachekey.CacheKeyer
	offlineKey   string
	agents       agent.Registry
	httpClient   http.Client
	reverseproxy httputil.ReverseProxy
	fetchTimeout time.Duration
	concurrency  int
	skipWaiting  bool
	log          zerolog.Logger
	writeLog     zerolog.Logger
	metrics      *metrics.Collector

	state      atomic.Int32
	transition sync.Mutex

	// background cache writes
	writesMutex sync.RWMutex
	closed      bool
	writes      sync.WaitGroup
	bgCtx       context.Context
	bgCancel    context.CancelFunc
}

// New creates a controller for the manifest's generation. The controller starts uninstalled.
func New(config Config) (*Controller, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("cache provider is required")
	}
	if err := config.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if config.OriginURL.Scheme == "" || config.OriginURL.Host == "" {
		return nil, fmt.Errorf("origin URL must be absolute, got %q", config.OriginURL.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("generation", config.Manifest.Version).
		Logger()

	c := &Controller{
		cache:        config.Cache,
		manifest:     config.Manifest,
		generation:   config.Manifest.Version,
		originURL:    config.OriginURL,
		originHost:   config.OriginHost,
		keyer:        cachekey.NewCacheKeyer(&config.OriginURL),
		agents:       config.Agents,
		fetchTimeout: config.FetchTimeout,
		concurrency:  config.InstallConcurrency,
		skipWaiting:  !config.DisableSkipWaiting,
		log:          logger,
		// write failures are swallowed, keep their log volume bounded
		writeLog: logger.Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Minute}),
		metrics:  config.Metrics,
	}
	if c.agents == nil {
		c.agents = agent.DefaultRegistry
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = defaultFetchTimeout
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultInstallConcurrency
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector()
	}

	offlineKey, err := c.keyer.PathKey(c.manifest.OfflinePath)
	if err != nil {
		return nil, fmt.Errorf("offline path: %w", err)
	}
	c.offlineKey = offlineKey

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
		// use provided hostname for origin if configured
		if c.originHost != "" {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: c.originHost,
				},
			}
		}
	}
	c.httpClient = http.Client{
		Transport: transport,
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.reverseproxy = newReverseProxy(c.originURL, c.originHost, transport)

	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	return c, nil
}

// Generation returns the name of the cache generation owned by the controller.
func (c *Controller) Generation() string {
	return c.generation
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.log.Trace().Str("from", c.State().String()).Str("to", s.String()).Msg("Lifecycle transition")
	c.state.Store(int32(s))
}

// Install precaches every manifest asset into the controller's generation.
// Either all assets are stored, or none are and a *PrecacheError is returned.
// Installing again with the same manifest overwrites the same entries.
func (c *Controller) Install(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	switch c.State() {
	case Redundant:
		return ErrRedundant
	case Active:
		return ErrAlreadyActive
	}
	c.setState(Installing)

	if err := c.cache.Open(ctx, c.generation); err != nil {
		c.setState(Uninstalled)
		return &PrecacheError{Version: c.generation, Err: fmt.Errorf("open generation: %w", err)}
	}
	entries, err := c.precache(ctx)
	if err != nil {
		c.setState(Uninstalled)
		c.log.Error().Err(err).Msg("Install failed")
		return err
	}
	if err := c.cache.PutAll(ctx, c.generation, entries); err != nil {
		c.setState(Uninstalled)
		c.log.Error().Err(err).Msg("Install failed")
		return &PrecacheError{Version: c.generation, Err: err}
	}
	c.metrics.Precached(c.generation, len(entries))
	c.setState(Installed)
	c.log.Info().Int("assets", len(entries)).Msg("Installed")
	return nil
}

// precache fetches all manifest assets. Nothing is written to the store here.
func (c *Controller) precache(ctx context.Context) ([]cache.CacheEntry, error) {
	entries := make([]cache.CacheEntry, len(c.manifest.Assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, asset := range c.manifest.Assets {
		i, asset := i, asset
		g.Go(func() error {
			req, err := c.keyer.PathRequest(asset)
			if err != nil {
				return &PrecacheError{Version: c.generation, URL: asset, Err: err}
			}
			req = req.WithContext(gctx)
			entry, err := c.fetchEntry(req)
			if err != nil {
				return &PrecacheError{Version: c.generation, URL: req.URL.String(), Err: err}
			}
			c.log.Trace().Str("key", entry.Key).Msg("Precached")
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Activate deletes every generation other than the controller's own and starts intercepting requests.
func (c *Controller) Activate(ctx context.Context) error {
	return c.activate(ctx, nil)
}

// activate calls claim once the controller intercepts requests, before superseded generations are deleted.
func (c *Controller) activate(ctx context.Context, claim func()) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	switch c.State() {
	case Redundant:
		return ErrRedundant
	case Active:
		return nil
	case Installed:
	default:
		return ErrNotInstalled
	}
	c.setState(Activating)
	if claim != nil {
		claim()
	}

	names, err := c.cache.Generations(ctx)
	if err != nil {
		c.setState(Installed)
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if name == c.generation {
			continue
		}
		if _, err := c.cache.Delete(ctx, name); err != nil {
			c.setState(Installed)
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
		c.metrics.GenerationDeleted()
		c.log.Debug().Str("deleted", name).Msg("Deleted superseded generation")
	}

	c.setState(Active)
	c.log.Info().Msg("Activated")
	return nil
}

// Close makes the controller redundant and waits for background cache writes.
// When ctx expires first, pending writes are cancelled and ctx's error is returned.
// The cache provider is not closed, it is shared with the next controller.
func (c *Controller) Close(ctx context.Context) error {
	c.transition.Lock()
	c.setState(Redundant)
	c.transition.Unlock()

	c.writesMutex.Lock()
	c.closed = true
	c.writesMutex.Unlock()

	done := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.bgCancel()
		return nil
	case <-ctx.Done():
		c.bgCancel()
		<-done
		return ctx.Err()
	}
}

// Cached returns the keys stored in the controller's generation.
func (c *Controller) Cached(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := c.cache.Keys(ctx, c.generation, func(key string) {
		keys = append(keys, key)
	})
	return keys, err
}
