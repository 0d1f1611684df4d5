package netfirst

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Site serves requests through the active controller and hands over between deployments.
// Until a controller is active, all requests go straight to the origin.
type Site struct {
	active       atomic.Pointer[Controller]
	waiting      *Controller
	deployMutex  sync.Mutex
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
}

// NewSite creates a site in front of the origin. transport may be nil.
func NewSite(origin url.URL, originHost string, transport http.RoundTripper, logger zerolog.Logger) *Site {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Site{
		reverseproxy: newReverseProxy(origin, originHost, transport),
		log:          logger,
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c := s.active.Load(); c != nil {
		c.ServeHTTP(w, r)
		return
	}
	s.reverseproxy.ServeHTTP(w, r)
}

// Active returns the active controller, or nil.
func (s *Site) Active() *Controller {
	return s.active.Load()
}

// Waiting returns the installed controller waiting to be promoted, or nil.
func (s *Site) Waiting() *Controller {
	s.deployMutex.Lock()
	defer s.deployMutex.Unlock()
	return s.waiting
}

// Deploy installs the next controller. With skip-waiting (the default) it is activated
// right away and replaces the active controller; otherwise it waits for Promote.
// If install fails, the active controller keeps serving.
func (s *Site) Deploy(ctx context.Context, next *Controller) error {
	s.deployMutex.Lock()
	defer s.deployMutex.Unlock()

	if err := next.Install(ctx); err != nil {
		return err
	}
	if s.waiting != nil && s.waiting != next {
		s.closeController(ctx, s.waiting)
	}
	s.waiting = next
	if !next.skipWaiting && s.active.Load() != nil {
		s.log.Info().Str("generation", next.Generation()).Msg("Installed, waiting for promotion")
		return nil
	}
	return s.promote(ctx)
}

// Promote activates the waiting controller.
func (s *Site) Promote(ctx context.Context) error {
	s.deployMutex.Lock()
	defer s.deployMutex.Unlock()
	if s.waiting == nil {
		return fmt.Errorf("no controller waiting")
	}
	return s.promote(ctx)
}

// promote swaps the waiting controller in before it deletes the superseded generations,
// so the previous controller never serves from a deleted generation.
func (s *Site) promote(ctx context.Context) error {
	next := s.waiting
	var prev *Controller
	claimed := false
	err := next.activate(ctx, func() {
		prev = s.active.Swap(next)
		claimed = true
	})
	if err != nil {
		if claimed {
			s.active.Store(prev)
		}
		return err
	}
	s.waiting = nil
	s.log.Info().Str("generation", next.Generation()).Msg("Controller active")
	if prev != nil && prev != next {
		s.closeController(ctx, prev)
	}
	return nil
}

// Close closes the active and waiting controllers.
func (s *Site) Close(ctx context.Context) error {
	s.deployMutex.Lock()
	defer s.deployMutex.Unlock()
	if s.waiting != nil {
		s.closeController(ctx, s.waiting)
		s.waiting = nil
	}
	if c := s.active.Swap(nil); c != nil {
		return c.Close(ctx)
	}
	return nil
}

func (s *Site) closeController(ctx context.Context, c *Controller) {
	if err := c.Close(ctx); err != nil {
		s.log.Warn().Err(err).Str("generation", c.Generation()).Msg("Pending cache writes cancelled")
	}
}
