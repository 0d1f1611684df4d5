package netfirst

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/always-cache/netfirst/cache"
	"github.com/always-cache/netfirst/pkg/manifest"

	"github.com/rs/zerolog"
)

func (s *testSetup) site(t *testing.T) *Site {
	t.Helper()
	originURL, _ := url.Parse(s.origin.URL)
	site := NewSite(*originURL, "", s.transport, zerolog.Nop())
	t.Cleanup(func() { site.Close(context.Background()) })
	return site
}

func version(v string) manifest.Manifest {
	m := testManifest
	m.Version = v
	return m
}

func TestSitePassesThroughBeforeDeploy(t *testing.T) {
	s := newTestSetup(t)
	site := s.site(t)

	rr := httptest.NewRecorder()
	site.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))
	if rr.Body.String() != "<h1>home</h1>" || rr.Header().Get("Cache-Status") != "" {
		t.Fatalf("Unexpected response %s", rr.Body.String())
	}
	if site.Active() != nil {
		t.Fatal("Site has an active controller")
	}
}

func TestSiteDeployActivates(t *testing.T) {
	s := newTestSetup(t)
	site := s.site(t)
	c := s.controller(t, version("v1"))

	if err := site.Deploy(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if site.Active() != c || c.State() != Active {
		t.Fatalf("Controller not active, state %s", c.State())
	}

	rr := httptest.NewRecorder()
	site.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))
	if rr.Header().Get("Cache-Status") == "" {
		t.Fatal("Request was not routed by the controller")
	}
}

func TestSiteRedeployReplacesGeneration(t *testing.T) {
	s := newTestSetup(t)
	site := s.site(t)
	ctx := context.Background()
	v1 := s.controller(t, version("v1"))
	v2 := s.controller(t, version("v2"))

	if err := site.Deploy(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if err := site.Deploy(ctx, v2); err != nil {
		t.Fatal(err)
	}
	if site.Active() != v2 {
		t.Fatal("New controller is not active")
	}
	if v1.State() != Redundant {
		t.Fatalf("Previous controller is %s", v1.State())
	}
	names, err := s.cache.Generations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("Generations after redeploy: %v", names)
	}
}

// deleteHookCache calls onDelete before each generation is deleted.
type deleteHookCache struct {
	cache.CacheProvider
	onDelete func(generation string)
}

func (d deleteHookCache) Delete(ctx context.Context, generation string) (bool, error) {
	d.onDelete(generation)
	return d.CacheProvider.Delete(ctx, generation)
}

func TestSiteSwapsBeforeDeletingGenerations(t *testing.T) {
	s := newTestSetup(t)
	var site *Site
	var activeAtDelete []*Controller
	s.cache = deleteHookCache{
		CacheProvider: s.cache,
		onDelete: func(string) {
			activeAtDelete = append(activeAtDelete, site.Active())
		},
	}
	site = s.site(t)
	ctx := context.Background()
	v1 := s.controller(t, version("v1"))
	v2 := s.controller(t, version("v2"))

	if err := site.Deploy(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if err := site.Deploy(ctx, v2); err != nil {
		t.Fatal(err)
	}
	if len(activeAtDelete) != 1 || activeAtDelete[0] != v2 {
		t.Fatal("Superseded generation deleted while the previous controller was still active")
	}
}

// failingDeleteCache cannot delete generations.
type failingDeleteCache struct {
	cache.CacheProvider
}

func (failingDeleteCache) Delete(context.Context, string) (bool, error) {
	return false, errors.New("database is locked")
}

func TestSiteFailedActivationRestoresPrevious(t *testing.T) {
	s := newTestSetup(t)
	site := s.site(t)
	ctx := context.Background()
	v1 := s.controller(t, version("v1"))
	if err := site.Deploy(ctx, v1); err != nil {
		t.Fatal(err)
	}

	s.cache = failingDeleteCache{s.cache}
	v2 := s.controller(t, version("v2"))
	if err := site.Deploy(ctx, v2); err == nil {
		t.Fatal("Expected activation error")
	}
	if site.Active() != v1 || v1.State() != Active {
		t.Fatal("Previous controller was not restored")
	}
	if v2.State() != Installed {
		t.Fatalf("New controller is %s", v2.State())
	}
}

func TestSiteWaitsForPromotion(t *testing.T) {
	s := newTestSetup(t)
	site := s.site(t)
	ctx := context.Background()
	waiting := func(config *Config) { config.DisableSkipWaiting = true }
	v1 := s.controller(t, version("v1"), waiting)
	v2 := s.controller(t, version("v2"), waiting)

	if err := site.Promote(ctx); err == nil {
		t.Fatal("Promote without a waiting controller succeeded")
	}
	// nothing to wait for on the first deploy
	if err := site.Deploy(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if site.Active() != v1 {
		t.Fatal("First controller is not active")
	}

	if err := site.Deploy(ctx, v2); err != nil {
		t.Fatal(err)
	}
	if site.Active() != v1 || site.Waiting() != v2 || v2.State() != Installed {
		t.Fatalf("Second controller did not wait, state %s", v2.State())
	}
	// both generations exist while waiting
	if names, _ := s.cache.Generations(ctx); len(names) != 2 {
		t.Fatalf("Generations while waiting: %v", names)
	}

	if err := site.Promote(ctx); err != nil {
		t.Fatal(err)
	}
	if site.Active() != v2 || site.Waiting() != nil || v1.State() != Redundant {
		t.Fatal("Promotion did not hand over")
	}
}

func TestSiteFailedDeployKeepsActive(t *testing.T) {
	s := newTestSetup(t)
	site := s.site(t)
	ctx := context.Background()
	v1 := s.controller(t, version("v1"))
	broken := version("v2")
	broken.Assets = append(broken.Assets, "/missing.js")
	v2 := s.controller(t, broken)

	if err := site.Deploy(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if err := site.Deploy(ctx, v2); !errors.Is(err, ErrPrecache) {
		t.Fatalf("Error is %v", err)
	}
	if site.Active() != v1 || v1.State() != Active {
		t.Fatal("Active controller was replaced by a failed deploy")
	}
	if keys(t, s.cache, "v1") == nil {
		t.Fatal("Active generation was deleted")
	}
}

func TestSiteClose(t *testing.T) {
	s := newTestSetup(t)
	site := s.site(t)
	c := s.controller(t, version("v1"))
	if err := site.Deploy(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if err := site.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if site.Active() != nil || c.State() != Redundant {
		t.Fatal("Site still has an active controller")
	}
}
