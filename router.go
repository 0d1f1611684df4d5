package netfirst

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/netfirst/cache"
	"github.com/always-cache/netfirst/pkg/metrics"
	serializer "github.com/always-cache/netfirst/pkg/response-serializer"
)

const offlineBody = "Offline"

type timedResponse struct {
	response     *http.Response
	requestTime  time.Time
	responseTime time.Time
}

// ServeHTTP implements the http.Handler interface.
// Same-origin GET requests are routed while the controller is active,
// everything else is proxied to its destination untouched.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.intercepts(r) {
		c.passthrough(w, r)
		return
	}
	res := c.Route(r)
	if err := send(w, res); err != nil {
		c.log.Debug().Err(err).Msg("Could not write response body to client")
	}
}

// Route decides where the response to a same-origin GET request comes from.
// It always returns a response: network, stored snapshot, offline document or a synthesized 503.
func (c *Controller) Route(r *http.Request) *http.Response {
	automated := c.agents.Matches(r.UserAgent())
	key := c.keyer.GetKey(r)
	log := c.log.With().Str("key", key).Bool("automated", automated).Logger()
	var cacheStatus CacheStatus

	tres, err := c.fetch(r)
	if err == nil {
		res := tres.response
		if automated {
			// crawlers always get live content and never touch the store
			cacheStatus.Forward(CacheStatusFwdBypass)
		} else {
			cacheStatus.Forward(CacheStatusFwdRequest)
			if res.StatusCode == http.StatusOK {
				if bts, err := serializer.Snapshot(res); err != nil {
					log.Warn().Err(err).Msg("Could not snapshot response")
				} else {
					c.storeInBackground(cache.CacheEntry{
						Key:         key,
						RequestedAt: tres.requestTime,
						ReceivedAt:  tres.responseTime,
						Bytes:       bts,
					})
					cacheStatus.Stored()
				}
			}
		}
		return c.respond(r, res, cacheStatus, automated, metrics.SourceNetwork)
	}
	log.Debug().Err(err).Msg("Network failure, falling back to cache")

	if res := c.match(r, key); res != nil {
		cacheStatus.Hit()
		cacheStatus.Detail("stale")
		return c.respond(r, res, cacheStatus, automated, metrics.SourceCache)
	}
	if !automated && isNavigation(r) {
		if res := c.match(r, c.offlineKey); res != nil {
			cacheStatus.Hit()
			cacheStatus.Detail("offline")
			return c.respond(r, res, cacheStatus, automated, metrics.SourceOffline)
		}
		log.Warn().Msg("Offline document missing from cache")
	}
	cacheStatus.Forward(CacheStatusFwdMiss)
	cacheStatus.Detail("unavailable")
	return c.respond(r, unavailable(r), cacheStatus, automated, metrics.SourceUnavailable)
}

func (c *Controller) respond(r *http.Request, res *http.Response, cs CacheStatus, automated bool, source string) *http.Response {
	res.Header.Add("Cache-Status", cs.String())
	c.metrics.Response(automated, source)
	c.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Bool("automated", automated).
		Str("source", source).
		Int("status", res.StatusCode).
		Msg("Sending response to client")
	return res
}

// intercepts reports whether the request is handled by the router.
// The generation is complete once installed, so an activating controller routes too.
func (c *Controller) intercepts(r *http.Request) bool {
	state := c.State()
	return (state == Active || state == Activating) && r.Method == http.MethodGet && c.sameOrigin(r)
}

func (c *Controller) sameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, c.originURL.Scheme) &&
		strings.EqualFold(r.URL.Host, c.originURL.Host)
}

// isNavigation reports whether the request loads a top-level document.
// Browsers say so with Sec-Fetch-Mode, older clients are recognized by asking for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// fetch the resource specified in the incoming request from the origin.
// The body is read completely before the deadline, a failure to do so is a network failure.
func (c *Controller) fetch(r *http.Request) (timedResponse, error) {
	timedRes := timedResponse{requestTime: time.Now()}
	// same URL the key is derived from, always pointed at the origin
	u := c.keyer.AbsoluteURL(r)
	u.Scheme = c.originURL.Scheme
	u.Host = c.originURL.Host
	ctx, cancel := context.WithTimeout(r.Context(), c.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return timedRes, err
	}
	req.Host = c.originHost
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	// let the transport negotiate compression so stored bodies are always decoded
	req.Header.Del("Accept-Encoding")

	res, err := c.httpClient.Do(req)
	c.metrics.FetchDuration(time.Since(timedRes.requestTime).Seconds())
	if err != nil {
		return timedRes, err
	}
	if _, err := serializer.Buffer(res); err != nil {
		return timedRes, fmt.Errorf("read body: %w", err)
	}
	res.Request = r
	timedRes.responseTime = time.Now()
	timedRes.response = res
	return timedRes, nil
}

// fetchEntry fetches a request that must succeed with 200 and returns it as a cache entry.
func (c *Controller) fetchEntry(r *http.Request) (cache.CacheEntry, error) {
	tres, err := c.fetch(r)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	if tres.response.StatusCode != http.StatusOK {
		return cache.CacheEntry{}, fmt.Errorf("unexpected status %d", tres.response.StatusCode)
	}
	bts, err := serializer.Snapshot(tres.response)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	return cache.CacheEntry{
		Key:         c.keyer.GetKey(r),
		RequestedAt: tres.requestTime,
		ReceivedAt:  tres.responseTime,
		Bytes:       bts,
	}, nil
}

// match looks up a stored snapshot in the controller's generation. It returns nil on a miss.
func (c *Controller) match(r *http.Request, key string) *http.Response {
	entry, ok, err := c.cache.Match(r.Context(), c.generation, key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		return nil
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return nil
	}
	return res
}

// storeInBackground writes the entry without making the caller wait.
// Failures are logged and counted, never returned.
func (c *Controller) storeInBackground(entry cache.CacheEntry) {
	c.writesMutex.RLock()
	defer c.writesMutex.RUnlock()
	if c.closed {
		return
	}
	c.writes.Add(1)
	c.metrics.WriteStarted()
	go func() {
		defer c.writes.Done()
		defer c.metrics.WriteDone()
		err := c.cache.Put(c.bgCtx, c.generation, entry)
		c.metrics.CacheWrite(err)
		if err != nil {
			c.writeLog.Warn().Err(err).Str("key", entry.Key).Msg("Could not write to cache")
			return
		}
		c.log.Trace().Str("key", entry.Key).Msg("Cache write")
	}()
}

// Wait blocks until all background cache writes started so far have finished.
func (c *Controller) Wait() {
	c.writes.Wait()
}

func (c *Controller) passthrough(w http.ResponseWriter, r *http.Request) {
	c.log.Trace().Str("method", r.Method).Msgf("Passing through %s", r.URL.String())
	c.metrics.Response(c.agents.Matches(r.UserAgent()), metrics.SourcePassthrough)
	c.reverseproxy.ServeHTTP(w, r)
}

// unavailable synthesizes the response used when neither network nor cache can answer.
func unavailable(r *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       r,
	}
}

// newReverseProxy proxies same-origin requests to the origin and absolute foreign URLs to their own host.
func newReverseProxy(origin url.URL, originHost string, transport http.RoundTripper) httputil.ReverseProxy {
	return httputil.ReverseProxy{
		Director:  createDirector(origin, originHost),
		Transport: transport,
	}
}

func createDirector(origin url.URL, originHost string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.IsAbs() && !strings.EqualFold(req.URL.Host, origin.Host) {
			return
		}
		req.URL.Scheme = origin.Scheme
		req.URL.Host = origin.Host
		req.Host = originHost
	}
}

func send(w http.ResponseWriter, res *http.Response) error {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	_, err := io.Copy(w, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
