package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer derives store keys from requests.
// A key is the request method followed by the absolute request URL, e.g.
// `GET:https://example.com/index.html`. Relative request URLs (as received
// by a server) are resolved against the origin.
type CacheKeyer struct {
	// Origin that relative request URLs are resolved against.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// AbsoluteURL returns the absolute URL of the request.
// Fragments are never part of the URL.
func (c CacheKeyer) AbsoluteURL(r *http.Request) *url.URL {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = c.Origin.Scheme
		u.Host = c.Origin.Host
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return &u
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return r.Method + methodSeparator + c.AbsoluteURL(r).String()
}

// PathKey returns the GET key for a path on the origin, e.g. a manifest entry.
func (c CacheKeyer) PathKey(path string) (string, error) {
	req, err := c.PathRequest(path)
	if err != nil {
		return "", err
	}
	return c.GetKey(req), nil
}

// PathRequest creates a GET request for a path on the origin.
func (c CacheKeyer) PathRequest(path string) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(http.MethodGet, c.Origin.ResolveReference(ref).String(), nil)
}

// GetRequestFromKey generates a request equal to the one that resulted in the provided key.
// Only GET keys are supported.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
