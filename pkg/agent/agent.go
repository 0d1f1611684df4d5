// Package agent classifies requests as coming from automated agents
// (crawlers, bots, link preview fetchers) or from interactive browsers.
package agent

import "strings"

// Registry is a list of lowercase signatures. A user agent containing any of them is automated.
type Registry []string

// DefaultRegistry covers the major search engines, social preview fetchers and archivers.
var DefaultRegistry = NewRegistry(
	// search engines
	"googlebot",
	"google-inspectiontool",
	"bingbot",
	"slurp",
	"duckduckbot",
	"baiduspider",
	"yandexbot",
	"sogou",
	"exabot",
	"applebot",
	// social previews
	"facebookexternalhit",
	"facebot",
	"twitterbot",
	"linkedinbot",
	"whatsapp",
	"telegrambot",
	"slackbot",
	"discordbot",
	"pinterest",
	"redditbot",
	"skypeuripreview",
	"embedly",
	// archivers and SEO crawlers
	"ia_archiver",
	"archive.org_bot",
	"ahrefsbot",
	"semrushbot",
	"mj12bot",
	"petalbot",
)

// NewRegistry creates a registry from the given signatures.
// Signatures are lowercased and blank ones are dropped.
func NewRegistry(signatures ...string) Registry {
	r := make(Registry, 0, len(signatures))
	for _, s := range signatures {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			r = append(r, s)
		}
	}
	return r
}

// Matches reports whether the user agent contains any signature of the registry.
// An empty user agent never matches.
func (r Registry) Matches(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range r {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

// IsAutomated classifies the user agent against the default registry.
func IsAutomated(userAgent string) bool {
	return DefaultRegistry.Matches(userAgent)
}
