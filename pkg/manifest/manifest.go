// Package manifest describes the assets that are precached for a deployed build.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultOfflinePath is the document served to navigations when neither network nor cache can answer.
const DefaultOfflinePath = "/offline.html"

// Manifest is the output of the build pipeline for one deployed version.
// It is immutable once loaded.
type Manifest struct {
	// Version names the cache generation, e.g. "portfolio-v3".
	Version string `yaml:"version"`
	// OfflinePath is the fallback document for navigations. It must be one of the assets.
	OfflinePath string `yaml:"offline"`
	// Assets are absolute paths on the origin, in precache order.
	Assets []string `yaml:"assets"`
}

// Load reads a manifest from a YAML (or JSON) file and validates it.
func Load(filename string) (Manifest, error) {
	var m Manifest
	bts, err := os.ReadFile(filename)
	if err != nil {
		return m, err
	}
	if m, err = Parse(bts); err != nil {
		return m, fmt.Errorf("manifest %s: %w", filename, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest.
func Parse(bts []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(bts, &m); err != nil {
		return m, err
	}
	if m.OfflinePath == "" {
		m.OfflinePath = DefaultOfflinePath
	}
	return m, m.Validate()
}

// Validate checks that the version is set, that every asset is an absolute path
// and that the offline document is precached.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version is required")
	}
	hasOffline := false
	seen := make(map[string]struct{}, len(m.Assets))
	for _, asset := range m.Assets {
		if !strings.HasPrefix(asset, "/") || strings.HasPrefix(asset, "//") {
			return fmt.Errorf("asset %q is not an absolute path", asset)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("asset %q is listed twice", asset)
		}
		seen[asset] = struct{}{}
		if asset == m.OfflinePath {
			hasOffline = true
		}
	}
	if !hasOffline {
		return fmt.Errorf("offline document %q is not among the assets", m.OfflinePath)
	}
	return nil
}
