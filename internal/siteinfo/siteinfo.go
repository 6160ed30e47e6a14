// Package siteinfo loads and fetches MediaWiki site information (site name,
// language, namespaces and localized magic words) for a wiki language.
package siteinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no siteinfo file exists for a language.
var ErrNotFound = errors.New("siteinfo not found")

// Info is the "query" object of a MediaWiki siteinfo API response.
type Info struct {
	General    General              `json:"general"`
	Namespaces map[string]Namespace `json:"namespaces,omitempty"`
	MagicWords []MagicWord          `json:"magicwords,omitempty"`
}

// General holds the site-wide fields we use.
type General struct {
	SiteName  string `json:"sitename"`
	Lang      string `json:"lang"`
	Base      string `json:"base,omitempty"`
	Generator string `json:"generator,omitempty"`
}

// Namespace describes one wiki namespace.
type Namespace struct {
	ID        int    `json:"id"`
	Name      string `json:"*"`
	Canonical string `json:"canonical,omitempty"`
}

// MagicWord is a localized markup keyword and its aliases.
type MagicWord struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// RedirectAliases returns the localized redirect keywords, if known.
func (i Info) RedirectAliases() []string {
	for _, mw := range i.MagicWords {
		if mw.Name == "redirect" {
			return append([]string(nil), mw.Aliases...)
		}
	}
	return nil
}

// FileName returns the cache file name for lang.
func FileName(lang string) string {
	return fmt.Sprintf("siteinfo-%s.json", lang)
}

// Load reads the cached siteinfo for lang from dir.
func Load(dir, lang string) (Info, error) {
	path := filepath.Join(dir, FileName(lang))
	// #nosec G304 -- path is built from the configured data directory.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Info{}, fmt.Errorf("read siteinfo %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("decode siteinfo %s: %w", path, err)
	}
	if strings.TrimSpace(info.General.SiteName) == "" {
		return Info{}, fmt.Errorf("siteinfo %s has no sitename", path)
	}
	return info, nil
}

// Save writes info as the cached siteinfo for lang into dir.
func Save(dir, lang string, info Info) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create siteinfo dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal siteinfo: %w", err)
	}
	path := filepath.Join(dir, FileName(lang))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write siteinfo %s: %w", path, err)
	}
	return path, nil
}
