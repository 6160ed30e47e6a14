// Package metadata assembles the dictionary metadata written before
// conversion starts: format and language keys, operator-supplied values from
// TOML files, and license/copyright texts.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// Default file names looked up in the search directories.
const (
	DefaultMetadataFile  = "metadata.toml"
	DefaultLicenseFile   = "fdl-1.2.txt"
	DefaultCopyrightFile = "copyright.txt"
)

// Sink receives metadata.
type Sink interface {
	AddMetadata(key string, value any) error
	HasMetadata(key string) bool
}

// Options drive Apply.
type Options struct {
	Lang        string
	SiteName    string
	SiteLang    string
	DictVersion string
	DictUpdate  string
	Converter   string

	// Files are explicit metadata files; when empty, DefaultMetadataFile is
	// looked up in every search directory. Later files win.
	Files []string
	// LicenseFile and CopyrightFile, when set, must be readable.
	LicenseFile   string
	CopyrightFile string
	// SearchDirs are tried in order for default files.
	SearchDirs []string
}

var placeholderRe = regexp.MustCompile(`%\((\w+)\)s|%%`)

// Expand replaces %(name)s placeholders with vars; unknown names are kept
// and %% becomes %.
func Expand(value string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(value, func(m string) string {
		if m == "%%" {
			return "%"
		}
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Apply writes the run metadata to sink.
func Apply(sink Sink, opts Options, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("metadata")

	base := map[string]any{
		"article_format":   "json",
		"index_language":   opts.Lang,
		"article_language": opts.Lang,
	}
	if opts.Converter != "" {
		base["converter"] = opts.Converter
	}
	if err := addAll(sink, base); err != nil {
		return err
	}

	vars := map[string]string{
		"ver":      opts.DictVersion,
		"lang":     opts.Lang,
		"update":   opts.DictUpdate,
		"name":     opts.SiteName,
		"sitelang": opts.SiteLang,
	}
	// The substitution variables are metadata too; files may override them.
	defaults := make(map[string]any, len(vars))
	for k, v := range vars {
		if v != "" {
			defaults[k] = v
		}
	}
	if err := addAll(sink, defaults); err != nil {
		return err
	}
	files := opts.Files
	explicit := len(files) > 0
	if !explicit {
		for _, dir := range opts.SearchDirs {
			files = append(files, filepath.Join(dir, DefaultMetadataFile))
		}
	}
	read := 0
	for _, path := range files {
		values, err := readFile(path)
		if errors.Is(err, os.ErrNotExist) && !explicit {
			continue
		}
		if err != nil {
			return err
		}
		read++
		logger.Info("using metadata file", zap.String("path", path))
		for key, value := range values {
			if s, ok := value.(string); ok {
				value = Expand(s, vars)
			}
			if err := sink.AddMetadata(key, value); err != nil {
				return fmt.Errorf("add metadata %s: %w", key, err)
			}
		}
	}
	if read == 0 {
		logger.Warn("no metadata files read")
	}

	if err := applyText(sink, "license", opts.LicenseFile, DefaultLicenseFile, opts.SearchDirs, logger); err != nil {
		return err
	}
	return applyText(sink, "copyright", opts.CopyrightFile, DefaultCopyrightFile, opts.SearchDirs, logger)
}

func addAll(sink Sink, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := sink.AddMetadata(k, values[k]); err != nil {
			return fmt.Errorf("add metadata %s: %w", k, err)
		}
	}
	return nil
}

// readFile returns the [metadata] table of a TOML file.
func readFile(path string) (map[string]any, error) {
	// #nosec G304 -- metadata files are operator-supplied.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata file %s: %w", path, err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse metadata file %s: %w", path, err)
	}
	table, ok := doc["metadata"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata file %s has no [metadata] table", path)
	}
	return table, nil
}

// applyText sets key from an explicit file, or from the first default file
// found when the key is still unset.
func applyText(sink Sink, key, explicit, fallback string, dirs []string, logger *zap.Logger) error {
	if explicit != "" {
		// #nosec G304 -- operator-supplied file.
		data, err := os.ReadFile(explicit)
		if err != nil {
			return fmt.Errorf("read %s file: %w", key, err)
		}
		return sink.AddMetadata(key, string(data))
	}
	if sink.HasMetadata(key) {
		return nil
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, fallback)
		logger.Debug("looking for text", zap.String("key", key), zap.String("path", path))
		// #nosec G304 -- path is built from configured search directories.
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		logger.Info("using text file", zap.String("key", key), zap.String("path", path))
		return sink.AddMetadata(key, string(data))
	}
	logger.Warn("no text will be written to the output dictionary", zap.String("key", key))
	return nil
}
