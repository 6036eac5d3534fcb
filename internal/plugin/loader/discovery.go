// Package loader discovers plugin manifests on disk, turns them into running
// plugins and keeps the registry in step with the filesystem.
package loader

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/goatkit/goatbridge/internal/plugin"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

//go:embed schema/manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = gojsonschema.NewStringLoader(manifestSchemaJSON)

// ErrManifest matches every ManifestError via errors.Is.
var ErrManifest = errors.New("invalid manifest")

// ManifestError reports a manifest that could not be parsed or failed
// validation. It is isolated to that one file.
type ManifestError struct {
	Path     string
	Problems []string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

func (e *ManifestError) Is(target error) bool { return target == ErrManifest }

// Discovered is a manifest together with the hash of its file content.
type Discovered struct {
	Manifest plugin.Manifest
	Hash     string
}

// ParseManifest reads and validates one manifest file. It also returns the
// content hash of the bytes it parsed.
func ParseManifest(path string) (plugin.Manifest, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return plugin.Manifest{}, "", &ManifestError{Path: path, Problems: []string{err.Error()}}
	}

	result, err := gojsonschema.Validate(manifestSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		// Syntax errors surface here before schema checks run.
		return plugin.Manifest{}, "", &ManifestError{Path: path, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return plugin.Manifest{}, "", &ManifestError{Path: path, Problems: problems}
	}

	var m plugin.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return plugin.Manifest{}, "", &ManifestError{Path: path, Problems: []string{err.Error()}}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.Path = path
	return m, hashBytes(data), nil
}

// Discover walks every root recursively and returns the valid manifests
// keyed by name. Bad manifests are logged and skipped; for duplicate names
// the first one found wins. Missing roots are ignored.
func Discover(roots []string, logger *slog.Logger) map[string]Discovered {
	if logger == nil {
		logger = slog.Default()
	}
	found := make(map[string]Discovered)

	for _, root := range roots {
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			logger.Debug("plugin directory does not exist", "path", root)
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Warn("skipping unreadable path", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if d.Name() != pkgplugin.ManifestFile {
				return nil
			}

			m, hash, err := ParseManifest(path)
			if err != nil {
				logger.Warn("skipping invalid manifest", "path", path, "error", err)
				return nil
			}
			if prev, dup := found[m.Name]; dup {
				logger.Warn("duplicate plugin name, keeping first",
					"plugin", m.Name, "kept", prev.Manifest.Path, "skipped", m.Path)
				return nil
			}
			found[m.Name] = Discovered{Manifest: m, Hash: hash}
			logger.Debug("discovered plugin", "plugin", m.Name, "path", m.Path)
			return nil
		})
		if err != nil {
			logger.Warn("plugin directory scan failed", "path", root, "error", err)
		}
	}
	return found
}
