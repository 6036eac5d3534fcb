// Package plugin tracks loaded plugins and their started state, and provides
// the Host handed to them.
//
// The contract types live in pkg/plugin so out-of-process plugin authors
// can import them; they are re-exported here for internal callers.
package plugin

import (
	"errors"
	"fmt"
	"strings"

	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

type Plugin = pkgplugin.Plugin
type Factory = pkgplugin.Factory
type Info = pkgplugin.Info
type RouteSpec = pkgplugin.RouteSpec
type Request = pkgplugin.Request
type Response = pkgplugin.Response
type Health = pkgplugin.Health
type Manifest = pkgplugin.Manifest

var (
	// ErrDuplicate is returned when a plugin name is already registered.
	ErrDuplicate = errors.New("plugin already registered")
	// ErrNotFound is returned for an unknown plugin name.
	ErrNotFound = errors.New("plugin not found")
	// ErrNotStarted is returned when calling a registered but stopped plugin.
	ErrNotStarted = errors.New("plugin not started")
	// ErrLoad matches every LoadError via errors.Is.
	ErrLoad = errors.New("plugin load failed")
)

// LoadError reports a bad entry point, a failed process start or a plugin
// that does not satisfy the contract. It is isolated to one plugin.
type LoadError struct {
	Plugin     string
	EntryPoint string
	Missing    []string
	Err        error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "load plugin %q", e.Plugin)
	if e.EntryPoint != "" {
		fmt.Fprintf(&b, " (%s)", e.EntryPoint)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *LoadError) Is(target error) bool { return target == ErrLoad }

func (e *LoadError) Unwrap() error { return e.Err }

// Verify checks a candidate's identity and capability set against the
// manifest it was loaded for. A description may come from either side. capabilities is nil for compiled-in plugins,
// whose surface is fixed by the Plugin interface.
func Verify(m Manifest, info Info, capabilities []string, required []string) error {
	var missing []string
	if info.Name == "" {
		missing = append(missing, "name")
	}
	if info.Version == "" {
		missing = append(missing, "version")
	}
	if info.Description == "" && m.Description == "" {
		missing = append(missing, "description")
	}
	if capabilities != nil {
		have := make(map[string]bool, len(capabilities))
		for _, c := range capabilities {
			have[c] = true
		}
		for _, c := range required {
			if !have[c] {
				missing = append(missing, c)
			}
		}
	}
	if len(missing) > 0 {
		return &LoadError{Plugin: m.Name, EntryPoint: m.EntryPoint, Missing: missing}
	}
	if info.Name != m.Name {
		return &LoadError{
			Plugin:     m.Name,
			EntryPoint: m.EntryPoint,
			Err:        fmt.Errorf("plugin reports name %q", info.Name),
		}
	}
	return nil
}
