package plugin

import (
	"path/filepath"
	"strings"
)

// ManifestFile is the descriptor file name looked for during discovery.
const ManifestFile = "plugin.json"

// Manifest is a parsed plugin.json. It is immutable once parsed.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	EntryPoint   string   `json:"entry_point"`
	Description  string   `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	BridgeAPI    string   `json:"bridge_api,omitempty"`
	CLI          *CLISpec `json:"cli,omitempty"`

	// Path is the manifest file location, set by discovery.
	Path string `json:"path,omitempty"`
}

// CLISpec describes an optional client-side command the plugin ships.
type CLISpec struct {
	Command string `json:"command"`
	Script  string `json:"script,omitempty"`
}

// Dir returns the plugin root directory.
func (m Manifest) Dir() string {
	return filepath.Dir(m.Path)
}

// SplitEntryPoint returns the module and symbol parts of "module:Symbol".
// A missing symbol yields "".
func (m Manifest) SplitEntryPoint() (module, symbol string) {
	module, symbol, _ = strings.Cut(m.EntryPoint, ":")
	return strings.TrimSpace(module), strings.TrimSpace(symbol)
}
