//go:build !linux

package grpc

import (
	"os/exec"

	"github.com/goatkit/goatbridge/internal/plugin"
)

// prepareCommand gives the plugin a minimal environment. Orphaned processes
// are not reaped automatically on this platform.
func prepareCommand(cmd *exec.Cmd, m plugin.Manifest) {
	cmd.Dir = m.Dir()
	cmd.Env = pluginEnv(m)
}
