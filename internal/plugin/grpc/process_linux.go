//go:build linux

package grpc

import (
	"os/exec"
	"syscall"

	"github.com/goatkit/goatbridge/internal/plugin"
)

// prepareCommand ties the plugin process lifetime to the daemon and gives it
// a minimal environment.
func prepareCommand(cmd *exec.Cmd, m plugin.Manifest) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Plugin dies when the daemon dies
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Dir = m.Dir()
	cmd.Env = pluginEnv(m)
}
