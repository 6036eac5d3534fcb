package grpc

import (
	"os"

	"github.com/goatkit/goatbridge/internal/plugin"
)

// passthroughEnv is copied from the daemon when set. Credentials and other
// daemon configuration are not.
var passthroughEnv = []string{"PATH", "HOME", "TZ", "LANG", "TMPDIR", "VIRTUAL_ENV"}

// pluginEnv builds the process environment. go-plugin appends its own
// handshake variables.
func pluginEnv(m plugin.Manifest) []string {
	env := make([]string, 0, len(passthroughEnv)+2)
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if _, ok := os.LookupEnv("PATH"); !ok {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return append(env,
		"GOATBRIDGE_PLUGIN_NAME="+m.Name,
		"GOATBRIDGE_PLUGIN_DIR="+m.Dir(),
	)
}
