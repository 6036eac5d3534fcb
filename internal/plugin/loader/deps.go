package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// DepsSyncer writes the union of plugin dependencies to a requirements file
// and optionally runs an install command. The hash of the last successful
// sync is persisted so unchanged dependency sets are skipped across restarts.
type DepsSyncer struct {
	RequirementsFile string
	HashFile         string
	// Command runs via "sh -c" with GOATBRIDGE_REQUIREMENTS set. Empty means
	// only the requirements file is written.
	Command string
	Logger  *slog.Logger

	run func(ctx context.Context, command string, env []string) ([]byte, error)
}

// Requirements returns the sorted, de-duplicated dependency union.
func Requirements(manifests map[string]Discovered) []string {
	seen := make(map[string]bool)
	var reqs []string
	for _, d := range manifests {
		for _, dep := range d.Manifest.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			reqs = append(reqs, dep)
		}
	}
	sort.Strings(reqs)
	return reqs
}

// Sync installs reqs when their hash differs from the persisted one or force
// is set. It reports whether a sync ran.
func (s *DepsSyncer) Sync(ctx context.Context, reqs []string, force bool) (bool, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	content := strings.Join(reqs, "\n")
	if content != "" {
		content += "\n"
	}
	hash := hashBytes([]byte(content))

	if !force && s.storedHash() == hash {
		logger.Debug("dependencies unchanged", "count", len(reqs))
		return false, nil
	}

	if err := writeFileAtomic(s.RequirementsFile, []byte(content)); err != nil {
		return false, fmt.Errorf("write requirements: %w", err)
	}

	if s.Command != "" {
		run := s.run
		if run == nil {
			run = runShell
		}
		env := append(os.Environ(), "GOATBRIDGE_REQUIREMENTS="+s.RequirementsFile)
		out, err := run(ctx, s.Command, env)
		if err != nil {
			logger.Error("dependency install failed", "command", s.Command, "error", err,
				"output", string(bytes.TrimSpace(out)))
			return true, fmt.Errorf("run deps command: %w", err)
		}
	}

	if err := writeFileAtomic(s.HashFile, []byte(hash+"\n")); err != nil {
		return true, fmt.Errorf("write deps hash: %w", err)
	}
	logger.Info("dependencies synced", "count", len(reqs))
	return true, nil
}

func (s *DepsSyncer) storedHash() string {
	data, err := os.ReadFile(s.HashFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) && s.Logger != nil {
			s.Logger.Warn("read deps hash", "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runShell(ctx context.Context, command string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = env
	return cmd.CombinedOutput()
}

// writeFileAtomic writes via a temp file and rename in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
