package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// MarkerFileName signals that a plugin's dependencies are already installed.
const MarkerFileName = ".deps_installed"

// DefaultInstallTimeout bounds a single dependency installation run.
const DefaultInstallTimeout = 2 * time.Minute

// Installer ensures a plugin's declared external dependencies are present.
// Installation is idempotent: a completion marker in the plugin directory
// short-circuits repeat runs. Failures are reported, never fatal - the
// caller may still attempt to load the plugin.
type Installer struct {
	// Command is the external installer tool (default "luarocks").
	Command string

	// Args are prepended arguments; the dependency file path is appended.
	Args []string

	// Timeout bounds a single installer run.
	Timeout time.Duration

	logger *slog.Logger
}

// NewInstaller creates an installer with defaults.
func NewInstaller(logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		Command: "luarocks",
		Args:    []string{"install", "--deps-only"},
		Timeout: DefaultInstallTimeout,
		logger:  logger,
	}
}

// Install ensures the dependencies declared by the manifest are present.
// Returns true on success (including "nothing to do"), false on failure.
func (in *Installer) Install(ctx context.Context, m *Manifest) bool {
	depsPath := m.DependencyPath()
	if depsPath == "" {
		return true
	}
	if _, err := os.Stat(depsPath); err != nil {
		// Declared but absent dependency file: nothing to install.
		return true
	}

	marker := filepath.Join(m.Path(), MarkerFileName)
	if _, err := os.Stat(marker); err == nil {
		return true
	}

	if _, err := exec.LookPath(in.Command); err != nil {
		// Best effort: a missing installer tool is not a plugin failure.
		in.logger.Warn("dependency installer not found, skipping",
			"plugin", m.Name, "command", in.Command)
		return true
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, in.Args...), depsPath)
	cmd := exec.CommandContext(ctx, in.Command, args...)
	cmd.Dir = m.Path()
	// Without WaitDelay, CombinedOutput blocks past the timeout while
	// orphaned grandchildren hold the output pipe open.
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			in.logger.Error("dependency installation timed out",
				"plugin", m.Name, "timeout", timeout)
			return false
		}
		in.logger.Error("dependency installation failed",
			"plugin", m.Name, "error", err, "output", string(output))
		return false
	}

	if err := os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		// Installed fine, only the marker failed. Next run re-installs.
		in.logger.Warn("could not write completion marker",
			"plugin", m.Name, "error", err)
	}

	return true
}
