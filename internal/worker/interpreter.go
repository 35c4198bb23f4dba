package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// SystemEnvHash is the sentinel env_hash value meaning "run under the
// worker process's own Python", bypassing the venv cache entirely.
const SystemEnvHash = "system"

// ErrEnvNotCached is returned when a dispatch names an env_hash other
// than SystemEnvHash that has no prepared interpreter on file. A worker
// never auto-provisions from a bare dispatch; provisioning only happens
// through an explicit PrepareEnv message.
var ErrEnvNotCached = errors.New("worker: environment not cached")

// EnvCache resolves env_hash values to interpreter paths and, on
// explicit request, provisions new ones.
type EnvCache interface {
	SystemInterpreter() string
	Lookup(envHash string) (interpreterPath string, ok bool)
	Prepare(ctx context.Context, envHash, lockfileContent, pythonVersion string) (interpreterPath string, err error)
}

// ResolveInterpreter maps a job's env_hash to an interpreter path,
// consulting cache. It never provisions: a miss for anything but
// SystemEnvHash is an error, per the no-auto-provision rule.
func ResolveInterpreter(envHash string, cache EnvCache) (string, error) {
	if envHash == SystemEnvHash {
		return cache.SystemInterpreter(), nil
	}

	path, ok := cache.Lookup(envHash)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrEnvNotCached, envHash)
	}

	return path, nil
}

// VenvManager is a shared, read-mostly interpreter cache keyed by
// env_hash: a bare lookup only ever reads the map, and provisioning a
// new environment takes the write lock just long enough to record the
// path once `python -m venv` and the lockfile install finish.
type VenvManager struct {
	mu        sync.RWMutex
	envs      map[string]string
	baseDir   string
	systemPy  string
	runVenv   func(ctx context.Context, baseDir, envHash, lockfileContent, pythonVersion string) (string, error)
}

// NewVenvManager returns a VenvManager rooted at baseDir, using
// systemInterpreter for SystemEnvHash dispatches.
func NewVenvManager(baseDir, systemInterpreter string) *VenvManager {
	return &VenvManager{
		envs:     make(map[string]string),
		baseDir:  baseDir,
		systemPy: systemInterpreter,
		runVenv:  provisionVenv,
	}
}

// SystemInterpreter returns the interpreter used for SystemEnvHash jobs.
func (m *VenvManager) SystemInterpreter() string {
	return m.systemPy
}

// Lookup reports the interpreter path cached for envHash, if any.
func (m *VenvManager) Lookup(envHash string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, ok := m.envs[envHash]

	return path, ok
}

// Prepare provisions (or returns the already-cached) interpreter for
// envHash. Double-checks under the write lock so two concurrent
// PrepareEnv requests for the same hash provision only once.
func (m *VenvManager) Prepare(ctx context.Context, envHash, lockfileContent, pythonVersion string) (string, error) {
	if path, ok := m.Lookup(envHash); ok {
		return path, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if path, ok := m.envs[envHash]; ok {
		return path, nil
	}

	path, err := m.runVenv(ctx, m.baseDir, envHash, lockfileContent, pythonVersion)
	if err != nil {
		return "", fmt.Errorf("worker: provisioning env %q: %w", envHash, err)
	}

	m.envs[envHash] = path

	return path, nil
}

// provisionVenv creates a virtualenv under baseDir/envHash, installs
// lockfileContent as a requirements file, and returns the venv's
// interpreter path. This is the disk-heavy operation the cooperative
// scheduler keeps off its main loop by running env preparation in its
// own goroutine.
func provisionVenv(ctx context.Context, baseDir, envHash, lockfileContent, pythonVersion string) (string, error) {
	dir := filepath.Join(baseDir, envHash)

	pyBin := "python3"
	if pythonVersion != "" {
		pyBin = "python" + pythonVersion
	}

	if err := exec.CommandContext(ctx, pyBin, "-m", "venv", dir).Run(); err != nil {
		return "", fmt.Errorf("creating venv: %w", err)
	}

	interpreterPath := filepath.Join(dir, "bin", "python")

	if lockfileContent == "" {
		return interpreterPath, nil
	}

	reqFile := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(reqFile, []byte(lockfileContent), 0o600); err != nil {
		return "", fmt.Errorf("writing lockfile: %w", err)
	}

	if err := exec.CommandContext(ctx, interpreterPath, "-m", "pip", "install", "-r", reqFile).Run(); err != nil {
		return "", fmt.Errorf("installing lockfile: %w", err)
	}

	return interpreterPath, nil
}
