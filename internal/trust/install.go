package trust

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrDestinationExists is returned by Install when the target directory
// already holds an installed bundle.
var ErrDestinationExists = errors.New("trust: destination bundle directory already exists")

// Install verifies a staged bundle directory and, if trust allows it,
// copies it into destDir. destDir must not already exist - installation
// never overwrites a previously installed bundle; callers that want to
// replace a bundle must remove the old one first.
//
// On success it returns the verification result and the decoded manifest
// so callers can record signer identity and runtime kind alongside the
// installed bundle.
func Install(logger *slog.Logger, srcDir, destDir string, cfg Config) (Result, Manifest, error) {
	result, manifest, err := Verify(srcDir, cfg)
	if err != nil {
		logger.Warn("bundle verification failed",
			slog.String("src", srcDir),
			slog.String("error", err.Error()),
		)

		return Result{}, Manifest{}, err
	}

	if _, err := os.Stat(destDir); err == nil {
		return Result{}, Manifest{}, fmt.Errorf("%w: %s", ErrDestinationExists, destDir)
	}

	if err := copyTree(srcDir, destDir); err != nil {
		return Result{}, Manifest{}, fmt.Errorf("trust: installing bundle: %w", err)
	}

	logger.Info("bundle installed",
		slog.String("name", manifest.Name),
		slog.String("version", manifest.Version),
		slog.Bool("verified", result.Verified),
		slog.String("signer_id", result.SignerID),
	)

	return result, manifest, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)

		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)

		return err
	}

	return os.Rename(tmp, dst)
}
