package trust

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Verify checks a bundle directory against its own index and an optional
// detached signature, and returns whether the bundle is trusted under cfg.
//
// The algorithm:
//  1. Decode bundle.index.json; reject an empty or missing index.
//  2. Reject any indexed path that escapes the bundle directory.
//  3. Rehash every indexed file from disk and compare against the index -
//     a single mismatch fails the whole bundle, regardless of trust mode.
//  4. Reject an index that does not list casparian.toml.
//  5. Decode and structurally validate casparian.toml.
//  6. If bundle.sig is present, base64-decode it to a 64-byte Ed25519
//     signature and verify it against SHA-256(bundle.index.json bytes) for
//     every signer key in cfg (filtered by cfg.SignerAllowList when
//     non-empty). The first signer that verifies wins.
//  7. Apply cfg.Mode: VaultSignedOnly requires a verified signature;
//     Permissive allows an unsigned bundle through with Verified=false.
func Verify(bundleDir string, cfg Config) (Result, Manifest, error) {
	index, err := readIndex(bundleDir)
	if err != nil {
		return Result{}, Manifest{}, err
	}

	if err := verifyFileHashes(bundleDir, index); err != nil {
		return Result{}, Manifest{}, err
	}

	if err := requireManifestIndexed(index); err != nil {
		return Result{}, Manifest{}, err
	}

	manifest, err := readManifest(bundleDir)
	if err != nil {
		return Result{}, Manifest{}, err
	}

	if err := validateManifest(manifest); err != nil {
		return Result{}, Manifest{}, err
	}

	result, err := verifySignature(bundleDir, index, cfg)
	if err != nil {
		return Result{}, Manifest{}, err
	}

	if !result.Verified && cfg.Mode == ModeVaultSignedOnly {
		return Result{}, Manifest{}, ErrBundleUnsigned
	}

	return result, manifest, nil
}

func readIndex(bundleDir string) (Index, error) {
	raw, err := os.ReadFile(filepath.Join(bundleDir, indexFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return Index{}, ErrIndexMissing
		}

		return Index{}, fmt.Errorf("trust: reading %s: %w", indexFilename, err)
	}

	var index Index
	if err := json.Unmarshal(raw, &index); err != nil {
		return Index{}, fmt.Errorf("trust: decoding %s: %w", indexFilename, err)
	}

	if len(index.Files) == 0 {
		return Index{}, ErrIndexEmpty
	}

	return index, nil
}

func verifyFileHashes(bundleDir string, index Index) error {
	for _, entry := range index.Files {
		cleaned := filepath.Clean(entry.Path)
		if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, entry.Path)
		}

		sum, err := hashFile(filepath.Join(bundleDir, cleaned))
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %q", ErrFileMissing, entry.Path)
			}

			return fmt.Errorf("trust: hashing %q: %w", entry.Path, err)
		}

		if !strings.EqualFold(sum, entry.SHA256) {
			return fmt.Errorf("%w: %q", ErrFileHashMismatch, entry.Path)
		}
	}

	return nil
}

func requireManifestIndexed(index Index) error {
	for _, entry := range index.Files {
		if filepath.Clean(entry.Path) == manifestFilename {
			return nil
		}
	}

	return ErrManifestNotIndexed
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func readManifest(bundleDir string) (Manifest, error) {
	var manifest Manifest

	_, err := toml.DecodeFile(filepath.Join(bundleDir, manifestFilename), &manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("trust: decoding %s: %w", manifestFilename, err)
	}

	return manifest, nil
}

func validateManifest(m Manifest) error {
	if m.Name == "" || m.Version == "" || m.ProtocolVersion == "" || m.Entrypoint == "" {
		return fmt.Errorf("%w: name, version, protocol_version, and entrypoint are required", ErrManifestInvalid)
	}

	switch m.RuntimeKind {
	case RuntimeNativeExec:
		if m.PlatformOS == "" || m.PlatformArch == "" {
			return ErrPlatformRequired
		}
	case RuntimePythonShim:
		if m.PlatformOS != "" || m.PlatformArch != "" {
			return ErrPlatformForbidden
		}
	default:
		return fmt.Errorf("%w: unknown runtime_kind %q", ErrManifestInvalid, m.RuntimeKind)
	}

	return nil
}

func verifySignature(bundleDir string, index Index, cfg Config) (Result, error) {
	sigPath := filepath.Join(bundleDir, sigFilename)

	sigFileBytes, err := os.ReadFile(sigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}

		return Result{}, fmt.Errorf("trust: reading %s: %w", sigFilename, err)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(sigFileBytes)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSignatureLength, err)
	}

	if len(sigBytes) != ed25519SigSize {
		return Result{}, ErrSignatureLength
	}

	indexBytes, err := os.ReadFile(filepath.Join(bundleDir, indexFilename))
	if err != nil {
		return Result{}, fmt.Errorf("trust: re-reading %s: %w", indexFilename, err)
	}

	digest := sha256.Sum256(indexBytes)

	for signerID, pubKeyB64 := range cfg.SignerKeys {
		if !signerAllowed(cfg.SignerAllowList, signerID) {
			continue
		}

		pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
		if err != nil {
			continue
		}

		if len(pubKey) != ed25519KeySize {
			continue
		}

		if ed25519.Verify(ed25519.PublicKey(pubKey), digest[:], sigBytes) {
			return Result{Verified: true, SignerID: signerID}, nil
		}
	}

	return Result{}, ErrBundleTampered
}

func signerAllowed(allowList []string, signerID string) bool {
	if len(allowList) == 0 {
		return true
	}

	for _, id := range allowList {
		if id == signerID {
			return true
		}
	}

	return false
}
