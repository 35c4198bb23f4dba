// Package trust verifies signed plugin bundles and resolves signer identity.
//
// A bundle is a directory carrying a TOML manifest, a file index with
// per-file SHA-256 hashes, an optional Ed25519 signature over that index,
// and one or more schema JSON files. Verification never trusts the
// manifest's own claims about file contents - every listed file is
// rehashed from disk before a signature is considered.
package trust

import "errors"

// RuntimeKind identifies how a bundle's entrypoint is executed.
type RuntimeKind string

const (
	// RuntimeNativeExec is a compiled binary invoked directly.
	RuntimeNativeExec RuntimeKind = "native_exec"
	// RuntimePythonShim is a Python script invoked through the worker's shim.
	RuntimePythonShim RuntimeKind = "python_shim"
)

// Mode controls how an unsigned or unverifiable bundle is treated.
type Mode string

const (
	// ModeVaultSignedOnly rejects any bundle that does not verify against
	// a known signer key.
	ModeVaultSignedOnly Mode = "vault_signed_only"
	// ModePermissive allows unsigned bundles to install with verified=false.
	ModePermissive Mode = "permissive"
)

// Sentinel errors returned by Verify and Install. ErrSignerKeyLength is
// the exception: Verify skips a signer key that does not decode to 32
// bytes rather than returning it.
var (
	ErrIndexMissing      = errors.New("trust: bundle.index.json not found")
	ErrIndexEmpty        = errors.New("trust: bundle.index.json lists no files")
	ErrUnsafePath        = errors.New("trust: bundle index contains an unsafe path")
	ErrManifestNotIndexed = errors.New("trust: bundle.index.json does not include the manifest entry")
	ErrFileHashMismatch  = errors.New("trust: file hash does not match bundle.index.json")
	ErrFileMissing       = errors.New("trust: indexed file missing from bundle directory")
	ErrSignatureLength   = errors.New("trust: bundle.sig is not a 64-byte Ed25519 signature")
	ErrSignerKeyLength   = errors.New("trust: signer public key is not 32 bytes")
	ErrBundleUnsigned    = errors.New("trust: bundle is unsigned and trust mode requires a verified signature")
	ErrBundleTampered    = errors.New("trust: bundle signature does not verify under any configured signer")
	ErrManifestInvalid   = errors.New("trust: casparian.toml manifest is invalid")
	ErrPlatformRequired  = errors.New("trust: native_exec bundles must declare platform_os and platform_arch")
	ErrPlatformForbidden = errors.New("trust: non-native bundles must not declare platform_os/platform_arch")
)

// Manifest is the decoded casparian.toml descriptor carried by every bundle.
type Manifest struct {
	Name            string      `toml:"name"`
	Version         string      `toml:"version"`
	ProtocolVersion string      `toml:"protocol_version"`
	RuntimeKind     RuntimeKind `toml:"runtime_kind"`
	Entrypoint      string      `toml:"entrypoint"`
	PlatformOS      string      `toml:"platform_os"`
	PlatformArch    string      `toml:"platform_arch"`
}

// IndexEntry is one file record inside bundle.index.json.
type IndexEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Index is the decoded contents of bundle.index.json.
type Index struct {
	Files []IndexEntry `json:"files"`
}

// Config is the process-wide, read-only trust configuration loaded once
// at startup. Signer keys and allow-lists never mutate after load.
type Config struct {
	Mode                Mode
	SignerAllowList     []string          // signer_id values; empty means "all known signers"
	SignerKeys          map[string]string // signer_id -> base64(Ed25519 public key)
	AllowUnsignedNative bool
	AllowUnsignedPython bool
}

// Result is the outcome of verifying one bundle.
type Result struct {
	Verified bool
	SignerID string // empty unless Verified
}

const (
	manifestFilename = "casparian.toml"
	indexFilename    = "bundle.index.json"
	sigFilename      = "bundle.sig"
	ed25519SigSize   = 64
	ed25519KeySize   = 32
)
