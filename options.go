package fvde

// Default sizes and limits.
const (
	// DefaultMemoryMax is the per-allocation limit (256MiB) recorded in
	// the volume options when WithMemoryLimit is not given. No parser in
	// this package checks sizes against it.
	DefaultMemoryMax = 256 << 20

	// DefaultEncryptedMetadataCacheSize is the encrypted-metadata cache
	// length recorded in the volume options when
	// WithEncryptedMetadataCacheSize is not given. No decrypted
	// encrypted-metadata blocks are kept after Group's walk.
	DefaultEncryptedMetadataCacheSize = 16
)

// Option configures how a Volume is opened.
type Option func(*volumeOptions)

// volumeOptions holds configuration applied by Open.
type volumeOptions struct {
	sectorCacheSize     int
	memoryMax           uint64
	encMetadataCacheLen int
	keybagData          []byte
}

func defaultVolumeOptions() *volumeOptions {
	return &volumeOptions{
		sectorCacheSize:     DefaultSectorCacheSize,
		memoryMax:           DefaultMemoryMax,
		encMetadataCacheLen: DefaultEncryptedMetadataCacheSize,
	}
}

// WithSectorCacheSize sets the number of decrypted sectors each logical
// volume keeps cached (spec §4.Q). Larger values improve performance for
// repeated or backward-seeking reads at the cost of memory.
func WithSectorCacheSize(size int) Option {
	return func(o *volumeOptions) {
		if size > 0 {
			o.sectorCacheSize = size
		}
	}
}

// WithMemoryLimit records a per-allocation limit in the volume options.
// No parser in this package consults it: sizes derived from on-disk
// fields are not checked against it, and no Memory error is raised.
func WithMemoryLimit(max uint64) Option {
	return func(o *volumeOptions) {
		if max > 0 {
			o.memoryMax = max
		}
	}
}

// WithEncryptedMetadataCacheSize records how many decrypted
// encrypted-metadata blocks (component M) to retain. The value is stored
// in the volume options only; Group keeps the logical volume descriptors
// from its walk and no decrypted blocks.
func WithEncryptedMetadataCacheSize(n int) Option {
	return func(o *volumeOptions) {
		if n >= 0 {
			o.encMetadataCacheLen = n
		}
	}
}

// WithKeybagData supplies the raw EncryptedRoot.plist document (§4.N).
// It is an auxiliary file the core never fetches on its own — it lives
// outside any physical volume, conventionally on the EFI/Recovery
// partition — so callers read it themselves and hand the bytes to Open.
// Without this option, Unlock with a password or recovery-password
// secret always fails; SetKey's raw-VMK path does not need a keybag.
func WithKeybagData(data []byte) Option {
	return func(o *volumeOptions) {
		o.keybagData = data
	}
}
