package latticefs

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/latticefs/latticefs/cache"
	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
	"github.com/latticefs/latticefs/repolock"
)

// currentVersion is the single byte written to .hidden/version by
// Init. Open refuses to operate on a repo written by a version it
// doesn't recognize, per spec.md §9's open question on format
// evolution.
const currentVersion = 1

// StorageKind selects a Repo's VersionStore back end.
type StorageKind string

const (
	StorageLocalFS StorageKind = "localfs"
	StorageS3      StorageKind = "s3"
)

// RepoConfig parameterizes a repository: vnode sharding, cache
// sizing, chunking thresholds, the storage back end, and the
// single-writer lock's retry interval. Persisted as JSON at
// .hidden/config.json so a repo reopened later (or opened by a
// different process) uses the same parameters it was created with.
type RepoConfig struct {
	VNodeSize         int64       `json:"vnode_size"`
	CacheCapacity     int         `json:"cache_capacity"`
	ChunkThreshold    int64       `json:"chunk_threshold"`
	ChunkMinSize      uint        `json:"chunk_min_size"`
	ChunkMaxSize      uint        `json:"chunk_max_size"`
	StorageKind       StorageKind `json:"storage_kind"`
	S3Bucket          string      `json:"s3_bucket,omitempty"`
	S3Prefix          string      `json:"s3_prefix,omitempty"`
	LockRetryInterval int64       `json:"lock_retry_interval_ms"`

	// CompressAboveBytes, when a LocalFS store is in use, sets the
	// blob size threshold above which Put transparently zstd-compresses
	// stored content (0 disables compression). Has no effect on an
	// S3Store.
	CompressAboveBytes int64 `json:"compress_above_bytes,omitempty"`

	// EnableBackgroundValidation turns on commit.Validator's
	// post-commit content sweep (spec.md §9's "content validator
	// placeholder" decision: an opt-in, in-memory-only annotation,
	// never persisted to a CommitNode).
	EnableBackgroundValidation bool `json:"enable_background_validation"`
}

// DefaultConfig returns the configuration Init uses when the caller
// doesn't supply one: the teacher's 256KiB/1MiB chunk window, a
// 4MiB chunking threshold, local filesystem storage, and background
// validation off.
func DefaultConfig() RepoConfig {
	return RepoConfig{
		VNodeSize:         10000,
		CacheCapacity:     cache.DefaultCapacity,
		ChunkThreshold:    4 * 1024 * 1024,
		ChunkMinSize:      merkle.DefaultChunkBounds.Min,
		ChunkMaxSize:      merkle.DefaultChunkBounds.Max,
		StorageKind:       StorageLocalFS,
		LockRetryInterval: int64(repolock.DefaultRetryInterval / 1e6),
	}
}

func (c RepoConfig) chunkBounds() merkle.ChunkBounds {
	if c.ChunkMinSize == 0 {
		return merkle.DefaultChunkBounds
	}
	return merkle.ChunkBounds{Min: c.ChunkMinSize, Max: c.ChunkMaxSize}
}

func configPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".hidden", "config.json")
}

func versionPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".hidden", "version")
}

// writeConfigAtomic writes data to path via a temp file in the same
// directory followed by os.Rename, mirroring refs.writeAtomic so a
// reader never observes a partially written config or version file.
func writeConfigAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, uuid.NewString()+".tmp")
	if err != nil {
		return errs.IOf("config.write", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.IOf("config.write", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.IOf("config.write", path, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.IOf("config.write", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.IOf("config.write", path, err)
	}
	return nil
}

// writeConfig persists cfg as the repo's config.json and stamps
// .hidden/version with currentVersion, both via writeConfigAtomic so
// a reader never observes a partially written file.
func writeConfig(repoRoot string, cfg RepoConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errs.IOf("config.write", configPath(repoRoot), err)
	}
	if err := writeConfigAtomic(configPath(repoRoot), data); err != nil {
		return err
	}
	if err := writeConfigAtomic(versionPath(repoRoot), []byte{currentVersion}); err != nil {
		return err
	}
	return nil
}

// readConfig loads a repo's persisted config, rejecting a version
// byte this build doesn't recognize.
func readConfig(repoRoot string) (RepoConfig, error) {
	vdata, err := os.ReadFile(versionPath(repoRoot))
	if err != nil {
		return RepoConfig{}, errs.IOf("config.read", versionPath(repoRoot), err)
	}
	if len(vdata) != 1 || vdata[0] != currentVersion {
		return RepoConfig{}, errs.VersionMismatchf("config.read", versionPath(repoRoot), nil)
	}

	data, err := os.ReadFile(configPath(repoRoot))
	if err != nil {
		return RepoConfig{}, errs.IOf("config.read", configPath(repoRoot), err)
	}
	var cfg RepoConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RepoConfig{}, errs.Corruptedf("config.read", configPath(repoRoot), err)
	}
	return cfg, nil
}
