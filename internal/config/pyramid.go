package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/trajpipe/pyramid/internal/fsutil"
	"github.com/trajpipe/pyramid/internal/pyramid"
	"github.com/trajpipe/pyramid/internal/security"
)

// DefaultConfigFile is the config file name inside a model repository.
const DefaultConfigFile = "pyramidConfig.json"

// Readmission policies for a dataset landing in an already occupied cell.
const (
	ReadmitReplace    = "replace"
	ReadmitAccumulate = "accumulate"
	ReadmitReject     = "reject"
)

// Snapshot backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// PyramidConfig is the repository configuration read once at construction.
// The JSON keys H, L and build_pyramid_from_scratch match pyramidConfig.json
// files written by earlier tooling. Omitted fields fall back to the Get*
// defaults.
type PyramidConfig struct {
	Height           *int    `json:"H,omitempty"`
	Branching        *int    `json:"L,omitempty"` // reserved; branching is fixed at 4
	BuildFromScratch *bool   `json:"build_pyramid_from_scratch,omitempty"`
	TokensThreshold  *uint64 `json:"tokens_threshold_per_cell,omitempty"`

	ReadmitPolicy   *string `json:"readmit_policy,omitempty"`   // replace | accumulate | reject
	SnapshotBackend *string `json:"snapshot_backend,omitempty"` // file | sqlite
	SnapshotFile    *string `json:"snapshot_file,omitempty"`    // relative to the repository dir
	ModelsDir       *string `json:"models_dir,omitempty"`       // relative to the repository dir
}

// Helper functions to create pointers
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrUint64(v uint64) *uint64 { return &v }
func ptrString(v string) *string { return &v }

// EmptyPyramidConfig returns a PyramidConfig with all fields unset.
func EmptyPyramidConfig() *PyramidConfig {
	return &PyramidConfig{}
}

// DefaultPyramidConfig returns a PyramidConfig with every field set to its
// default.
func DefaultPyramidConfig() *PyramidConfig {
	return &PyramidConfig{
		Height:           ptrInt(5),
		Branching:        ptrInt(3),
		BuildFromScratch: ptrBool(false),
		TokensThreshold:  ptrUint64(pyramid.DefaultTokensThreshold),
		ReadmitPolicy:    ptrString(ReadmitReplace),
		SnapshotBackend:  ptrString(BackendFile),
		SnapshotFile:     ptrString("partioningPyramid.json"),
		ModelsDir:        ptrString("models"),
	}
}

// LoadPyramidConfig loads a PyramidConfig from a JSON file on disk.
func LoadPyramidConfig(path string) (*PyramidConfig, error) {
	return LoadPyramidConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadPyramidConfigFS loads a PyramidConfig through fsys. The file must have a
// .json extension and be under 1MB. Every failure wraps pyramid.ErrConfig.
func LoadPyramidConfigFS(fsys fsutil.FileSystem, path string) (*PyramidConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", pyramid.ErrConfig, ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file %s not found", pyramid.ErrConfig, cleanPath)
		}
		return nil, fmt.Errorf("%w: failed to stat config file: %v", pyramid.ErrConfig, err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", pyramid.ErrConfig, fileInfo.Size(), maxConfigFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", pyramid.ErrConfig, err)
	}

	cfg := EmptyPyramidConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %v", pyramid.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config as indented JSON through fsys.
func (c *PyramidConfig) Save(fsys fsutil.FileSystem, path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(fsys, path, data, 0644)
}

// Validate checks that the configuration values are valid. Errors wrap
// pyramid.ErrConfig.
func (c *PyramidConfig) Validate() error {
	h := c.GetHeight()
	if h < 0 || h > pyramid.MaxHeight {
		return fmt.Errorf("%w: H must be in [0, %d], got %d", pyramid.ErrConfig, pyramid.MaxHeight, h)
	}
	if l := c.GetBranching(); l < 1 {
		return fmt.Errorf("%w: L must be positive, got %d", pyramid.ErrConfig, l)
	}
	k := c.GetTokensThreshold()
	if k == 0 {
		return fmt.Errorf("%w: tokens_threshold_per_cell must be positive", pyramid.ErrConfig)
	}
	// The coarsest threshold is the largest; it must fit in uint64.
	if _, err := pyramid.Threshold(k, h, 0); err != nil {
		return fmt.Errorf("%w: tokens_threshold_per_cell %d too large for H=%d", pyramid.ErrConfig, k, h)
	}
	switch p := c.GetReadmitPolicy(); p {
	case ReadmitReplace, ReadmitAccumulate, ReadmitReject:
	default:
		return fmt.Errorf("%w: unknown readmit_policy %q", pyramid.ErrConfig, p)
	}
	switch b := c.GetSnapshotBackend(); b {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown snapshot_backend %q", pyramid.ErrConfig, b)
	}
	// Both paths are joined to the repository directory.
	if err := security.ValidateRelativePath(c.GetSnapshotFile()); err != nil {
		return fmt.Errorf("%w: snapshot_file: %v", pyramid.ErrConfig, err)
	}
	if err := security.ValidateRelativePath(c.GetModelsDir()); err != nil {
		return fmt.Errorf("%w: models_dir: %v", pyramid.ErrConfig, err)
	}
	return nil
}

// GetHeight returns H or the default.
func (c *PyramidConfig) GetHeight() int {
	if c.Height == nil {
		return 5 // default
	}
	return *c.Height
}

// GetBranching returns L or the default.
func (c *PyramidConfig) GetBranching() int {
	if c.Branching == nil {
		return 3 // default
	}
	return *c.Branching
}

// GetBuildFromScratch returns build_pyramid_from_scratch or the default.
func (c *PyramidConfig) GetBuildFromScratch() bool {
	if c.BuildFromScratch == nil {
		return false // default
	}
	return *c.BuildFromScratch
}

// GetTokensThreshold returns k or the default.
func (c *PyramidConfig) GetTokensThreshold() uint64 {
	if c.TokensThreshold == nil {
		return pyramid.DefaultTokensThreshold
	}
	return *c.TokensThreshold
}

// GetReadmitPolicy returns readmit_policy or the default.
func (c *PyramidConfig) GetReadmitPolicy() string {
	if c.ReadmitPolicy == nil {
		return ReadmitReplace // default
	}
	return *c.ReadmitPolicy
}

// GetSnapshotBackend returns snapshot_backend or the default.
func (c *PyramidConfig) GetSnapshotBackend() string {
	if c.SnapshotBackend == nil {
		return BackendFile // default
	}
	return *c.SnapshotBackend
}

// GetSnapshotFile returns snapshot_file or the default.
func (c *PyramidConfig) GetSnapshotFile() string {
	if c.SnapshotFile == nil {
		return "partioningPyramid.json" // default
	}
	return *c.SnapshotFile
}

// GetModelsDir returns models_dir or the default.
func (c *PyramidConfig) GetModelsDir() string {
	if c.ModelsDir == nil {
		return "models" // default
	}
	return *c.ModelsDir
}

// WithHeight sets H.
func (c *PyramidConfig) WithHeight(h int) *PyramidConfig {
	c.Height = ptrInt(h)
	return c
}

// WithBuildFromScratch selects building a fresh pyramid over loading one.
func (c *PyramidConfig) WithBuildFromScratch(b bool) *PyramidConfig {
	c.BuildFromScratch = ptrBool(b)
	return c
}

// WithTokensThreshold sets k.
func (c *PyramidConfig) WithTokensThreshold(k uint64) *PyramidConfig {
	c.TokensThreshold = ptrUint64(k)
	return c
}

// WithReadmitPolicy sets the readmission policy.
func (c *PyramidConfig) WithReadmitPolicy(p string) *PyramidConfig {
	c.ReadmitPolicy = ptrString(p)
	return c
}

// WithSnapshotBackend sets the snapshot backend.
func (c *PyramidConfig) WithSnapshotBackend(b string) *PyramidConfig {
	c.SnapshotBackend = ptrString(b)
	return c
}
