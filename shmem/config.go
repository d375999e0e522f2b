package shmem

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/caarlos0/env/v11"
)

// Config controls where segments are backed on disk and whether the platform
// shrink capability is overridden. All fields are read from the environment
// once, on first use.
type Config struct {
	// BaseDir is the directory backing shared memory files. When empty,
	// /dev/shm is used if present, falling back to the OS temp dir.
	BaseDir string `env:"SHMEM_BASE_DIR"`

	// SupportsShrink overrides the platform default for whether segments
	// can be truncated to a smaller size.
	SupportsShrink *bool `env:"SHMEM_SUPPORTS_SHRINK"`
}

var (
	cfgOnce sync.Once
	cfg     Config

	capMu     sync.Mutex
	capSet    bool
	capShrink bool
)

func loadConfig() Config {
	cfgOnce.Do(func() {
		if err := env.Parse(&cfg); err != nil {
			log.Warn().Err(err).Msg("invalid shmem environment configuration, using defaults")
			cfg = Config{}
		}
	})
	return cfg
}

// ShmDir returns the directory backing shared memory segment files.
func ShmDir() string {
	c := loadConfig()
	if c.BaseDir != "" {
		return c.BaseDir
	}
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

// SupportsShrink reports whether segments on this host can be resized to a
// smaller allocation. Darwin cannot shrink a shared memory object, so the
// capability defaults to false there. The value is resolved once.
func SupportsShrink() bool {
	capMu.Lock()
	defer capMu.Unlock()
	if !capSet {
		if o := loadConfig().SupportsShrink; o != nil {
			capShrink = *o
		} else {
			capShrink = runtime.GOOS != "darwin"
		}
		capSet = true
	}
	return capShrink
}

// SetSupportsShrink overrides the shrink capability. Intended for tests that
// need to exercise both downscale branches on one platform.
func SetSupportsShrink(v bool) {
	capMu.Lock()
	capShrink = v
	capSet = true
	capMu.Unlock()
}

func segmentPath(osID string) string {
	return filepath.Join(ShmDir(), osID)
}
