package updater

import (
	"log/slog"
	"time"

	"github.com/bigbag/papyrix-ota/internal/manifest"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Config holds the engine configuration.
type Config struct {
	// Firmware identifies the running firmware. Platform must match the
	// manifest; Version and BuildID are compared when same-version
	// updates are ignored.
	Firmware manifest.Firmware

	// Timeout bounds a whole update session.
	Timeout time.Duration

	// MaxManifestSize caps the declared size of manifest.json, which is
	// buffered whole.
	MaxManifestSize uint32

	// Logger is used for logging operations
	Logger *slog.Logger

	// OnEvent observes (and may decline) updates (optional)
	OnEvent EventFunc

	// AfterFunc schedules the session watchdog
	AfterFunc AfterFunc
}

func defaultConfig() Config {
	return Config{
		Timeout:         10 * time.Minute,
		MaxManifestSize: 16 * 1024,
		Logger:          slog.Default(),
		AfterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithFirmware sets the identity of the running firmware.
func WithFirmware(fw manifest.Firmware) Option {
	return func(c *Config) {
		c.Firmware = fw
	}
}

// WithTimeout sets the session watchdog timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithMaxManifestSize caps the manifest size.
func WithMaxManifestSize(size uint32) Option {
	return func(c *Config) {
		if size > 0 {
			c.MaxManifestSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithEventCallback sets the update event callback.
func WithEventCallback(cb EventFunc) Option {
	return func(c *Config) {
		c.OnEvent = cb
	}
}

// WithAfterFunc replaces time.AfterFunc for the session watchdog.
func WithAfterFunc(af AfterFunc) Option {
	return func(c *Config) {
		if af != nil {
			c.AfterFunc = af
		}
	}
}
