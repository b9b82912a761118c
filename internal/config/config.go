// Package config loads the handful of scalar settings the proxy needs:
// listening port, origin host/path, cache sizing, and cache TTLs (§6.5).
// The shape — a flat struct with defaults, overridden first by environment
// variables and then by flags — is kept from the teacher's hand-rolled
// os.Getenv loader; pflag is layered on top the way rclone and tvarr layer
// flags over env-configurable defaults, so the same binary is operable
// either way without a second config path to keep in sync.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Config holds every runtime setting of the video proxy.
type Config struct {
	// Server
	BindAddr string // flag/env: --bind-addr / BIND_ADDR, default "0.0.0.0"
	Port     int    // flag/env: --port / PORT, default 8090

	// Origin
	TargetHost string // flag/env: --target-host / TARGET_HOST, required
	TargetPath string // flag/env: --target-path / TARGET_PATH, default "/webdav"

	// Segment cache (C4)
	SegmentSize int64 // flag/env: --seg-size / SEG, default 2 MiB
	CacheCap    int64 // flag/env: --cache-cap / CAP, default 500 MiB

	// Cache TTLs (§3 invariant 3)
	MetadataTTL time.Duration // flag/env: --metadata-ttl / METADATA_TTL, default 5m
	RedirectTTL time.Duration // flag/env: --redirect-ttl / REDIRECT_TTL, default 10m
	PreloadTTL  time.Duration // flag/env: --preload-ttl / PRELOAD_TTL, default 2m

	// SweepInterval is how often the background TTL sweeper runs (§3 Lifecycle).
	SweepInterval time.Duration
}

const (
	defaultSegmentSize = 2 * 1024 * 1024
	defaultCacheCap    = 500 * 1024 * 1024
)

// Load builds a Config from built-in defaults, overridden by environment
// variables, overridden in turn by command-line flags (flags > env > default).
// args is normally os.Args[1:].
func Load(args []string) (*Config, error) {
	c := &Config{
		BindAddr:      "0.0.0.0",
		Port:          8090,
		TargetPath:    "/webdav",
		SegmentSize:   defaultSegmentSize,
		CacheCap:      defaultCacheCap,
		MetadataTTL:   5 * time.Minute,
		RedirectTTL:   10 * time.Minute,
		PreloadTTL:    2 * time.Minute,
		SweepInterval: 60 * time.Second,
	}

	applyEnv(c)

	fs := pflag.NewFlagSet("videoproxy", pflag.ContinueOnError)
	bindAddr := fs.String("bind-addr", c.BindAddr, "listening bind address")
	port := fs.Int("port", c.Port, "listening port")
	targetHost := fs.String("target-host", c.TargetHost, "origin WebDAV host (scheme://host), required")
	targetPath := fs.String("target-path", c.TargetPath, "path prefix appended to the inbound path")
	segSize := fs.Int64("seg-size", c.SegmentSize, "segment cache block size in bytes")
	cacheCap := fs.Int64("cache-cap", c.CacheCap, "segment cache byte budget")
	metadataTTL := fs.Duration("metadata-ttl", c.MetadataTTL, "metadata cache TTL")
	redirectTTL := fs.Duration("redirect-ttl", c.RedirectTTL, "redirect cache TTL")
	preloadTTL := fs.Duration("preload-ttl", c.PreloadTTL, "preload dedup TTL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c.BindAddr = *bindAddr
	c.Port = *port
	c.TargetHost = *targetHost
	c.TargetPath = *targetPath
	c.SegmentSize = *segSize
	c.CacheCap = *cacheCap
	c.MetadataTTL = *metadataTTL
	c.RedirectTTL = *redirectTTL
	c.PreloadTTL = *preloadTTL

	if c.TargetHost == "" {
		return nil, fmt.Errorf("config: TARGET_HOST (or --target-host) is required")
	}
	return c, nil
}

// applyEnv overrides c's defaults from environment variables, the middle
// tier of the precedence chain (flags still win over these).
func applyEnv(c *Config) {
	if v := os.Getenv("BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("TARGET_HOST"); v != "" {
		c.TargetHost = v
	}
	if v := os.Getenv("TARGET_PATH"); v != "" {
		c.TargetPath = v
	}
	if v := os.Getenv("SEG"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SegmentSize = n
		}
	}
	if v := os.Getenv("CAP"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CacheCap = n
		}
	}
	if v := os.Getenv("METADATA_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MetadataTTL = d
		}
	}
	if v := os.Getenv("REDIRECT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RedirectTTL = d
		}
	}
	if v := os.Getenv("PRELOAD_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PreloadTTL = d
		}
	}
}

// LogSummary emits the resolved configuration as a single structured log
// line, the zap-ified equivalent of the teacher's startup Printf block.
func (c *Config) LogSummary(log *zap.Logger) {
	log.Info("configuration",
		zap.String("bindAddr", c.BindAddr),
		zap.Int("port", c.Port),
		zap.String("targetHost", c.TargetHost),
		zap.String("targetPath", c.TargetPath),
		zap.Int64("segmentSize", c.SegmentSize),
		zap.Int64("cacheCap", c.CacheCap),
		zap.Duration("metadataTTL", c.MetadataTTL),
		zap.Duration("redirectTTL", c.RedirectTTL),
		zap.Duration("preloadTTL", c.PreloadTTL),
	)
}
