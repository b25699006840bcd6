package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"swcache/internal/classify"
	"swcache/internal/lifecycle"
	"swcache/internal/partition"
)

const (
	defaultListen       = ":8080"
	defaultOrigin       = "http://localhost:3000"
	defaultStore        = "fs"
	defaultRedisAddr    = "localhost:6379"
	defaultCachePrefix  = "trustmarket"
	defaultCacheVersion = "1.0.1"
	defaultFetchTimeout = 10 * time.Second
	defaultRefresh      = 8

	mib = 1 << 20
)

// DefaultOptions returns the built-in values every other layer overrides.
func DefaultOptions() Options {
	return Options{
		Listen:       defaultListen,
		Origin:       defaultOrigin,
		DataDir:      defaultDataDir(),
		Store:        defaultStore,
		RedisAddr:    defaultRedisAddr,
		LogLevel:     "info",
		LogFormat:    "text",
		CachePrefix:  defaultCachePrefix,
		CacheVersion: defaultCacheVersion,
		Quota: quotaLimits{
			Static:  50 * mib,
			Dynamic: 20 * mib,
			Images:  100 * mib,
			API:     10 * mib,
		},
		Manifest:       append([]string(nil), lifecycle.DefaultManifest...),
		Rules:          classify.DefaultRules(),
		FetchTimeout:   defaultFetchTimeout,
		RefreshWorkers: defaultRefresh,
	}
}

func DefaultDataDirForCLI() string {
	return defaultDataDir()
}

func defaultDataDir() string {
	d, err := os.UserCacheDir()
	if err != nil || strings.TrimSpace(d) == "" {
		home, herr := os.UserHomeDir()
		if herr != nil || strings.TrimSpace(home) == "" {
			return ".swcache"
		}
		return filepath.Join(home, ".cache", "swcache")
	}
	return filepath.Join(d, "swcache")
}

func expandTilde(path string) string {
	p := strings.TrimSpace(path)
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func (o Options) names() partition.Names {
	return partition.NamesFor(o.CachePrefix, o.CacheVersion)
}

// quotaMap keys the enforced byte limits by partition name. The static
// partition holds the install manifest and is never trimmed; its quota is
// only reported.
func (o Options) quotaMap() map[string]int64 {
	n := o.names()
	return map[string]int64{
		n.Dynamic: o.Quota.Dynamic,
		n.Images:  o.Quota.Images,
		n.API:     o.Quota.API,
	}
}

func parseSize(key, value string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid config value %s=%q: %w", key, value, err)
	}
	return int64(n), nil
}

func formatSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text or json)", format)
	}
}
