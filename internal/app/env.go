package app

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "SWCACHE_"

// envConfig mirrors the config file keys as SWCACHE_* variables. Empty means
// unset.
type envConfig struct {
	Listen         string   `env:"LISTEN"`
	Origin         string   `env:"ORIGIN"`
	DataDir        string   `env:"DATA_DIR"`
	Store          string   `env:"STORE"`
	RedisAddr      string   `env:"REDIS_ADDR"`
	LogLevel       string   `env:"LOG_LEVEL"`
	LogFormat      string   `env:"LOG_FORMAT"`
	CachePrefix    string   `env:"CACHE_PREFIX"`
	CacheVersion   string   `env:"CACHE_VERSION"`
	QuotaStatic    string   `env:"CACHE_QUOTA_STATIC"`
	QuotaDynamic   string   `env:"CACHE_QUOTA_DYNAMIC"`
	QuotaImages    string   `env:"CACHE_QUOTA_IMAGES"`
	QuotaAPI       string   `env:"CACHE_QUOTA_API"`
	ImageHosts     []string `env:"CLASSIFY_IMAGE_HOSTS" envSeparator:","`
	FetchTimeout   string   `env:"FETCH_TIMEOUT"`
	RefreshWorkers int      `env:"REFRESH_WORKERS"`
}

// loadEnv reads SWCACHE_* variables. A nil environment means the process
// environment.
func loadEnv(environ map[string]string) (envConfig, error) {
	var cfg envConfig
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return envConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// applyEnv layers environment values over file values. Flags still win.
func applyEnv(in Options, e envConfig) (Options, error) {
	out := in
	sources := make(map[string]string, len(in.ValueSource))
	for k, v := range in.ValueSource {
		sources[k] = v
	}

	setString := func(name, value string, dst *string) {
		if !in.flagChanged(name) && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
			sources[name] = "env"
		}
	}
	setString("listen", e.Listen, &out.Listen)
	setString("origin", e.Origin, &out.Origin)
	setString("store", e.Store, &out.Store)
	setString("redis-addr", e.RedisAddr, &out.RedisAddr)
	setString("log-level", e.LogLevel, &out.LogLevel)
	setString("log-format", e.LogFormat, &out.LogFormat)
	setString("cache-prefix", e.CachePrefix, &out.CachePrefix)
	setString("cache-version", e.CacheVersion, &out.CacheVersion)
	if !in.flagChanged("data-dir") && strings.TrimSpace(e.DataDir) != "" {
		out.DataDir = expandTilde(e.DataDir)
		sources["data-dir"] = "env"
	}
	if !in.flagChanged("refresh-workers") && e.RefreshWorkers != 0 {
		out.RefreshWorkers = e.RefreshWorkers
		sources["refresh-workers"] = "env"
	}
	if len(e.ImageHosts) > 0 {
		out.Rules.ImageHosts = e.ImageHosts
		sources["classify"] = "env"
	}

	var err error
	if !in.flagChanged("fetch-timeout") && strings.TrimSpace(e.FetchTimeout) != "" {
		if out.FetchTimeout, err = parseConfigDuration(envPrefix+"FETCH_TIMEOUT", e.FetchTimeout); err != nil {
			return Options{}, err
		}
		sources["fetch-timeout"] = "env"
	}
	quotas := []struct {
		key   string
		value string
		dst   *int64
	}{
		{envPrefix + "CACHE_QUOTA_STATIC", e.QuotaStatic, &out.Quota.Static},
		{envPrefix + "CACHE_QUOTA_DYNAMIC", e.QuotaDynamic, &out.Quota.Dynamic},
		{envPrefix + "CACHE_QUOTA_IMAGES", e.QuotaImages, &out.Quota.Images},
		{envPrefix + "CACHE_QUOTA_API", e.QuotaAPI, &out.Quota.API},
	}
	for _, q := range quotas {
		if strings.TrimSpace(q.value) == "" {
			continue
		}
		if *q.dst, err = parseSize(q.key, q.value); err != nil {
			return Options{}, err
		}
		sources["cache-quota"] = "env"
	}

	out.ValueSource = sources
	return out, nil
}
