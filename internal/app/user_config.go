package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"swcache/internal/classify"
)

const defaultConfigRelPath = ".config/swcache/config.yaml"

type UserConfig struct {
	Listen    string          `yaml:"listen"`
	Origin    string          `yaml:"origin"`
	DataDir   string          `yaml:"data_dir"`
	Store     string          `yaml:"store"`
	RedisAddr string          `yaml:"redis_addr"`
	Log       userConfigLog   `yaml:"log"`
	Cache     userConfigCache `yaml:"cache"`
	Classify  classify.Rules  `yaml:"classify"`
	Fetch     userConfigFetch `yaml:"fetch"`
	Refresh   userConfigRef   `yaml:"refresh"`
}

type userConfigLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type userConfigCache struct {
	Prefix   string          `yaml:"prefix"`
	Version  string          `yaml:"version"`
	Manifest []string        `yaml:"manifest"`
	Quota    userConfigQuota `yaml:"quota"`
}

type userConfigQuota struct {
	Static  string `yaml:"static"`
	Dynamic string `yaml:"dynamic"`
	Images  string `yaml:"images"`
	API     string `yaml:"api"`
}

type userConfigFetch struct {
	Timeout string `yaml:"timeout"`
}

type userConfigRef struct {
	Workers *int `yaml:"workers"`
}

func resolveConfigPath(cliPath string) string {
	if strings.TrimSpace(cliPath) != "" {
		return expandTilde(cliPath)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return defaultConfigRelPath
	}
	return filepath.Join(home, defaultConfigRelPath)
}

func loadUserConfig(path string) (UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return UserConfig{}, nil
		}
		return UserConfig{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return UserConfig{}, nil
	}

	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return UserConfig{}, fmt.Errorf("parse config file %q: %w", path, err)
	}
	warnUnknownConfigKeys(os.Stderr, root)

	var cfg UserConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return UserConfig{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

func mergeOptions(cli Options, cfg UserConfig) (Options, error) {
	out := cli
	sources := map[string]string{
		"listen":          "built-in",
		"origin":          "built-in",
		"data-dir":        "built-in",
		"store":           "built-in",
		"redis-addr":      "built-in",
		"log-level":       "built-in",
		"log-format":      "built-in",
		"cache-prefix":    "built-in",
		"cache-version":   "built-in",
		"cache-quota":     "built-in",
		"cache-manifest":  "built-in",
		"classify":        "built-in",
		"fetch-timeout":   "built-in",
		"refresh-workers": "built-in",
	}

	setFromConfig := func(name string) bool {
		return !cli.flagChanged(name)
	}
	setString := func(name, value string, dst *string) {
		if setFromConfig(name) && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
			sources[name] = "config"
		}
	}

	setString("listen", cfg.Listen, &out.Listen)
	setString("origin", cfg.Origin, &out.Origin)
	setString("store", cfg.Store, &out.Store)
	setString("redis-addr", cfg.RedisAddr, &out.RedisAddr)
	setString("log-level", cfg.Log.Level, &out.LogLevel)
	setString("log-format", cfg.Log.Format, &out.LogFormat)
	setString("cache-prefix", cfg.Cache.Prefix, &out.CachePrefix)
	setString("cache-version", cfg.Cache.Version, &out.CacheVersion)
	if setFromConfig("data-dir") && strings.TrimSpace(cfg.DataDir) != "" {
		out.DataDir = expandTilde(cfg.DataDir)
		sources["data-dir"] = "config"
	}
	if setFromConfig("refresh-workers") && cfg.Refresh.Workers != nil {
		out.RefreshWorkers = *cfg.Refresh.Workers
		sources["refresh-workers"] = "config"
	}
	if len(cfg.Cache.Manifest) > 0 {
		out.Manifest = append([]string(nil), cfg.Cache.Manifest...)
		sources["cache-manifest"] = "config"
	}
	if rules, changed := mergeRules(out.Rules, cfg.Classify); changed {
		out.Rules = rules
		sources["classify"] = "config"
	}

	var err error
	if setFromConfig("fetch-timeout") && strings.TrimSpace(cfg.Fetch.Timeout) != "" {
		out.FetchTimeout, err = parseConfigDuration("fetch.timeout", cfg.Fetch.Timeout)
		if err != nil {
			return Options{}, err
		}
		sources["fetch-timeout"] = "config"
	}
	quotas := []struct {
		key   string
		value string
		dst   *int64
	}{
		{"cache.quota.static", cfg.Cache.Quota.Static, &out.Quota.Static},
		{"cache.quota.dynamic", cfg.Cache.Quota.Dynamic, &out.Quota.Dynamic},
		{"cache.quota.images", cfg.Cache.Quota.Images, &out.Quota.Images},
		{"cache.quota.api", cfg.Cache.Quota.API, &out.Quota.API},
	}
	for _, q := range quotas {
		if strings.TrimSpace(q.value) == "" {
			continue
		}
		if *q.dst, err = parseSize(q.key, q.value); err != nil {
			return Options{}, err
		}
		sources["cache-quota"] = "config"
	}

	for name := range sources {
		if cli.flagChanged(name) {
			sources[name] = "flag"
		}
	}

	out.ValueSource = sources
	return out, nil
}

// mergeRules replaces each list of base that the config sets.
func mergeRules(base, cfg classify.Rules) (classify.Rules, bool) {
	out := base
	changed := false
	if len(cfg.APIPatterns) > 0 {
		out.APIPatterns = cfg.APIPatterns
		changed = true
	}
	if len(cfg.StalePatterns) > 0 {
		out.StalePatterns = cfg.StalePatterns
		changed = true
	}
	if len(cfg.ImageHosts) > 0 {
		out.ImageHosts = cfg.ImageHosts
		changed = true
	}
	return out, changed
}

func printEffectiveConfig(w io.Writer, opts Options) {
	src := func(key string) string { return sourceOf(opts, key) }
	fmt.Fprintf(w, "listen: %s (%s)\n", opts.Listen, src("listen"))
	fmt.Fprintf(w, "origin: %s (%s)\n", opts.Origin, src("origin"))
	fmt.Fprintf(w, "data_dir: %s (%s)\n", opts.DataDir, src("data-dir"))
	fmt.Fprintf(w, "store: %s (%s)\n", opts.Store, src("store"))
	fmt.Fprintf(w, "redis_addr: %s (%s)\n", opts.RedisAddr, src("redis-addr"))
	fmt.Fprintf(w, "log.level: %s (%s)\n", opts.LogLevel, src("log-level"))
	fmt.Fprintf(w, "log.format: %s (%s)\n", opts.LogFormat, src("log-format"))
	fmt.Fprintf(w, "cache.prefix: %s (%s)\n", opts.CachePrefix, src("cache-prefix"))
	fmt.Fprintf(w, "cache.version: %s (%s)\n", opts.CacheVersion, src("cache-version"))
	fmt.Fprintf(w, "cache.quota.static: %s (%s)\n", formatSize(opts.Quota.Static), src("cache-quota"))
	fmt.Fprintf(w, "cache.quota.dynamic: %s (%s)\n", formatSize(opts.Quota.Dynamic), src("cache-quota"))
	fmt.Fprintf(w, "cache.quota.images: %s (%s)\n", formatSize(opts.Quota.Images), src("cache-quota"))
	fmt.Fprintf(w, "cache.quota.api: %s (%s)\n", formatSize(opts.Quota.API), src("cache-quota"))
	fmt.Fprintf(w, "cache.manifest: %d assets (%s)\n", len(opts.Manifest), src("cache-manifest"))
	fmt.Fprintf(w, "classify.api_patterns: %s (%s)\n", strings.Join(opts.Rules.APIPatterns, ", "), src("classify"))
	fmt.Fprintf(w, "classify.stale_patterns: %s (%s)\n", strings.Join(opts.Rules.StalePatterns, ", "), src("classify"))
	fmt.Fprintf(w, "classify.image_hosts: %s (%s)\n", strings.Join(opts.Rules.ImageHosts, ", "), src("classify"))
	fmt.Fprintf(w, "fetch.timeout: %s (%s)\n", opts.FetchTimeout, src("fetch-timeout"))
	fmt.Fprintf(w, "refresh.workers: %d (%s)\n", opts.RefreshWorkers, src("refresh-workers"))
}

func configExample() string {
	d := DefaultOptions()
	return fmt.Sprintf(`listen: %s
origin: %s
data_dir: %s
store: %s
redis_addr: %s

log:
  level: info
  format: text

cache:
  prefix: %s
  version: %s
  quota:
    static: 50MiB
    dynamic: 20MiB
    images: 100MiB
    api: 10MiB

classify:
  image_hosts: [cloudinary.com]

fetch:
  timeout: %s

refresh:
  workers: %d
`, strconv.Quote(d.Listen), strconv.Quote(d.Origin), strconv.Quote(d.DataDir), d.Store,
		strconv.Quote(d.RedisAddr), strconv.Quote(d.CachePrefix), strconv.Quote(d.CacheVersion),
		d.FetchTimeout, d.RefreshWorkers)
}

// ensureDefaultConfigFile writes the example config when none exists yet so
// the watched file is there to edit.
func ensureDefaultConfigFile(path string) (bool, error) {
	target := resolveConfigPath(path)
	if _, err := os.Stat(target); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file %q: %w", target, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(configExample()), 0o644); err != nil {
		return false, fmt.Errorf("write default config file %q: %w", target, err)
	}
	return true, nil
}

func writeConfigExample(path string) error {
	if strings.TrimSpace(path) == "-" {
		fmt.Fprint(stdout, configExample())
		return nil
	}
	target := resolveConfigPath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("config file already exists at %s", target)
	}
	if err := os.WriteFile(target, []byte(configExample()), 0o644); err != nil {
		return fmt.Errorf("write config file %q: %w", target, err)
	}
	fmt.Fprintf(stdout, "Wrote example config to %s\n", target)
	return nil
}

func parseConfigDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid config value %s=%q: %w", key, value, err)
	}
	return d, nil
}

func warnUnknownConfigKeys(w io.Writer, root map[string]any) {
	known := map[string]map[string]struct{}{
		"listen":     nil,
		"origin":     nil,
		"data_dir":   nil,
		"store":      nil,
		"redis_addr": nil,
		"log":        {"level": {}, "format": {}},
		"cache":      {"prefix": {}, "version": {}, "manifest": {}, "quota": {}},
		"classify":   {"api_patterns": {}, "stale_patterns": {}, "image_hosts": {}},
		"fetch":      {"timeout": {}},
		"refresh":    {"workers": {}},
	}
	knownQuota := map[string]struct{}{"static": {}, "dynamic": {}, "images": {}, "api": {}}

	for k, v := range root {
		nested, ok := known[k]
		if !ok {
			fmt.Fprintf(w, "warning: ignoring unknown config key %q\n", k)
			continue
		}
		if nested == nil {
			continue
		}
		warnUnknownNested(w, k, v, nested)
		if k == "cache" {
			if m, ok := v.(map[string]any); ok {
				warnUnknownNested(w, "cache.quota", m["quota"], knownQuota)
			}
		}
	}
}

func warnUnknownNested(w io.Writer, prefix string, raw any, known map[string]struct{}) {
	m, ok := raw.(map[string]any)
	if !ok {
		return
	}
	for k := range m {
		if _, exists := known[k]; !exists {
			fmt.Fprintf(w, "warning: ignoring unknown config key %q\n", prefix+"."+k)
		}
	}
}

func sourceOf(opts Options, key string) string {
	if opts.ValueSource == nil {
		return "unknown"
	}
	if src, ok := opts.ValueSource[key]; ok {
		return src
	}
	return "unknown"
}

func validateOptionsWithSource(opts Options) error {
	if err := validateOptions(opts); err != nil {
		msg := err.Error()
		for _, key := range []string{"origin", "listen", "redis-addr", "store", "data-dir", "fetch-timeout", "refresh-workers"} {
			if strings.Contains(msg, "--"+key) {
				return fmt.Errorf("%s (source=%s)", msg, sourceOf(opts, key))
			}
		}
		if strings.Contains(msg, "quota") {
			return fmt.Errorf("%s (source=%s)", msg, sourceOf(opts, "cache-quota"))
		}
		return err
	}
	return nil
}

func (o Options) flagChanged(name string) bool {
	if o.FlagSet == nil {
		return false
	}
	return o.FlagSet[name]
}
