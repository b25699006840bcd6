package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

func validateOptions(opts Options) error {
	u, err := url.Parse(strings.TrimSpace(opts.Origin))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("--origin must be an absolute http(s) URL, got %q", opts.Origin)
	}
	if strings.TrimSpace(opts.Listen) == "" {
		return errors.New("--listen must not be empty")
	}
	if strings.TrimSpace(opts.DataDir) == "" {
		return errors.New("--data-dir must not be empty")
	}
	switch opts.Store {
	case "fs", "sqlite":
	case "redis":
		if strings.TrimSpace(opts.RedisAddr) == "" {
			return errors.New("--redis-addr is required when --store=redis")
		}
	default:
		return fmt.Errorf("--store must be one of fs|sqlite|redis, got %q", opts.Store)
	}
	if strings.TrimSpace(opts.CachePrefix) == "" || strings.TrimSpace(opts.CacheVersion) == "" {
		return errors.New("--cache-prefix and --cache-version must not be empty")
	}
	if opts.FetchTimeout <= 0 {
		return errors.New("--fetch-timeout must be positive")
	}
	if opts.RefreshWorkers < 1 {
		return errors.New("--refresh-workers must be at least 1")
	}
	if opts.Quota.Static < 0 || opts.Quota.Dynamic < 0 || opts.Quota.Images < 0 || opts.Quota.API < 0 {
		return errors.New("cache quota must not be negative")
	}
	return nil
}
