package app

import (
	"time"

	"swcache/internal/classify"
)

type quotaLimits struct {
	Static  int64
	Dynamic int64
	Images  int64
	API     int64
}

type Options struct {
	Listen               string
	Origin               string
	DataDir              string
	Store                string
	RedisAddr            string
	LogLevel             string
	LogFormat            string
	CachePrefix          string
	CacheVersion         string
	Quota                quotaLimits
	Manifest             []string
	Rules                classify.Rules
	FetchTimeout         time.Duration
	RefreshWorkers       int
	ConfigPath           string
	WriteConfigExample   bool
	PrintEffectiveConfig bool
	FlagSet              map[string]bool
	ValueSource          map[string]string
}

type partitionSize struct {
	Name    string
	Entries int
	Bytes   int64
}
