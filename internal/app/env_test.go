package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadEnvReadsPrefixedVariables(t *testing.T) {
	e, err := loadEnv(map[string]string{
		"SWCACHE_ORIGIN":               "https://env.test",
		"SWCACHE_REFRESH_WORKERS":      "4",
		"SWCACHE_CLASSIFY_IMAGE_HOSTS": "a.test,b.test",
		"ORIGIN":                       "https://unprefixed.test",
	})
	if err != nil {
		t.Fatalf("loadEnv failed: %v", err)
	}
	if e.Origin != "https://env.test" {
		t.Fatalf("unexpected origin %q", e.Origin)
	}
	if e.RefreshWorkers != 4 {
		t.Fatalf("unexpected workers %d", e.RefreshWorkers)
	}
	if len(e.ImageHosts) != 2 || e.ImageHosts[1] != "b.test" {
		t.Fatalf("unexpected image hosts %v", e.ImageHosts)
	}
}

func TestLoadEnvRejectsMalformedNumber(t *testing.T) {
	if _, err := loadEnv(map[string]string{"SWCACHE_REFRESH_WORKERS": "many"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnvPrecedence(t *testing.T) {
	base := DefaultOptions()
	base.FlagSet = map[string]bool{"listen": true}
	base.Listen = ":9999"
	base, err := mergeOptions(base, UserConfig{Origin: "https://config.test", Store: "sqlite"})
	if err != nil {
		t.Fatalf("mergeOptions failed: %v", err)
	}

	got, err := applyEnv(base, envConfig{
		Origin:       "https://env.test",
		Listen:       ":7000",
		FetchTimeout: "2s",
		QuotaAPI:     "1MiB",
	})
	if err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if got.Origin != "https://env.test" || got.ValueSource["origin"] != "env" {
		t.Fatalf("expected env to override config origin, got %q (%s)", got.Origin, got.ValueSource["origin"])
	}
	if got.Listen != ":9999" || got.ValueSource["listen"] != "flag" {
		t.Fatalf("expected flag to beat env, got %q (%s)", got.Listen, got.ValueSource["listen"])
	}
	if got.Store != "sqlite" || got.ValueSource["store"] != "config" {
		t.Fatalf("expected config store to survive, got %q (%s)", got.Store, got.ValueSource["store"])
	}
	if got.FetchTimeout != 2*time.Second || got.Quota.API != mib {
		t.Fatalf("unexpected timeout=%s api quota=%d", got.FetchTimeout, got.Quota.API)
	}
	if base.ValueSource["origin"] != "config" {
		t.Fatal("applyEnv must not mutate the input sources")
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	_, err := applyEnv(DefaultOptions(), envConfig{FetchTimeout: "later"})
	if err == nil || !strings.Contains(err.Error(), "SWCACHE_FETCH_TIMEOUT") {
		t.Fatalf("expected duration error naming the variable, got %v", err)
	}
}
