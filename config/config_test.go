package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalYAML = `
app:
  name: test-feed
  version: 0.1.0
feed:
  symbols:
    - BTCUSDT
storage:
  root: /tmp/raw
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Feed.WSBaseURL != "wss://stream.binance.com:9443/ws" {
		t.Fatalf("default ws url missing: %s", cfg.Feed.WSBaseURL)
	}
	if cfg.RateLimit.RequestWeightMax != 6000 {
		t.Fatalf("default weight max missing: %d", cfg.RateLimit.RequestWeightMax)
	}
	if cfg.Storage.Partition != "hourly" || !cfg.Storage.Compress {
		t.Fatalf("storage defaults missing: %+v", cfg.Storage)
	}
	if cfg.Feed.DedupeCacheSize != 8192 {
		t.Fatalf("default dedupe size missing: %d", cfg.Feed.DedupeCacheSize)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging defaults missing: %+v", cfg.Logging)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	body := minimalYAML + `
rate_limit:
  request_weight_max: 1200
orderbook:
  enabled: true
  depth: 500
logging:
  level: debug
`
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.RateLimit.RequestWeightMax != 1200 {
		t.Fatalf("override lost: %d", cfg.RateLimit.RequestWeightMax)
	}
	if !cfg.Orderbook.Enabled || cfg.Orderbook.Depth != 500 {
		t.Fatalf("orderbook override lost: %+v", cfg.Orderbook)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging override lost: %s", cfg.Logging.Level)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no app name", strings.Replace(minimalYAML, "name: test-feed", `name: ""`, 1), "app.name"},
		{"no symbols", strings.Replace(minimalYAML, "    - BTCUSDT\n", "", 1), "feed.symbols"},
		{"no storage root", strings.Replace(minimalYAML, "root: /tmp/raw", `root: ""`, 1), "storage.root"},
		{"zero heartbeat", strings.Replace(minimalYAML, "    - BTCUSDT\n", "    - BTCUSDT\n  heartbeat_interval_ms: 0\n", 1), "feed.heartbeat_interval_ms"},
		{"zero order window", minimalYAML + "rate_limit:\n  order_count_window_ms: 0\n", "rate_limit.order_count_window_ms"},
		{"zero raw window", minimalYAML + "rate_limit:\n  raw_request_window_ms: 0\n", "rate_limit.raw_request_window_ms"},
	}
	for _, c := range cases {
		_, err := LoadConfig(writeConfig(t, c.body))
		if err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", c.name, c.want, err)
		}
	}
}

func TestValidateRejectsUnknownStream(t *testing.T) {
	body := strings.Replace(minimalYAML, "  symbols:\n    - BTCUSDT\n",
		"  symbols:\n    - BTCUSDT\n  streams:\n    - bogus\n", 1)
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatal("expected error for unknown stream kind")
	}
}

func TestValidateRejectsBadPartition(t *testing.T) {
	body := strings.Replace(minimalYAML, "root: /tmp/raw", "root: /tmp/raw\n  partition: weekly", 1)
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatal("expected error for unknown partition scheme")
	}
}

func TestS3RequiresCredentials(t *testing.T) {
	body := strings.Replace(minimalYAML, "root: /tmp/raw",
		"root: /tmp/raw\n  s3:\n    enabled: true\n    bucket: b\n    region: us-east-1", 1)
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatal("expected error for S3 without credentials")
	}
}

func TestS3EnvOverrides(t *testing.T) {
	body := strings.Replace(minimalYAML, "root: /tmp/raw",
		"root: /tmp/raw\n  s3:\n    enabled: true\n    bucket: from-yaml\n    region: us-east-1", 1)
	t.Setenv("AWS_ACCESS_KEY_ID", "key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET", "from-env")

	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.S3.Bucket != "from-env" {
		t.Fatalf("env bucket override lost: %s", cfg.Storage.S3.Bucket)
	}
	if cfg.Storage.S3.AccessKeyID != "key" || cfg.Storage.S3.SecretAccessKey != "secret" {
		t.Fatal("env credentials not applied")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
