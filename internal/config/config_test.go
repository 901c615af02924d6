package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.OfferTimeout != 15*time.Second || cfg.MatcherTopN != 8 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("MATCHER_OFFER_TIMEOUT", "20s")
	t.Setenv("CANCELLATION_FEE", "3.5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers %v", cfg.KafkaBrokers)
	}
	if cfg.OfferTimeout != 20*time.Second || cfg.CancellationFee != 3.5 || cfg.LogLevel != "debug" || !cfg.RunMigrations {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("OSRM_ENDPOINT", "http://osrm")
	t.Setenv("GOOGLE_MAPS_API_KEY", "key")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "MATCHER_TOP_N", "OSRM_ENDPOINT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestClientConfigValidateAndEventURL(t *testing.T) {
	t.Setenv("DISPATCH_SERVER_URL", "https://dispatch.example.com/")
	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
	cfg.Token = "u1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.EventURL(); got != "wss://dispatch.example.com/ws" {
		t.Fatalf("event url %s", got)
	}
	cfg.WSURL = "ws://other/ws"
	if got := cfg.EventURL(); got != "ws://other/ws" {
		t.Fatalf("event url %s", got)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "test.env")
	if err := os.WriteFile(f, []byte("DISPATCH_WS_URL=ws://from-file/ws\nDISPATCH_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISPATCH_TOKEN", "from-env")
	t.Setenv("DISPATCH_WS_URL", "")
	os.Unsetenv("DISPATCH_WS_URL")

	if err := LoadDotEnv(f, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cfg.Token != "from-env" || cfg.WSURL != "ws://from-file/ws" {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestLoadDotEnvReportsUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file must be skipped: %v", err)
	}
	// a directory exists but cannot be read as a dotenv file
	if err := LoadDotEnv(dir); err == nil {
		t.Fatalf("unreadable file not reported")
	}
}

func TestClientUserIDFromToken(t *testing.T) {
	cfg := ClientConfig{Token: "u1"}
	if cfg.UserID() != "u1" {
		t.Fatalf("plain token user = %q", cfg.UserID())
	}
}
