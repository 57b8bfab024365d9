package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			BGPListen:              ":179",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Local: LocalConfig{
			ASN:      65001,
			RouterID: "192.0.2.1",
		},
		Peers: map[string]Peer{
			"peer1": {
				ASN:                 65002,
				Address:             "192.0.2.2",
				Port:                179,
				HoldTimeSeconds:     90,
				KeepaliveSeconds:    30,
				ConnectRetrySeconds: 30,
				IdleHoldSeconds:     15,
			},
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "bgpd-route-events",
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoLocalASN(t *testing.T) {
	cfg := validConfig()
	cfg.Local.ASN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing local.asn")
	}
}

func TestValidate_BadRouterID(t *testing.T) {
	cfg := validConfig()
	cfg.Local.RouterID = "not-an-ip"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid router_id")
	}
}

func TestValidate_NoPeers(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty peers")
	}
}

func TestValidate_PeerMissingASN(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["peer1"]
	p.ASN = 0
	cfg.Peers["peer1"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peer missing asn")
	}
}

func TestValidate_PeerBadAddress(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["peer1"]
	p.Address = "garbage"
	cfg.Peers["peer1"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid peer address")
	}
}

func TestValidate_PeerKeepaliveExceedsRatio(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["peer1"]
	p.KeepaliveSeconds = 60 // > hold_time/3 (30)
	cfg.Peers["peer1"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for keepalive exceeding hold_time/3")
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_NoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestValidate_NoTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty kafka topic")
	}
}

func TestValidate_RetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Days = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.days = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_ValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "America/New_York"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
local:
  asn: 65001
  router_id: "192.0.2.1"
peers:
  peer1:
    asn: 65002
    address: "192.0.2.2"
    hold_time_seconds: 90
    keepalive_seconds: 30
kafka:
  brokers:
    - "localhost:9092"
postgres:
  dsn: "postgres://localhost/test"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGPD_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGPD_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_DefaultsAppliedToPeer(t *testing.T) {
	p := writeMinimalYAML(t)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	peer := cfg.Peers["peer1"]
	if peer.ConnectRetrySeconds != 30 {
		t.Errorf("expected default conn_retry_seconds 30, got %d", peer.ConnectRetrySeconds)
	}
	if peer.Port != 179 {
		t.Errorf("expected default port 179, got %d", peer.Port)
	}
}

func TestLoad_EnvEmptyDSNFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGPD_POSTGRES__DSN", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty dsn via env")
	}
}
