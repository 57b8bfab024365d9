package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Local     LocalConfig     `koanf:"local"`
	Peers     map[string]Peer `koanf:"peers"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Retention RetentionConfig `koanf:"retention"`
}

// LocalConfig describes this speaker's own identity.
type LocalConfig struct {
	ASN      uint32   `koanf:"asn"`
	RouterID string   `koanf:"router_id"`
	Networks []string `koanf:"networks"`
}

// Peer describes one configured neighbor. The map key in Config.Peers is
// the peer's name, used as the session.PeerID.
type Peer struct {
	ASN                 uint32 `koanf:"asn"`
	Address             string `koanf:"address"`
	Port                uint16 `koanf:"port"`
	HoldTimeSeconds     int    `koanf:"hold_time_seconds"`
	KeepaliveSeconds    int    `koanf:"keepalive_seconds"`
	ConnectRetrySeconds int    `koanf:"conn_retry_seconds"`
	IdleHoldSeconds     int    `koanf:"idle_hold_seconds"`
	Passive             bool   `koanf:"passive"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	BGPListen              string `koanf:"bgp_listen"`
	KernelMonitorHelper    string `koanf:"kernel_monitor_helper"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
	Topic    string     `koanf:"topic"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPD_KAFKA__BROKERS -> kafka.brokers
	if err := k.Load(env.Provider("BGPD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgpd-1",
			HTTPListen:             ":8080",
			BGPListen:              ":1179",
			KernelMonitorHelper:    "/usr/local/libexec/bgp-kernel-monitor",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID: "bgpd",
			Topic:    "bgpd-route-events",
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	for name, p := range cfg.Peers {
		if p.Port == 0 {
			p.Port = 179
		}
		if p.HoldTimeSeconds == 0 {
			p.HoldTimeSeconds = 90
		}
		if p.KeepaliveSeconds == 0 {
			p.KeepaliveSeconds = p.HoldTimeSeconds / 3
		}
		if p.ConnectRetrySeconds == 0 {
			p.ConnectRetrySeconds = 30
		}
		if p.IdleHoldSeconds == 0 {
			p.IdleHoldSeconds = 15
		}
		cfg.Peers[name] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Local.ASN == 0 {
		return fmt.Errorf("config: local.asn is required")
	}
	routerID, err := netip.ParseAddr(c.Local.RouterID)
	if err != nil {
		return fmt.Errorf("config: local.router_id must be a valid IPv4 address: %w", err)
	}
	if !routerID.Is4() {
		return fmt.Errorf("config: local.router_id must be a valid IPv4 address (got %s)", c.Local.RouterID)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer in peers is required")
	}
	for name, p := range c.Peers {
		if p.ASN == 0 {
			return fmt.Errorf("config: peers.%s.asn is required", name)
		}
		if _, err := netip.ParseAddr(p.Address); err != nil {
			return fmt.Errorf("config: peers.%s.address is invalid: %w", name, err)
		}
		if p.KeepaliveSeconds*3 > p.HoldTimeSeconds {
			return fmt.Errorf("config: peers.%s.keepalive_seconds (%d) must be <= hold_time_seconds/3 (%d)",
				name, p.KeepaliveSeconds, p.HoldTimeSeconds/3)
		}
		if p.HoldTimeSeconds != 0 && p.HoldTimeSeconds < 3 {
			return fmt.Errorf("config: peers.%s.hold_time_seconds must be 0 or >= 3 (got %d)", name, p.HoldTimeSeconds)
		}
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}

// HoldTime returns the configured hold time as a time.Duration.
func (p Peer) HoldTime() time.Duration {
	return time.Duration(p.HoldTimeSeconds) * time.Second
}

// ConnectRetryTime returns the configured connect-retry interval.
func (p Peer) ConnectRetryTime() time.Duration {
	return time.Duration(p.ConnectRetrySeconds) * time.Second
}

// IdleHoldTime returns the configured idle-hold interval.
func (p Peer) IdleHoldTime() time.Duration {
	return time.Duration(p.IdleHoldSeconds) * time.Second
}

// KeepaliveTime returns the configured keepalive interval.
func (p Peer) KeepaliveTime() time.Duration {
	return time.Duration(p.KeepaliveSeconds) * time.Second
}
