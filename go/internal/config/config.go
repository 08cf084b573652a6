// Package config loads node settings from a YAML file, a .env file and
// LANRIDE_* environment variables, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/lanride/go/internal/dbconfig"
	"gopkg.in/yaml.v3"
)

const DefaultMulticastGroup = "239.255.42.99:47999"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Rider     RiderConfig     `yaml:"rider"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	ClockSync ClockSyncConfig `yaml:"clock_sync"`
	Session   SessionConfig   `yaml:"session"`
	Chat      ChatConfig      `yaml:"chat"`
	Race      RaceConfig      `yaml:"race"`
	History   HistoryConfig   `yaml:"history"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Log       LogConfig       `yaml:"log"`
}

type RiderConfig struct {
	// ID is generated at startup when empty.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type NetworkConfig struct {
	UnicastPort       int           `yaml:"unicast_port"`
	MulticastGroup    string        `yaml:"multicast_group"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MissThreshold     int           `yaml:"miss_threshold"`
	MetricsRate       float64       `yaml:"metrics_rate"`
	Workers           int           `yaml:"workers"`
}

// Group parses MulticastGroup.
func (n NetworkConfig) Group() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(n.MulticastGroup)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: multicast group %q: %v", ErrInvalid, n.MulticastGroup, err)
	}
	if !ap.Addr().IsMulticast() {
		return netip.AddrPort{}, fmt.Errorf("%w: %s is not a multicast address", ErrInvalid, ap.Addr())
	}
	return ap, nil
}

type DiscoveryConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Service             string        `yaml:"service"`
	Domain              string        `yaml:"domain"`
	ReadvertiseInterval time.Duration `yaml:"readvertise_interval"`
	BrowseWindow        time.Duration `yaml:"browse_window"`
	VanishAfter         time.Duration `yaml:"vanish_after"`
}

type ClockSyncConfig struct {
	Alpha         float64       `yaml:"alpha"`
	MaxRoundTrip  time.Duration `yaml:"max_round_trip"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	DegradedAfter int           `yaml:"degraded_after"`
}

type SessionConfig struct {
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	JoinRetry        time.Duration `yaml:"join_retry"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	MaxParticipants  int           `yaml:"max_participants"`
	WorldID          string        `yaml:"world_id"`
}

type ChatConfig struct {
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
	MaxAttempts   int           `yaml:"max_attempts"`
	ReorderWindow time.Duration `yaml:"reorder_window"`
}

type RaceConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

type HistoryConfig struct {
	// BadgerDir is the embedded store directory; empty keeps it in memory.
	BadgerDir  string         `yaml:"badger_dir"`
	Postgres   PostgresConfig `yaml:"postgres"`
	NATS       NATSConfig     `yaml:"nats"`
	Workers    int            `yaml:"workers"`
	MaxRetries int            `yaml:"max_retries"`
}

type PostgresConfig struct {
	Enabled         bool `yaml:"enabled"`
	dbconfig.Config `yaml:",inline"`
}

type NATSConfig struct {
	// URL enables the JetStream sink when set.
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	// Bridge republishes live engine events on core NATS subjects.
	Bridge bool `yaml:"bridge"`
}

type GatewayConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the documented defaults. Zero component durations are
// filled in by each component.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "rider"
	}
	return Config{
		Rider: RiderConfig{Name: name},
		Network: NetworkConfig{
			MulticastGroup:    DefaultMulticastGroup,
			HeartbeatInterval: time.Second,
			MissThreshold:     5,
			MetricsRate:       20,
			Workers:           4,
		},
		Discovery: DiscoveryConfig{Enabled: true},
		Session:   SessionConfig{MaxParticipants: 10, WorldID: "watopia"},
		Race:      RaceConfig{GracePeriod: 60 * time.Second},
		History: HistoryConfig{
			Postgres:   PostgresConfig{Config: dbconfig.Default()},
			NATS:       NATSConfig{Stream: "LANRIDE"},
			Workers:    2,
			MaxRetries: 3,
		},
		Gateway: GatewayConfig{
			Addr:           ":8090",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{Level: "info", Pretty: true},
	}
}

// Load reads .env from the working directory if present, then the YAML file
// at path (skipped when empty), then environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Rider.ID = getEnv("LANRIDE_RIDER_ID", c.Rider.ID)
	c.Rider.Name = getEnv("LANRIDE_RIDER_NAME", c.Rider.Name)

	c.Network.UnicastPort = getEnvAsInt("LANRIDE_UNICAST_PORT", c.Network.UnicastPort)
	c.Network.MulticastGroup = getEnv("LANRIDE_MULTICAST_GROUP", c.Network.MulticastGroup)
	c.Network.HeartbeatInterval = getEnvAsDuration("LANRIDE_HEARTBEAT_INTERVAL", c.Network.HeartbeatInterval)
	c.Network.MissThreshold = getEnvAsInt("LANRIDE_MISS_THRESHOLD", c.Network.MissThreshold)

	c.Discovery.Enabled = getEnvAsBool("LANRIDE_DISCOVERY", c.Discovery.Enabled)
	c.Session.MaxParticipants = getEnvAsInt("LANRIDE_MAX_PARTICIPANTS", c.Session.MaxParticipants)
	c.Race.GracePeriod = getEnvAsDuration("LANRIDE_GRACE_PERIOD", c.Race.GracePeriod)

	c.History.BadgerDir = getEnv("LANRIDE_BADGER_DIR", c.History.BadgerDir)
	c.History.Postgres.Enabled = getEnvAsBool("LANRIDE_POSTGRES", c.History.Postgres.Enabled)
	c.History.Postgres.Config = c.History.Postgres.Config.FromEnv()
	c.History.NATS.URL = getEnv("LANRIDE_NATS_URL", c.History.NATS.URL)

	c.Gateway.Addr = getEnv("LANRIDE_GATEWAY_ADDR", c.Gateway.Addr)
	if origins := os.Getenv("LANRIDE_ALLOWED_ORIGINS"); origins != "" {
		c.Gateway.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Log.Level = getEnv("LANRIDE_LOG_LEVEL", c.Log.Level)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Rider.Name) == "" {
		return fmt.Errorf("%w: rider name is required", ErrInvalid)
	}
	if _, err := c.Network.Group(); err != nil {
		return err
	}
	if c.Network.UnicastPort < 0 || c.Network.UnicastPort > 65535 {
		return fmt.Errorf("%w: unicast port %d", ErrInvalid, c.Network.UnicastPort)
	}
	if c.Network.MissThreshold < 1 {
		return fmt.Errorf("%w: miss threshold must be at least 1", ErrInvalid)
	}
	if c.Race.GracePeriod < 0 {
		return fmt.Errorf("%w: negative grace period", ErrInvalid)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
