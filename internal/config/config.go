// Package config handles TOML configuration parsing and validation for invdhcpd.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is the top-level configuration for invdhcpd.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Inventory InventoryConfig `toml:"inventory"`
	Cache     CacheConfig     `toml:"cache"`
	Policy    PolicyConfig    `toml:"policy"`
	Networks  []NetworkConfig `toml:"network" validate:"dive"`
	API       APIConfig       `toml:"api"`
}

// ServerConfig holds the DHCP listener settings.
type ServerConfig struct {
	BindAddress  string `toml:"bind_address" validate:"required,hostname_port"`
	ReplyPort    int    `toml:"reply_port" validate:"min=1,max=65535"`
	ServerID     string `toml:"server_id" validate:"omitempty,ipv4"`
	LogLevel     string `toml:"log_level" validate:"oneof=trace debug info warn warning error"`
	PollInterval string `toml:"poll_interval"`

	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig throttles discovers globally and per hardware address.
type RateLimitConfig struct {
	Enabled               bool `toml:"enabled"`
	MaxDiscoversPerSecond int  `toml:"max_discovers_per_second" validate:"min=0"`
	MaxPerMACPerSecond    int  `toml:"max_per_mac_per_second" validate:"min=0"`
}

// InventoryConfig points at the inventory database and its optional seed file.
type InventoryConfig struct {
	DBPath    string `toml:"db_path" validate:"required"`
	SeedFile  string `toml:"seed_file"`
	WatchSeed bool   `toml:"watch_seed"`
}

// CacheConfig controls both inventory query caches.
type CacheConfig struct {
	TTL  string `toml:"ttl"`
	Size int    `toml:"size" validate:"min=1"`
}

// PolicyConfig holds offer defaults and inventory attribute naming.
// PortNumber is a pointer so an explicit 0, the unnumbered port, survives
// defaulting.
type PolicyConfig struct {
	LeaseTime               string   `toml:"lease_time"`
	RenewalTime             string   `toml:"renewal_time"`
	ManagementVendorClasses []string `toml:"management_vendor_classes"`
	PrimaryPort             string   `toml:"primary_port" validate:"required"`
	PortNumber              *int     `toml:"port_number" validate:"omitempty,min=0"`
}

// NetworkConfig describes one network the server hands out addresses in.
type NetworkConfig struct {
	CIDR    string `toml:"cidr" validate:"required,cidrv4"`
	Gateway string `toml:"gateway" validate:"omitempty,ipv4"`
}

// APIConfig holds admin HTTP API settings.
type APIConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen" validate:"hostname_port"`
	TokenHash string `toml:"token_hash"`
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML config data, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = DefaultBindAddress
	}
	if cfg.Server.ReplyPort == 0 {
		cfg.Server.ReplyPort = DefaultReplyPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.PollInterval == "" {
		cfg.Server.PollInterval = DefaultPollInterval.String()
	}
	if cfg.Server.RateLimit.MaxDiscoversPerSecond == 0 {
		cfg.Server.RateLimit.MaxDiscoversPerSecond = DefaultMaxDiscoversPerSecond
	}
	if cfg.Server.RateLimit.MaxPerMACPerSecond == 0 {
		cfg.Server.RateLimit.MaxPerMACPerSecond = DefaultMaxPerMACPerSecond
	}

	if cfg.Inventory.DBPath == "" {
		cfg.Inventory.DBPath = DefaultInventoryDB
	}

	if cfg.Cache.TTL == "" {
		cfg.Cache.TTL = DefaultCacheTTL.String()
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = DefaultCacheSize
	}

	if cfg.Policy.LeaseTime == "" {
		cfg.Policy.LeaseTime = DefaultLeaseTime.String()
	}
	if cfg.Policy.RenewalTime == "" {
		cfg.Policy.RenewalTime = DefaultRenewalTime.String()
	}
	if cfg.Policy.ManagementVendorClasses == nil {
		cfg.Policy.ManagementVendorClasses = []string{DefaultManagementVendorClass}
	}
	if cfg.Policy.PrimaryPort == "" {
		cfg.Policy.PrimaryPort = DefaultPrimaryPort
	}
	if cfg.Policy.PortNumber == nil {
		n := DefaultPortNumber
		cfg.Policy.PortNumber = &n
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
}

// validate checks the configuration for errors. Struct tags cover field
// shapes; the rest are cross-field and duration checks.
func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("%s: %s", fieldName(fe), fieldErrorMsg(fe))
		}
		return err
	}

	durations := []struct {
		name  string
		value string
	}{
		{"server.poll_interval", cfg.Server.PollInterval},
		{"cache.ttl", cfg.Cache.TTL},
		{"policy.lease_time", cfg.Policy.LeaseTime},
		{"policy.renewal_time", cfg.Policy.RenewalTime},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	for i, n := range cfg.Networks {
		_, network, _ := net.ParseCIDR(n.CIDR)
		if n.Gateway != "" && !network.Contains(net.ParseIP(n.Gateway)) {
			return fmt.Errorf("network[%d]: gateway %s is not in network %s", i, n.Gateway, network)
		}
	}

	return nil
}

// fieldName renders a validator namespace like "Config.Server.ServerID" as
// the TOML key path "server.server_id".
func fieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.Namespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	t := reflect.TypeOf(Config{})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name, idx, _ := strings.Cut(p, "[")
		f, ok := t.FieldByName(name)
		if !ok {
			out = append(out, strings.ToLower(p))
			continue
		}
		key := strings.Split(f.Tag.Get("toml"), ",")[0]
		if idx != "" {
			key += "[" + idx
		}
		out = append(out, key)
		t = f.Type
		if t.Kind() == reflect.Slice {
			t = t.Elem()
		}
	}
	return strings.Join(out, ".")
}

func fieldErrorMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "value is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %q", fe.Param())
	case "min":
		return fmt.Sprintf("minimum value: %s", fe.Param())
	case "max":
		return fmt.Sprintf("maximum value: %s", fe.Param())
	case "ipv4":
		return fmt.Sprintf("%q is not a valid IPv4 address", fe.Value())
	case "cidrv4":
		return fmt.Sprintf("%q is not a valid IPv4 CIDR", fe.Value())
	case "hostname_port":
		return fmt.Sprintf("%q is not a valid host:port", fe.Value())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}

// CacheTTL returns the effective query cache TTL.
func (cfg *Config) CacheTTL() time.Duration {
	return durationOr(cfg.Cache.TTL, DefaultCacheTTL)
}

// PollInterval returns how often the receive loop wakes when idle.
func (cfg *Config) PollInterval() time.Duration {
	return durationOr(cfg.Server.PollInterval, DefaultPollInterval)
}

// LeaseTime returns the default lease time seeded into offers.
func (cfg *Config) LeaseTime() time.Duration {
	return durationOr(cfg.Policy.LeaseTime, DefaultLeaseTime)
}

// RenewalTime returns the default renewal time (T1) seeded into offers.
func (cfg *Config) RenewalTime() time.Duration {
	return durationOr(cfg.Policy.RenewalTime, DefaultRenewalTime)
}

// PortNumber returns the primary port number. 0 selects unnumbered attributes.
func (cfg *Config) PortNumber() int {
	if cfg.Policy.PortNumber == nil {
		return DefaultPortNumber
	}
	return *cfg.Policy.PortNumber
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ServerIP returns the parsed server identifier. When none is configured it
// falls back to the first IPv4 address the local host name resolves to.
func (cfg *Config) ServerIP() (net.IP, error) {
	if cfg.Server.ServerID != "" {
		return net.ParseIP(cfg.Server.ServerID).To4(), nil
	}
	return hostIPv4(os.Hostname, net.LookupIP)
}

func hostIPv4(hostname func() (string, error), lookup func(string) ([]net.IP, error)) (net.IP, error) {
	name, err := hostname()
	if err != nil {
		return nil, fmt.Errorf("reading hostname: %w", err)
	}
	ips, err := lookup(name)
	if err != nil {
		return nil, fmt.Errorf("resolving hostname %s: %w", name, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
			return v4, nil
		}
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("hostname %s has no IPv4 address; set server.server_id", name)
}
