/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for faztd.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for faztd.
type Config struct {
	Listen          string     `yaml:"listen"`
	Domain          string     `yaml:"domain"`
	LogDir          string     `yaml:"log_dir"`
	Verbose         bool       `yaml:"verbose"`
	DataDir         string     `yaml:"data_dir"`
	SystemAssetsDir string     `yaml:"system_assets_dir"`
	JSRuntime       JSRuntime  `yaml:"js_runtime"`
	WriteQueue      WriteQueue `yaml:"write_queue"`
	Egress          Egress     `yaml:"egress"`
	Hub             Hub        `yaml:"hub"`
	Admin           Admin      `yaml:"admin"`
	Secrets         Secrets    `yaml:"secrets"`
	Listener        Listener   `yaml:"listener"`
	Timeouts        Timeouts   `yaml:"timeouts"`
}

// JSRuntime holds the embedded JS runtime pool configuration.
type JSRuntime struct {
	PoolSize       int      `yaml:"pool_size"`
	HandlerTimeout Duration `yaml:"handler_timeout"`
}

// WriteQueue holds single-writer queue configuration.
type WriteQueue struct {
	Capacity       int      `yaml:"capacity"`
	MinStorageTime Duration `yaml:"min_storage_time"`
}

// Egress holds outbound proxy validation configuration.
type Egress struct {
	AllowHTTPOnly    bool     `yaml:"allow_http_only"` // if true, plain http URLs are accepted as well as https; if false, only https
	MaxRedirects     int      `yaml:"max_redirects"`
	GlobalInFlight   int      `yaml:"global_in_flight"`
	PerAppInFlight   int      `yaml:"per_app_in_flight"`
	PerRequestCalls  int      `yaml:"per_request_calls"`
	ResponseCap      int64    `yaml:"response_cap"`
	HardResponseCap  int64    `yaml:"hard_response_cap"`
	AllowlistRefresh Duration `yaml:"allowlist_refresh"`
}

// Hub holds per-site WebSocket hub configuration.
type Hub struct {
	PingPeriod    Duration `yaml:"ping_period"`
	PongWait      Duration `yaml:"pong_wait"`
	WriteWait     Duration `yaml:"write_wait"`
	SendQueueSize int      `yaml:"send_queue_size"`
	MaxMessageSize int64   `yaml:"max_message_size"`
}

// Admin holds admin API authentication configuration.
type Admin struct {
	Subdomain    string `yaml:"subdomain"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash
}

// Secrets holds the master key used to encrypt app secrets at rest. The
// key is 32 raw bytes, hex-encoded for YAML storage.
type Secrets struct {
	MasterKeyHex string `yaml:"master_key_hex"`
}

// Listener holds low-level listener configuration.
type Listener struct {
	ReusePort bool `yaml:"reuse_port"`
}

// Timeouts holds server-level timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	ReadHeader Duration `yaml:"read_header"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen:  ":8080",
		Domain:  "fazt.local",
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		JSRuntime: JSRuntime{
			PoolSize:       16,
			HandlerTimeout: Duration{5 * time.Second},
		},
		WriteQueue: WriteQueue{
			Capacity:       256,
			MinStorageTime: Duration{50 * time.Millisecond},
		},
		Egress: Egress{
			AllowHTTPOnly:    false,
			MaxRedirects:     5,
			GlobalInFlight:   256,
			PerAppInFlight:   16,
			PerRequestCalls:  5,
			ResponseCap:      5 * 1024 * 1024,
			HardResponseCap:  20 * 1024 * 1024,
			AllowlistRefresh: Duration{30 * time.Second},
		},
		Hub: Hub{
			PingPeriod:     Duration{30 * time.Second},
			PongWait:       Duration{10 * time.Second},
			WriteWait:      Duration{10 * time.Second},
			SendQueueSize:  256,
			MaxMessageSize: 512 * 1024,
		},
		Admin: Admin{
			Subdomain: "admin",
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			ReadHeader: Duration{10 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for fazt.yml or fazt.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"fazt.yml", "fazt.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil/zero value means the flag was not explicitly set.
type CLIOverrides struct {
	Addr          *string
	Domain        *string
	LogDir        *string
	Verbose       *bool
	DataDir       *string
	AdminUser     *string
	AdminPassHash *string
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Addr != nil {
		c.Listen = *o.Addr
	}
	if o.Domain != nil {
		c.Domain = *o.Domain
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.AdminUser != nil {
		c.Admin.Username = *o.AdminUser
	}
	if o.AdminPassHash != nil {
		c.Admin.PasswordHash = *o.AdminPassHash
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	if c.Domain == "" {
		errs = append(errs, "domain: must not be empty")
	}

	if c.JSRuntime.PoolSize <= 0 {
		errs = append(errs, fmt.Sprintf("js_runtime.pool_size: must be positive, got %d", c.JSRuntime.PoolSize))
	}
	if c.JSRuntime.HandlerTimeout.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("js_runtime.handler_timeout: must be positive, got %s", c.JSRuntime.HandlerTimeout))
	}

	if c.WriteQueue.Capacity <= 0 {
		errs = append(errs, fmt.Sprintf("write_queue.capacity: must be positive, got %d", c.WriteQueue.Capacity))
	}

	if c.Egress.MaxRedirects < 0 {
		errs = append(errs, fmt.Sprintf("egress.max_redirects: must be non-negative, got %d", c.Egress.MaxRedirects))
	}
	if c.Egress.GlobalInFlight <= 0 {
		errs = append(errs, fmt.Sprintf("egress.global_in_flight: must be positive, got %d", c.Egress.GlobalInFlight))
	}
	if c.Egress.ResponseCap <= 0 || c.Egress.HardResponseCap < c.Egress.ResponseCap {
		errs = append(errs, "egress.response_cap: must be positive and <= hard_response_cap")
	}

	if c.Hub.PingPeriod.Duration <= 0 || c.Hub.PongWait.Duration <= 0 || c.Hub.WriteWait.Duration <= 0 {
		errs = append(errs, "hub: ping_period, pong_wait, and write_wait must all be positive")
	}
	if c.Hub.SendQueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("hub.send_queue_size: must be positive, got %d", c.Hub.SendQueueSize))
	}

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}

	if c.Secrets.MasterKeyHex != "" && len(c.Secrets.MasterKeyHex) != 64 {
		errs = append(errs, fmt.Sprintf("secrets.master_key_hex: must be 64 hex characters (32 bytes), got %d", len(c.Secrets.MasterKeyHex)))
	}

	// Admin: either both credentials must be set or both must be empty.
	if (c.Admin.Username == "") != (c.Admin.PasswordHash == "") {
		errs = append(errs, "admin: both username and password_hash must be set (or both empty to disable)")
	}
	if strings.Contains(c.Admin.Subdomain, ".") {
		errs = append(errs, fmt.Sprintf("admin.subdomain: must be a single label, got %q", c.Admin.Subdomain))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// Redacted returns a copy of the config with sensitive fields masked.
func (c *Config) Redacted() Config {
	r := *c
	if r.Admin.PasswordHash != "" {
		r.Admin.PasswordHash = "***"
	}
	return r
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
