// Package config loads and validates proxy configuration via Viper.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/rcproxy/internal/netstatus"
)

// Config captures all configuration knobs for both proxy tiers.
type Config struct {
	Local     LocalConfig     `mapstructure:"local"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Bandwidth BandwidthConfig `mapstructure:"bandwidth"`
	Network   NetworkConfig   `mapstructure:"network"`
	Blacklist BlacklistConfig `mapstructure:"blacklist"`
	Search    SearchConfig    `mapstructure:"search"`
	Users     UsersConfig     `mapstructure:"users"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LocalConfig controls the user-facing proxy.
type LocalConfig struct {
	Listen         string   `mapstructure:"listen"`
	MaxConnections int      `mapstructure:"max_connections"`
	InternalHosts  []string `mapstructure:"internal_hosts"`
	StateDir       string   `mapstructure:"state_dir"`
}

// RemoteConfig controls the crawling proxy and how the local side reaches it.
type RemoteConfig struct {
	Listen              string `mapstructure:"listen"`
	Address             string `mapstructure:"address"`
	MaxConnections      int    `mapstructure:"max_connections"`
	MaxInflightRequests int    `mapstructure:"max_inflight_requests"`
	// Gateway, when set, is an upstream HTTP proxy the remote crawls through.
	Gateway string `mapstructure:"gateway"`
}

// CacheConfig sets where pages are stored.
type CacheConfig struct {
	Path      string `mapstructure:"path"`
	IndexFile string `mapstructure:"index_file"`
}

// CrawlConfig governs the remote's recursive crawl.
type CrawlConfig struct {
	QuotaBytes           int64         `mapstructure:"quota_bytes"`
	LowWatermark         float64       `mapstructure:"low_watermark"`
	MaxDepth             int           `mapstructure:"max_depth"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	HeadTimeout          time.Duration `mapstructure:"head_timeout"`
	MaxParallelDownloads int64         `mapstructure:"max_parallel_downloads"`
	MaxLinks             int           `mapstructure:"max_links"`
	UserAgent            string        `mapstructure:"user_agent"`
	MaxBodyBytes         int           `mapstructure:"max_body_bytes"`
	// HostRPS spaces out fetches to one origin host. Zero disables it.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// QueueConfig sizes the local queue.
type QueueConfig struct {
	OrphanCapacity  int           `mapstructure:"orphan_capacity"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
}

// BandwidthConfig caps bytes per second on each side. Zero disables a cap.
type BandwidthConfig struct {
	LocalBytesPerSec  int64 `mapstructure:"local_bytes_per_sec"`
	RemoteBytesPerSec int64 `mapstructure:"remote_bytes_per_sec"`
}

// NetworkConfig fixes or probes the link status.
type NetworkConfig struct {
	// Status is the starting status: offline, cached (slow) or online.
	Status        string        `mapstructure:"status"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// BlacklistConfig points at the host blacklist.
type BlacklistConfig struct {
	Path string `mapstructure:"path"`
}

// SearchConfig configures offline and online search.
type SearchConfig struct {
	IndexFile string `mapstructure:"index_file"`
	EngineURL string `mapstructure:"engine_url"`
}

// UsersConfig points at the XML user store.
type UsersConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RCPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("local.listen", ":8080")
	v.SetDefault("local.max_connections", 64)
	v.SetDefault("local.internal_hosts", []string{"rcproxy.local"})
	v.SetDefault("local.state_dir", "state")
	v.SetDefault("remote.listen", ":8081")
	v.SetDefault("remote.address", "localhost:8081")
	v.SetDefault("remote.max_connections", 64)
	v.SetDefault("remote.max_inflight_requests", 16)
	v.SetDefault("cache.path", "cache")
	v.SetDefault("crawl.quota_bytes", 4<<20)
	v.SetDefault("crawl.low_watermark", 0.05)
	v.SetDefault("crawl.max_depth", 1)
	v.SetDefault("crawl.request_timeout", 60*time.Second)
	v.SetDefault("crawl.head_timeout", 5*time.Second)
	v.SetDefault("crawl.max_parallel_downloads", 8)
	v.SetDefault("crawl.max_links", 50)
	v.SetDefault("crawl.user_agent", "rcproxy/0.1")
	v.SetDefault("crawl.max_body_bytes", 8<<20)
	v.SetDefault("crawl.host_rps", 0)
	v.SetDefault("crawl.host_burst", 4)
	v.SetDefault("queue.orphan_capacity", 64)
	v.SetDefault("queue.persist_interval", 5*time.Second)
	v.SetDefault("bandwidth.local_bytes_per_sec", 0)
	v.SetDefault("bandwidth.remote_bytes_per_sec", 0)
	v.SetDefault("network.status", "cached")
	v.SetDefault("network.probe_interval", 0)
	v.SetDefault("network.slow_threshold", 2*time.Second)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Crawl.QuotaBytes <= 0 {
		return fmt.Errorf("crawl.quota_bytes must be > 0")
	}
	if c.Crawl.LowWatermark < 0 || c.Crawl.LowWatermark >= 1 {
		return fmt.Errorf("crawl.low_watermark must be in [0,1)")
	}
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("crawl.max_depth must be > 0")
	}
	if c.Crawl.RequestTimeout <= 0 {
		return fmt.Errorf("crawl.request_timeout must be > 0")
	}
	if c.Crawl.MaxParallelDownloads <= 0 {
		return fmt.Errorf("crawl.max_parallel_downloads must be > 0")
	}
	if c.Crawl.HostRPS < 0 {
		return fmt.Errorf("crawl.host_rps must be >= 0")
	}
	if c.Remote.MaxInflightRequests <= 0 {
		return fmt.Errorf("remote.max_inflight_requests must be > 0")
	}
	if _, _, err := net.SplitHostPort(c.Remote.Address); err != nil {
		return fmt.Errorf("remote.address must be host:port: %w", err)
	}
	if c.Queue.OrphanCapacity <= 0 {
		return fmt.Errorf("queue.orphan_capacity must be > 0")
	}
	if _, err := netstatus.Parse(c.Network.Status); err != nil {
		return fmt.Errorf("network.status: %w", err)
	}
	if c.Network.ProbeInterval < 0 {
		return fmt.Errorf("network.probe_interval must be >= 0")
	}
	if c.Bandwidth.LocalBytesPerSec < 0 || c.Bandwidth.RemoteBytesPerSec < 0 {
		return fmt.Errorf("bandwidth caps must be >= 0")
	}
	return nil
}

// InitialStatus is the parsed network.status.
func (c Config) InitialStatus() netstatus.Status {
	s, _ := netstatus.Parse(c.Network.Status)
	return s
}

// SnapshotFile is where queue state is persisted.
func (c Config) SnapshotFile() string {
	return filepath.Join(c.Local.StateDir, "queues.db")
}

// SearchIndexFile defaults to a file beside the queue snapshot.
func (c Config) SearchIndexFile() string {
	if c.Search.IndexFile != "" {
		return c.Search.IndexFile
	}
	return filepath.Join(c.Local.StateDir, "search.db")
}

// UsersFile defaults to users.xml in the state directory.
func (c Config) UsersFile() string {
	if c.Users.Path != "" {
		return c.Users.Path
	}
	return filepath.Join(c.Local.StateDir, "users.xml")
}
