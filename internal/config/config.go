// Package config loads and validates gurtd configuration from defaults, an
// optional config file, environment variables, and CLI flags, in that
// order of increasing precedence, via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every service configuration knob.
type Config struct {
	Listen     string           `mapstructure:"listen"`
	DatabaseURL string          `mapstructure:"database_url"`
	SegmentDir string           `mapstructure:"segment_dir"`
	UserAgent  string           `mapstructure:"user_agent"`
	Env        string           `mapstructure:"env"`
	PubSubTopic string          `mapstructure:"pubsub_topic"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Index      IndexConfig      `mapstructure:"index"`
	Query      QueryConfig      `mapstructure:"query"`
	Authority  AuthorityConfig  `mapstructure:"authority"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlConfig governs the scheduler, queue, and fetch worker pool.
type CrawlConfig struct {
	FetchWorkers       int           `mapstructure:"fetch_workers"`
	IndexWorkers       int           `mapstructure:"index_workers"`
	PerDomainInFlight  int           `mapstructure:"per_domain_in_flight"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	StaleLeaseAfter    time.Duration `mapstructure:"stale_lease_after"`
	MaxCrawlAttempts   int           `mapstructure:"max_crawl_attempts"`
	MaxRecrawlAttempts int           `mapstructure:"max_recrawl_attempts"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	RobotsTimeout      time.Duration `mapstructure:"robots_timeout"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	DefaultCrawlInterval   time.Duration `mapstructure:"default_crawl_interval"`
	ChangedCrawlInterval   time.Duration `mapstructure:"changed_crawl_interval"`
}

// IndexConfig governs segment construction and merging.
type IndexConfig struct {
	MaxSegmentDocs  int           `mapstructure:"max_segment_docs"`
	MaxSegmentBytes int64         `mapstructure:"max_segment_bytes"`
	MaxSegmentAge   time.Duration `mapstructure:"max_segment_age"`
	MergeInterval   time.Duration `mapstructure:"merge_interval"`
	MergeTierSize   int           `mapstructure:"merge_tier_size"`
}

// QueryConfig governs planner defaults and budgets.
type QueryConfig struct {
	DefaultLimit  int           `mapstructure:"default_limit"`
	MaxLimit      int           `mapstructure:"max_limit"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	Deadline      time.Duration `mapstructure:"deadline"`
	PerIPBudget   int           `mapstructure:"per_ip_budget"`
}

// AuthorityConfig governs the PageRank/TrustRank scheduler.
type AuthorityConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Damping  float64       `mapstructure:"damping"`
}

// LoggingConfig toggles zap's development encoder configuration.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional file plus environment overrides.
// CLI flags are bound into the same *viper.Viper by the caller (cmd
// package) before Load is invoked, so they take final precedence.
func Load(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix("GURTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("crawl.fetch_workers", "GURTD_FETCH_WORKERS")
	_ = v.BindEnv("crawl.index_workers", "GURTD_INDEX_WORKERS")

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
	v.SetDefault("listen", "0.0.0.0:4878")
	v.SetDefault("database_url", "")
	v.SetDefault("pubsub_topic", "")
	v.SetDefault("segment_dir", "./data/segments")
	v.SetDefault("user_agent", "gurtd/1")
	v.SetDefault("env", "production")

	v.SetDefault("crawl.fetch_workers", 32)
	v.SetDefault("crawl.index_workers", 4)
	v.SetDefault("crawl.per_domain_in_flight", 2)
	v.SetDefault("crawl.tick_interval", 200*time.Millisecond)
	v.SetDefault("crawl.stale_lease_after", 10*time.Minute)
	v.SetDefault("crawl.max_crawl_attempts", 5)
	v.SetDefault("crawl.max_recrawl_attempts", 1000000)
	v.SetDefault("crawl.connect_timeout", 5*time.Second)
	v.SetDefault("crawl.fetch_timeout", 30*time.Second)
	v.SetDefault("crawl.robots_timeout", 10*time.Second)
	v.SetDefault("crawl.max_body_bytes", int64(8<<20))
	v.SetDefault("crawl.default_crawl_interval", 7*24*time.Hour)
	v.SetDefault("crawl.changed_crawl_interval", 24*time.Hour)

	v.SetDefault("index.max_segment_docs", 50000)
	v.SetDefault("index.max_segment_bytes", int64(256<<20))
	v.SetDefault("index.max_segment_age", 5*time.Minute)
	v.SetDefault("index.merge_interval", time.Minute)
	v.SetDefault("index.merge_tier_size", 4)

	v.SetDefault("query.default_limit", 20)
	v.SetDefault("query.max_limit", 100)
	v.SetDefault("query.cache_ttl", 5*time.Minute)
	v.SetDefault("query.deadline", 2*time.Second)
	v.SetDefault("query.per_ip_budget", 60)

	v.SetDefault("authority.interval", time.Hour)
	v.SetDefault("authority.damping", 0.85)

	v.SetDefault("logging.development", false)
}

// Validate enforces the invariants §5/§6 depend on.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url must be set")
	}
	if c.SegmentDir == "" {
		return fmt.Errorf("segment_dir must not be empty")
	}
	if c.Crawl.FetchWorkers <= 0 {
		return fmt.Errorf("crawl.fetch_workers must be > 0")
	}
	if c.Crawl.IndexWorkers <= 0 {
		return fmt.Errorf("crawl.index_workers must be > 0")
	}
	if c.Crawl.PerDomainInFlight <= 0 {
		return fmt.Errorf("crawl.per_domain_in_flight must be > 0")
	}
	if c.Crawl.MaxCrawlAttempts <= 0 {
		return fmt.Errorf("crawl.max_crawl_attempts must be > 0")
	}
	if c.Crawl.MaxRecrawlAttempts <= 0 {
		return fmt.Errorf("crawl.max_recrawl_attempts must be > 0")
	}
	if c.Index.MaxSegmentDocs <= 0 || c.Index.MaxSegmentBytes <= 0 {
		return fmt.Errorf("index segment limits must be > 0")
	}
	if c.Query.MaxLimit <= 0 || c.Query.DefaultLimit <= 0 || c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query limits misconfigured")
	}
	if c.Authority.Damping <= 0 || c.Authority.Damping >= 1 {
		return fmt.Errorf("authority.damping must be in (0,1)")
	}
	return nil
}
