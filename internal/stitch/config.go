package stitch

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"PORT"`
		Origin string `yaml:"origin" env:"ORIGIN"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Transclusion TransclusionConfig `yaml:"transclusion" envPrefix:"TRANSCLUSION_"`
	Cache        CacheConfig        `yaml:"cache" envPrefix:"CACHE_"`
	Stats        StatsConfig        `yaml:"stats" envPrefix:"STATS_"`
	Logging      LoggingConfig      `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing      TracingConfig      `yaml:"tracing" envPrefix:"TRACING_"`

	Rules []Rule `yaml:"rules"`
}

type TransclusionConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// RequestTimeout bounds a single fragment fetch.
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	// PageTimeout bounds resolution of all includes of one page. Zero means
	// twice RequestTimeout, leaving room for one fallback-src attempt.
	PageTimeout time.Duration `yaml:"pageTimeout" env:"PAGE_TIMEOUT"`
	// DefaultFragmentTTL applies to fragments whose response carries no
	// freshness information.
	DefaultFragmentTTL time.Duration `yaml:"defaultFragmentTTL" env:"DEFAULT_FRAGMENT_TTL"`
	MaxFragmentSize    ByteSize      `yaml:"maxFragmentSize" env:"MAX_FRAGMENT_SIZE"`

	// Forwarded to fragment requests; not part of the cache key.
	RequestHeadersForward []string `yaml:"requestHeadersForward" env:"REQUEST_HEADERS_FORWARD"`
	// Forwarded to fragment requests and part of the cache key.
	RequestHeadersForwardVary []string `yaml:"requestHeadersForwardVary" env:"REQUEST_HEADERS_FORWARD_VARY"`
	// Response headers of the primary fragment copied to the page.
	ResponseHeadersForward []string `yaml:"responseHeadersForward" env:"RESPONSE_HEADERS_FORWARD"`
}

type CacheConfig struct {
	MaxSize ByteSize `yaml:"maxSize" env:"MAX_SIZE"`

	Disk struct {
		// Path enables the disk tier for fragments evicted from memory.
		Path string   `yaml:"path" env:"PATH"`
		Max  ByteSize `yaml:"max" env:"MAX"`
	} `yaml:"disk" envPrefix:"DISK_"`

	AutoRefresh AutoRefreshConfig `yaml:"autoRefresh" envPrefix:"AUTO_REFRESH_"`

	Prewarm struct {
		URLs         []string      `yaml:"urls" env:"URLS"`
		InitialDelay time.Duration `yaml:"initialDelay" env:"INITIAL_DELAY"`
		Every        time.Duration `yaml:"every" env:"EVERY"`
	} `yaml:"prewarm" envPrefix:"PREWARM_"`
}

type AutoRefreshConfig struct {
	Enabled                      bool `yaml:"enabled" env:"ENABLED"`
	MaxAttempts                  int  `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	InactiveFragmentsMaxRefreshs int  `yaml:"inactiveFragmentsMaxRefreshs" env:"INACTIVE_FRAGMENTS_MAX_REFRESHS"`

	// Interval is the scheduler tick.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// An entry is due once its remaining lifetime drops to
	// max(Margin, Ratio * total lifetime).
	Margin      time.Duration `yaml:"margin" env:"MARGIN"`
	Ratio       float64       `yaml:"ratio" env:"RATIO"`
	Concurrency int           `yaml:"concurrency" env:"CONCURRENCY"`
}

type StatsConfig struct {
	AppendToContent   bool `yaml:"appendToContent" env:"APPEND_TO_CONTENT"`
	ExposeFragmentURL bool `yaml:"exposeFragmentUrl" env:"EXPOSE_FRAGMENT_URL"`
}

type LoggingConfig struct {
	Level         string        `yaml:"level" env:"LEVEL"`
	Format        string        `yaml:"format" env:"FORMAT"`
	LogStatsEvery time.Duration `yaml:"logStatsEvery" env:"LOG_STATS_EVERY"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"serviceName" env:"SERVICE_NAME"`
}

type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	// Bypass passes matching pages through without composition.
	Bypass bool `yaml:"bypass"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// DefaultConfig returns the configuration used for keys absent from the
// file and the environment.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080

	cfg.Transclusion = TransclusionConfig{
		Enabled:                   true,
		RequestTimeout:            3 * time.Second,
		DefaultFragmentTTL:        10 * time.Second,
		MaxFragmentSize:           5 * MiB,
		RequestHeadersForward:     []string{"Correlation-ID", "X-Correlation-ID", "X-Request-ID"},
		RequestHeadersForwardVary: []string{},
		ResponseHeadersForward:    []string{"Content-Language", "Location", "Refresh"},
	}

	cfg.Cache.MaxSize = 50 * MiB
	cfg.Cache.AutoRefresh = AutoRefreshConfig{
		Enabled:                      false,
		MaxAttempts:                  3,
		InactiveFragmentsMaxRefreshs: 2,
		Interval:                     time.Second,
		Margin:                       2 * time.Second,
		Ratio:                        0.15,
		Concurrency:                  32,
	}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Tracing.ServiceName = "stitch"
	return cfg
}

// LoadConfig reads the YAML file at path over DefaultConfig, then applies
// STITCH_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	// Rules come from the file only.
	rules := cfg.Rules
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "STITCH_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Rules = rules
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finalize() error {
	t := &cfg.Transclusion
	if t.RequestTimeout <= 0 {
		return errors.New("transclusion.requestTimeout must be positive")
	}
	if t.PageTimeout < 0 || t.DefaultFragmentTTL < 0 {
		return errors.New("transclusion timeouts must not be negative")
	}
	if t.PageTimeout == 0 {
		t.PageTimeout = 2 * t.RequestTimeout
	}

	ar := &cfg.Cache.AutoRefresh
	if ar.Enabled {
		if ar.Interval <= 0 {
			return errors.New("cache.autoRefresh.interval must be positive")
		}
		if ar.Ratio < 0 || ar.Ratio >= 1 {
			return fmt.Errorf("cache.autoRefresh.ratio must be in [0, 1), got %v", ar.Ratio)
		}
	}
	if ar.Concurrency <= 0 {
		ar.Concurrency = 1
	}
	if cfg.Cache.Disk.Path != "" && cfg.Cache.Disk.Max <= 0 {
		return errors.New("cache.disk.max is required when cache.disk.path is set")
	}

	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
