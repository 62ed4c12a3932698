package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of a corpus run.
type Config struct {
	Seeds      []SeedConfig     `yaml:"seeds"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Politeness PolitenessConfig `yaml:"politeness"`
	Extract    ExtractConfig    `yaml:"extract"`
	Output     OutputConfig     `yaml:"output"`
	DB         SQLConfig        `yaml:"db"`
	Robots     RobotsConfig     `yaml:"robots"`
	Rendering  RenderingConfig  `yaml:"rendering"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SeedConfig declares one search URL to discover article links from. Zero-valued overrides
// inherit the discovery defaults.
type SeedConfig struct {
	Label           string            `yaml:"label"`
	URL             string            `yaml:"url"`
	ParamCandidates []string          `yaml:"param_candidates"`
	StartPage       int               `yaml:"start_page"`
	StallThreshold  int               `yaml:"stall_threshold"`
	MaxLinks        int               `yaml:"max_links"`
	MaxPages        int               `yaml:"max_pages"`
	HintPattern     string            `yaml:"hint_pattern"`
	Canonical       string            `yaml:"canonical"`
	Shape           ShapeConfig       `yaml:"shape"`
	Render          bool              `yaml:"render"`
	Headers         map[string]string `yaml:"headers"`
}

// ShapeConfig describes what an article link looks like on a results page.
type ShapeConfig struct {
	Contains []string `yaml:"contains"`
	Excludes []string `yaml:"excludes"`
	Pattern  string   `yaml:"pattern"`
}

// IsZero reports whether no shape rule is set.
func (s ShapeConfig) IsZero() bool {
	return len(s.Contains) == 0 && len(s.Excludes) == 0 && strings.TrimSpace(s.Pattern) == ""
}

// DiscoveryConfig holds the pagination defaults shared by all seeds.
type DiscoveryConfig struct {
	ParamCandidates []string    `yaml:"param_candidates"`
	StartPage       int         `yaml:"start_page"`
	StallThreshold  int         `yaml:"stall_threshold"`
	MaxLinks        int         `yaml:"max_links"`
	MaxPages        int         `yaml:"max_pages"`
	Canonical       string      `yaml:"canonical"`
	Shape           ShapeConfig `yaml:"shape"`
}

// FetchConfig controls HTTP behaviour and the retry policy.
type FetchConfig struct {
	Timeout          Duration          `yaml:"timeout"`
	MaxBodyBytes     int64             `yaml:"max_body_bytes"`
	ProxyURL         string            `yaml:"proxy_url"`
	UserAgents       []string          `yaml:"user_agents"`
	Headers          map[string]string `yaml:"headers"`
	MaxRetries       int               `yaml:"max_retries"`
	RateLimitBackoff BackoffConfig     `yaml:"rate_limit_backoff"`
	ErrorBackoff     BackoffConfig     `yaml:"error_backoff"`
	RateLimitMarkers []string          `yaml:"rate_limit_markers"`
}

// BackoffConfig is a linear backoff: base + attempt*step + random jitter.
type BackoffConfig struct {
	Base   Duration `yaml:"base"`
	Step   Duration `yaml:"step"`
	Jitter Duration `yaml:"jitter"`
}

// PolitenessConfig spaces out requests to the same host.
type PolitenessConfig struct {
	Delay     Duration        `yaml:"delay"`
	Jitter    Duration        `yaml:"jitter"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket per domain.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// ExtractConfig drives article fetching and sentence matching.
type ExtractConfig struct {
	Keywords          []string             `yaml:"keywords"`
	MinSentenceLength int                  `yaml:"min_sentence_length"`
	MaxSentenceLength int                  `yaml:"max_sentence_length"`
	Dedupe            bool                 `yaml:"dedupe"`
	IncludeSemicolon  bool                 `yaml:"include_semicolon"`
	ContentSelectors  []string             `yaml:"content_selectors"`
	DropSelectors     []string             `yaml:"drop_selectors"`
	MinTextLength     int                  `yaml:"min_text_length"`
	Concurrency       int                  `yaml:"concurrency"`
	InputFile         string               `yaml:"input_file"`
	TranslateProxy    TranslateProxyConfig `yaml:"translate_proxy"`
}

// TranslateProxyConfig routes article fetches through the Google Translate page proxy.
type TranslateProxyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	SourceLang string `yaml:"source_lang"`
	TargetLang string `yaml:"target_lang"`
}

// OutputConfig selects where results are written.
type OutputConfig struct {
	CSVPath    string `yaml:"csv_path"`
	CSVBOM     bool   `yaml:"csv_bom"`
	LinksFile  string `yaml:"links_file"`
	FlushEvery int    `yaml:"flush_every"`
}

// SQLConfig describes a relational database that receives match records. An empty driver
// disables it.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	Table           string   `yaml:"table"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether a SQL sink is configured.
func (s SQLConfig) Enabled() bool {
	return s.Driver != ""
}

// RobotsConfig configures robots.txt handling for article fetches.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls optional JavaScript rendering of results pages.
type RenderingConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Timeout         Duration `yaml:"timeout"`
	WaitForSelector string   `yaml:"wait_for_selector"`
	Sessions        int      `yaml:"sessions"`
	DisableHeadless bool     `yaml:"disable_headless"`
}

// LoggingConfig selects log verbosity, format and an optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var supportedDrivers = map[string]struct{}{"postgres": {}, "sqlite": {}}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Discovery: DiscoveryConfig{
			ParamCandidates: []string{"page"},
			StartPage:       1,
			StallThreshold:  3,
			Canonical:       "strip_query",
		},
		Fetch: FetchConfig{
			Timeout:      DurationFrom(30 * time.Second),
			MaxBodyBytes: 6 * 1024 * 1024,
			Headers:      map[string]string{"Referer": "https://www.google.com/"},
			MaxRetries:   5,
			RateLimitBackoff: BackoffConfig{
				Base:   DurationFrom(80 * time.Second),
				Step:   DurationFrom(20 * time.Second),
				Jitter: DurationFrom(70 * time.Second),
			},
			ErrorBackoff: BackoffConfig{
				Base:   DurationFrom(5 * time.Second),
				Step:   DurationFrom(5 * time.Second),
				Jitter: DurationFrom(2 * time.Second),
			},
			RateLimitMarkers: []string{"captcha"},
		},
		Politeness: PolitenessConfig{
			Delay:  DurationFrom(6 * time.Second),
			Jitter: DurationFrom(4 * time.Second),
		},
		Extract: ExtractConfig{
			MinSentenceLength: 16,
			MaxSentenceLength: 499,
			Dedupe:            true,
			DropSelectors:     []string{"nav", "footer"},
			MinTextLength:     50,
			Concurrency:       1,
			TranslateProxy: TranslateProxyConfig{
				SourceLang: "auto",
				TargetLang: "en",
			},
		},
		Output: OutputConfig{
			CSVPath:    "corpus.csv",
			CSVBOM:     true,
			FlushEvery: 10,
		},
		DB: SQLConfig{
			Table:       "match_records",
			AutoMigrate: true,
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "web-crawler-corpus/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Enabled:  false,
			Timeout:  DurationFrom(30 * time.Second),
			Sessions: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces the invariants a run depends on. Seeds are optional because the extract
// command can work from an input file alone.
func (c Config) Validate() error {
	for i, seed := range c.Seeds {
		if seed.URL == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
		if seed.StallThreshold < 0 || seed.MaxLinks < 0 || seed.MaxPages < 0 || seed.StartPage < 0 {
			return fmt.Errorf("seed %s has a negative limit", seed.URL)
		}
		if seed.HintPattern != "" {
			if _, err := regexp.Compile(seed.HintPattern); err != nil {
				return fmt.Errorf("seed %s hint_pattern: %w", seed.URL, err)
			}
		}
		if seed.Shape.Pattern != "" {
			if _, err := regexp.Compile(seed.Shape.Pattern); err != nil {
				return fmt.Errorf("seed %s shape.pattern: %w", seed.URL, err)
			}
		}
		if err := validCanonical(seed.Canonical); err != nil {
			return fmt.Errorf("seed %s: %w", seed.URL, err)
		}
	}
	if len(c.Discovery.ParamCandidates) == 0 {
		return errors.New("discovery.param_candidates must include at least one value")
	}
	if c.Discovery.StallThreshold <= 0 {
		return fmt.Errorf("discovery.stall_threshold must be > 0 (got %d)", c.Discovery.StallThreshold)
	}
	if c.Discovery.MaxLinks < 0 || c.Discovery.MaxPages < 0 {
		return errors.New("discovery.max_links and discovery.max_pages must be >= 0")
	}
	if err := validCanonical(c.Discovery.Canonical); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0 (got %d)", c.Fetch.MaxRetries)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if rl := c.Politeness.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("politeness.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if len(c.Extract.Keywords) == 0 {
		return errors.New("extract.keywords must include at least one keyword")
	}
	if c.Extract.MinSentenceLength < 0 || c.Extract.MaxSentenceLength < 0 {
		return errors.New("extract sentence lengths must be >= 0")
	}
	if c.Extract.MaxSentenceLength > 0 && c.Extract.MaxSentenceLength < c.Extract.MinSentenceLength {
		return fmt.Errorf("extract.max_sentence_length %d is below min_sentence_length %d",
			c.Extract.MaxSentenceLength, c.Extract.MinSentenceLength)
	}
	if c.Extract.Concurrency <= 0 {
		return fmt.Errorf("extract.concurrency must be > 0 (got %d)", c.Extract.Concurrency)
	}
	if c.Output.FlushEvery <= 0 {
		return fmt.Errorf("output.flush_every must be > 0 (got %d)", c.Output.FlushEvery)
	}
	if c.Output.CSVPath == "" && !c.DB.Enabled() {
		return errors.New("either output.csv_path or db.driver must be set")
	}
	if c.DB.Enabled() {
		if _, ok := supportedDrivers[c.DB.Driver]; !ok {
			return fmt.Errorf("db.driver %q is not supported (postgres, sqlite)", c.DB.Driver)
		}
		if c.DB.DSN == "" {
			return errors.New("db.dsn must be set when db.driver is set")
		}
		if !validIdentifier.MatchString(c.DB.Table) {
			return fmt.Errorf("db.table %q is not a valid identifier", c.DB.Table)
		}
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	return nil
}

var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validCanonical(v string) error {
	switch v {
	case "", "strip_query", "keep_query":
		return nil
	default:
		return fmt.Errorf("unknown canonical mode %q", v)
	}
}

func (c *Config) normalise() {
	for i := range c.Seeds {
		s := &c.Seeds[i]
		s.URL = strings.TrimSpace(s.URL)
		s.Label = strings.TrimSpace(s.Label)
		s.Canonical = strings.ToLower(strings.TrimSpace(s.Canonical))
		s.ParamCandidates = dedupe(s.ParamCandidates)
	}
	c.Discovery.ParamCandidates = dedupe(c.Discovery.ParamCandidates)
	c.Discovery.Canonical = strings.ToLower(strings.TrimSpace(c.Discovery.Canonical))

	c.Extract.Keywords = dedupe(c.Extract.Keywords)
	c.Extract.InputFile = strings.TrimSpace(c.Extract.InputFile)
	c.Fetch.ProxyURL = strings.TrimSpace(c.Fetch.ProxyURL)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}

	c.Output.CSVPath = strings.TrimSpace(c.Output.CSVPath)
	c.Output.LinksFile = strings.TrimSpace(c.Output.LinksFile)
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.Table = strings.TrimSpace(c.DB.Table)
	if c.DB.Table == "" {
		c.DB.Table = "match_records"
	}
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
}

// dedupe trims values and drops blanks and repeats, keeping the first occurrence order.
func dedupe(values []string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// ResolveSeed fills the zero-valued fields of seed from the discovery defaults and merges the
// global headers under the seed's own.
func (c Config) ResolveSeed(seed SeedConfig) SeedConfig {
	if len(seed.ParamCandidates) == 0 {
		seed.ParamCandidates = append([]string(nil), c.Discovery.ParamCandidates...)
	}
	if seed.StartPage == 0 {
		seed.StartPage = c.Discovery.StartPage
	}
	if seed.StallThreshold == 0 {
		seed.StallThreshold = c.Discovery.StallThreshold
	}
	if seed.MaxLinks == 0 {
		seed.MaxLinks = c.Discovery.MaxLinks
	}
	if seed.MaxPages == 0 {
		seed.MaxPages = c.Discovery.MaxPages
	}
	if seed.Canonical == "" {
		seed.Canonical = c.Discovery.Canonical
	}
	if seed.Shape.IsZero() {
		seed.Shape = c.Discovery.Shape
	}
	headers := make(map[string]string, len(c.Fetch.Headers)+len(seed.Headers))
	for k, v := range c.Fetch.Headers {
		headers[k] = v
	}
	for k, v := range seed.Headers {
		headers[k] = v
	}
	seed.Headers = headers
	return seed
}
