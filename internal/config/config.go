package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

const DefaultUserAgent = "Mozilla/5.0 (compatible; NewMajorityBot/1.0; +https://vote.newmajority.ca; contact: hello@newmajority.ca)"

const (
	StrategyNone              = "none"
	StrategyExplicitControl   = "explicit_control"
	StrategyScrollGrowth      = "scroll_growth"
	StrategyIndexedNavigation = "indexed_navigation"

	EngineBrowser = "browser"
	EngineStatic  = "static"

	KeyNameLocation = "name_location"
	KeyContactFirst = "contact_first"
)

type PaginationConfig struct {
	Strategy   string `yaml:"strategy"`
	Control    string `yaml:"control"`
	Item       string `yaml:"item"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	PollMS     int    `yaml:"poll_ms"`
	Step       int    `yaml:"step"`
	IntervalMS int    `yaml:"interval_ms"`
	MaxSteps   int    `yaml:"max_steps"`
}

type ExtractorConfig struct {
	Item            string   `yaml:"item"`
	Name            []string `yaml:"name"`
	Location        string   `yaml:"location"`
	Contact         string   `yaml:"contact"`
	ProfileLink     string   `yaml:"profile_link"`
	ProfileAttr     string   `yaml:"profile_attr"`
	Split           string   `yaml:"split"`
	SplitNameFirst  bool     `yaml:"split_name_first"`
	ProfileContact  string   `yaml:"profile_contact"`
	ScanProfileText bool     `yaml:"scan_profile_text"`
}

type SourceConfig struct {
	Label          string           `yaml:"label"`
	StartURL       string           `yaml:"start_url"`
	ReadySelector  string           `yaml:"ready_selector"`
	ReadyTimeoutMS int              `yaml:"ready_timeout_ms"`
	FixedDelayMS   int              `yaml:"fixed_delay_ms"`
	MaxRetries     int              `yaml:"max_retries"`
	MaxPages       int              `yaml:"max_pages"`
	KeyPreference  string           `yaml:"key_preference"`
	Pagination     PaginationConfig `yaml:"pagination"`
	Extractor      ExtractorConfig  `yaml:"extractor"`
}

type DBConfig struct {
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		Candidates string `yaml:"candidates"`
		Runs       string `yaml:"runs"`
	} `yaml:"collections"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ElasticConfig struct {
	Addr  string `yaml:"addr"`
	Index string `yaml:"index"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type SinkConfig struct {
	JSONDir string         `yaml:"json_dir"`
	Mongo   *DBConfig      `yaml:"mongo"`
	Kafka   *KafkaConfig   `yaml:"kafka"`
	Elastic *ElasticConfig `yaml:"elastic"`
	SQLite  *SQLiteConfig  `yaml:"sqlite"`
}

type EngineConfig struct {
	Kind        string `yaml:"kind"`
	RemoteURL   string `yaml:"remote_url"`
	ShowBrowser bool   `yaml:"show_browser"`
}

type LogicConfig struct {
	UserAgent            string `yaml:"user_agent"`
	DelayMS              *int   `yaml:"delay_ms"`
	JitterMS             *int   `yaml:"jitter_ms"`
	TimeoutSec           int    `yaml:"timeout_sec"`
	ProfileTimeoutSec    int    `yaml:"profile_timeout_sec"`
	MaxRetries           int    `yaml:"max_retries"`
	RetryBaseMS          int    `yaml:"retry_base_ms"`
	MaxConcurrentSources int    `yaml:"max_concurrent_sources"`
	PersistPartial       bool   `yaml:"persist_partial"`
	RespectRobots        *bool  `yaml:"respect_robots"`
}

type HarvestConfig struct {
	Logic   LogicConfig             `yaml:"logic"`
	Engine  EngineConfig            `yaml:"engine"`
	Sinks   SinkConfig              `yaml:"sinks"`
	Sources map[string]SourceConfig `yaml:"sources"`
}

func LoadConfig(path string) (*HarvestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*HarvestConfig, error) {
	var cfg HarvestConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *HarvestConfig) applyDefaults() {
	l := &c.Logic
	if l.UserAgent == "" {
		l.UserAgent = DefaultUserAgent
	}
	// unset delays take the defaults; an explicit 0 turns them off
	if l.DelayMS == nil {
		l.DelayMS = intPtr(2000)
	}
	if l.JitterMS == nil {
		l.JitterMS = intPtr(3000)
	}
	if l.TimeoutSec == 0 {
		l.TimeoutSec = 30
	}
	if l.ProfileTimeoutSec == 0 {
		l.ProfileTimeoutSec = 5
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = 5
	}
	if l.RetryBaseMS == 0 {
		l.RetryBaseMS = 1000
	}
	if l.MaxConcurrentSources == 0 {
		l.MaxConcurrentSources = 1
	}
	if l.RespectRobots == nil {
		respect := true
		l.RespectRobots = &respect
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = EngineBrowser
	}
	if c.Sinks.Mongo != nil {
		if c.Sinks.Mongo.Collections.Candidates == "" {
			c.Sinks.Mongo.Collections.Candidates = "candidates"
		}
		if c.Sinks.Mongo.Collections.Runs == "" {
			c.Sinks.Mongo.Collections.Runs = "harvest_runs"
		}
	}

	for id, src := range c.Sources {
		if src.Label == "" {
			src.Label = id
		}
		if src.MaxRetries == 0 {
			src.MaxRetries = l.MaxRetries
		}
		if src.MaxPages == 0 {
			src.MaxPages = 200
		}
		if src.ReadyTimeoutMS == 0 {
			src.ReadyTimeoutMS = 10000
		}
		if src.KeyPreference == "" {
			src.KeyPreference = KeyNameLocation
		}
		p := &src.Pagination
		if p.Strategy == "" {
			p.Strategy = StrategyNone
		}
		if p.TimeoutMS == 0 {
			p.TimeoutMS = 10000
		}
		if p.PollMS == 0 {
			p.PollMS = 250
		}
		if p.Step == 0 {
			p.Step = 100
		}
		if p.IntervalMS == 0 {
			p.IntervalMS = 200
		}
		if p.MaxSteps == 0 {
			p.MaxSteps = 2000
		}
		e := &src.Extractor
		if e.ProfileAttr == "" {
			e.ProfileAttr = "href"
		}
		if e.ProfileContact == "" {
			e.ProfileContact = `a[href^="mailto:"]`
		}
		c.Sources[id] = src
	}
}

func (c *HarvestConfig) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source must be configured")
	}
	if c.Logic.MaxRetries < 1 || c.Logic.MaxRetries > 10 {
		return fmt.Errorf("config: logic.max_retries must be between 1 and 10")
	}
	if c.Logic.Delay() < 0 || c.Logic.Jitter() < 0 {
		return fmt.Errorf("config: logic.delay_ms and logic.jitter_ms cannot be negative")
	}
	if c.Logic.MaxConcurrentSources < 1 {
		return fmt.Errorf("config: logic.max_concurrent_sources must be positive")
	}
	switch c.Engine.Kind {
	case EngineBrowser, EngineStatic:
	default:
		return fmt.Errorf("config: unknown engine kind %q", c.Engine.Kind)
	}
	if c.Sinks.Kafka != nil && (len(c.Sinks.Kafka.Brokers) == 0 || c.Sinks.Kafka.Topic == "") {
		return fmt.Errorf("config: sinks.kafka needs brokers and a topic")
	}
	if c.Sinks.Elastic != nil && (c.Sinks.Elastic.Addr == "" || c.Sinks.Elastic.Index == "") {
		return fmt.Errorf("config: sinks.elastic needs addr and index")
	}

	for _, id := range c.SourceIDs() {
		src := c.Sources[id]
		if src.StartURL == "" {
			return fmt.Errorf("config: source %s: start_url is required", id)
		}
		if src.MaxRetries < 1 || src.MaxRetries > 10 {
			return fmt.Errorf("config: source %s: max_retries must be between 1 and 10", id)
		}
		if src.FixedDelayMS < 0 {
			return fmt.Errorf("config: source %s: fixed_delay_ms cannot be negative", id)
		}
		switch src.KeyPreference {
		case KeyNameLocation, KeyContactFirst:
		default:
			return fmt.Errorf("config: source %s: unknown key_preference %q", id, src.KeyPreference)
		}
		if src.Extractor.Item == "" {
			return fmt.Errorf("config: source %s: extractor.item is required", id)
		}
		if src.Extractor.Split == "" && (len(src.Extractor.Name) == 0 || src.Extractor.Location == "") {
			return fmt.Errorf("config: source %s: extractor needs name and location selectors or a split separator", id)
		}

		p := src.Pagination
		switch p.Strategy {
		case StrategyNone:
		case StrategyExplicitControl:
			if p.Control == "" || p.Item == "" {
				return fmt.Errorf("config: source %s: explicit_control needs control and item selectors", id)
			}
			if c.Engine.Kind == EngineStatic {
				return fmt.Errorf("config: source %s: explicit_control requires the browser engine", id)
			}
		case StrategyScrollGrowth:
			if c.Engine.Kind == EngineStatic {
				return fmt.Errorf("config: source %s: scroll_growth requires the browser engine", id)
			}
		case StrategyIndexedNavigation:
			if p.Control == "" {
				return fmt.Errorf("config: source %s: indexed_navigation needs a control selector", id)
			}
		default:
			return fmt.Errorf("config: source %s: unknown pagination strategy %q", id, p.Strategy)
		}
	}
	return nil
}

// SourceIDs returns the configured source identifiers in a stable order.
func (c *HarvestConfig) SourceIDs() []string {
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l LogicConfig) Delay() time.Duration        { return msPtr(l.DelayMS) }
func (l LogicConfig) Jitter() time.Duration       { return msPtr(l.JitterMS) }
func (l LogicConfig) RetryBase() time.Duration    { return ms(l.RetryBaseMS) }
func (l LogicConfig) Timeout() time.Duration      { return time.Duration(l.TimeoutSec) * time.Second }
func (l LogicConfig) ProfileTimeout() time.Duration {
	return time.Duration(l.ProfileTimeoutSec) * time.Second
}

func (s SourceConfig) FixedDelay() time.Duration   { return ms(s.FixedDelayMS) }
func (s SourceConfig) ReadyTimeout() time.Duration { return ms(s.ReadyTimeoutMS) }

func (p PaginationConfig) Timeout() time.Duration  { return ms(p.TimeoutMS) }
func (p PaginationConfig) Poll() time.Duration     { return ms(p.PollMS) }
func (p PaginationConfig) Interval() time.Duration { return ms(p.IntervalMS) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func msPtr(v *int) time.Duration {
	if v == nil {
		return 0
	}
	return ms(*v)
}

func intPtr(v int) *int { return &v }
