package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Quota         QuotaConfig         `yaml:"quota"`
	Tiers         []TierConfig        `yaml:"tiers"`
	Selector      SelectorConfig      `yaml:"selector"`
	Transition    TransitionConfig    `yaml:"transition"`
	Fetch         FetchConfig         `yaml:"fetch"`
	Sources       SourcesConfig       `yaml:"sources"`
	NATS          NATSConfig          `yaml:"nats"`
	Viewer        ViewerConfig        `yaml:"viewer"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type StorageConfig struct {
	Path        string   `yaml:"path"`
	NoSync      bool     `yaml:"no_sync"`
	OpenTimeout Duration `yaml:"open_timeout"`
}

type QuotaConfig struct {
	Models   ByteSize `yaml:"models"`
	Textures ByteSize `yaml:"textures"`
}

// TierConfig describes one resolution tier. MinDistance is the inclusive
// lower bound of the tier's distance range.
type TierConfig struct {
	Name               string   `yaml:"name"`
	MinDistance        float64  `yaml:"min_distance"`
	TextureResolution  int      `yaml:"texture_resolution"`
	MeshDetail         float64  `yaml:"mesh_detail"`
	TransitionDuration Duration `yaml:"transition_duration"`
	Easing             string   `yaml:"easing"`
}

type SelectorConfig struct {
	ThrottleWindow Duration `yaml:"throttle_window"`
}

type TransitionConfig struct {
	StepInterval Duration `yaml:"step_interval"`
	Duration     Duration `yaml:"duration"`
	Easing       string   `yaml:"easing"`
}

type FetchConfig struct {
	Retries        int      `yaml:"retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

type SourcesConfig struct {
	Primary   SourceConfig `yaml:"primary"`
	Secondary SourceConfig `yaml:"secondary"`
	Bundle    BundleConfig `yaml:"bundle"`
}

// Source kinds accepted in SourceConfig.Kind.
const (
	SourceKindNone = ""
	SourceKindHTTP = "http"
	SourceKindS3   = "s3"
	SourceKindNATS = "nats"
)

type SourceConfig struct {
	Kind string           `yaml:"kind"`
	HTTP HTTPSourceConfig `yaml:"http"`
	S3   S3SourceConfig   `yaml:"s3"`
	NATS NATSSourceConfig `yaml:"nats"`
}

type HTTPSourceConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Token     string   `yaml:"token"`
	Timeout   Duration `yaml:"timeout"`
	RateLimit float64  `yaml:"rate_limit"`
	Burst     int      `yaml:"burst"`
}

type S3SourceConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type NATSSourceConfig struct {
	Bucket  string   `yaml:"bucket"`
	Timeout Duration `yaml:"timeout"`
}

type BundleConfig struct {
	Dir string `yaml:"dir"`
	// Placeholders maps a collection name to a file, relative to Dir, served
	// when no asset-specific file exists.
	Placeholders map[string]string `yaml:"placeholders"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`

	Responder NATSResponderConfig `yaml:"responder"`
}

// NATSResponderConfig enables the request-reply API on {prefix}.get.* and
// {prefix}.distance.
type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// MaxInFlight caps asset requests answered concurrently.
	MaxInFlight    int      `yaml:"max_in_flight"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ViewerConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

type AssetConfig struct {
	Collection string `yaml:"collection"`
	Key        string `yaml:"key"`
}

type LifecycleConfig struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Quota.Models <= 0 || c.Quota.Textures <= 0 {
		return fmt.Errorf("quota.models and quota.textures must be > 0")
	}

	if len(c.Tiers) != 4 {
		return fmt.Errorf("exactly 4 tiers must be configured, got %d", len(c.Tiers))
	}
	for i := 1; i < len(c.Tiers); i++ {
		if c.Tiers[i].MinDistance >= c.Tiers[i-1].MinDistance {
			return fmt.Errorf("tiers[%d] (%s): min_distance must be lower than tiers[%d]", i, c.Tiers[i].Name, i-1)
		}
	}
	if c.Tiers[len(c.Tiers)-1].MinDistance != 0 {
		return fmt.Errorf("tiers[%d]: min_distance of the closest tier must be 0", len(c.Tiers)-1)
	}

	if c.Selector.ThrottleWindow < 0 {
		return fmt.Errorf("selector.throttle_window must be >= 0")
	}

	if c.Transition.StepInterval <= 0 {
		return fmt.Errorf("transition.step_interval must be > 0")
	}

	if c.Fetch.Retries < 0 {
		return fmt.Errorf("fetch.retries must be >= 0")
	}
	if c.Fetch.Multiplier < 1 {
		return fmt.Errorf("fetch.multiplier must be >= 1")
	}

	for name, sc := range map[string]SourceConfig{"primary": c.Sources.Primary, "secondary": c.Sources.Secondary} {
		switch sc.Kind {
		case SourceKindNone:
		case SourceKindHTTP:
			if sc.HTTP.BaseURL == "" {
				return fmt.Errorf("sources.%s: http source requires base_url", name)
			}
		case SourceKindS3:
			if sc.S3.Bucket == "" {
				return fmt.Errorf("sources.%s: s3 source requires bucket", name)
			}
		case SourceKindNATS:
			if sc.NATS.Bucket == "" {
				return fmt.Errorf("sources.%s: nats source requires bucket", name)
			}
			if c.NATS.URL == "" {
				return fmt.Errorf("sources.%s: nats source requires nats.url", name)
			}
		default:
			return fmt.Errorf("sources.%s: unknown kind %q", name, sc.Kind)
		}
	}

	if c.NATS.Responder.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.responder requires nats.url")
	}
	if c.NATS.Responder.MaxInFlight < 0 {
		return fmt.Errorf("nats.responder.max_in_flight must not be negative")
	}

	if c.Sources.Bundle.Dir == "" {
		return fmt.Errorf("sources.bundle.dir is required")
	}

	for i, a := range c.Viewer.Assets {
		if a.Key == "" {
			return fmt.Errorf("viewer.assets[%d].key is required", i)
		}
		if a.Collection != "models" && a.Collection != "textures" {
			return fmt.Errorf("viewer.assets[%d] (%s): unknown collection %q", i, a.Key, a.Collection)
		}
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "250ms".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "1GiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	*b = ByteSize(parsed)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}
