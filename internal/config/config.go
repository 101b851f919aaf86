package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigurationError is fatal at startup. Invalid thresholds or weights are
// never surfaced at decision time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

type Config struct {
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		TLS  struct {
			Enabled  bool   `yaml:"enabled"`
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`

	Elasticsearch struct {
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"elasticsearch"`

	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Matching Matching `yaml:"matching"`
}

// Duration decodes yaml values like "30m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return &ConfigurationError{Field: "duration", Reason: err.Error()}
	}
	*d = Duration(parsed)
	return nil
}

// Matching is the engine configuration. It is handed to constructors as an
// immutable value and validated exactly once at load.
type Matching struct {
	// Score bands. ThresholdLow < ThresholdHigh.
	ThresholdLow  float64 `yaml:"threshold_low"`
	ThresholdHigh float64 `yaml:"threshold_high"`

	// BlockCap bounds the candidate set returned by the blocking index.
	BlockCap int `yaml:"block_cap"`

	// Fields drive the composite scorer. Order is significant for
	// reproducibility of per-field evidence.
	Fields []FieldRule `yaml:"fields"`

	// ClaimTimeout reverts idle UNDER_REVIEW claims to PENDING.
	ClaimTimeout Duration `yaml:"claim_timeout"`

	// MaxRetries bounds optimistic-concurrency retries before a submission
	// is surfaced as a transient failure.
	MaxRetries int `yaml:"max_retries"`

	// Workers sizes the batch worker pool.
	Workers int `yaml:"workers"`
}

// FieldRule binds one demographic field to a comparator strategy.
type FieldRule struct {
	Field    string  `yaml:"field"`
	Strategy string  `yaml:"strategy"` // exact|phonetic|fuzzy|deterministic|probabilistic
	Weight   float64 `yaml:"weight"`

	// Floor is the fuzzy similarity below which a comparison counts as
	// disagreement evidence.
	Floor float64 `yaml:"floor,omitempty"`

	// M and U are the Fellegi-Sunter agreement probabilities given a true
	// match and given a non-match. Probabilistic strategy only.
	M float64 `yaml:"m,omitempty"`
	U float64 `yaml:"u,omitempty"`
}

// DefaultMatching returns the configuration used when the config file has no
// matching section. Weights for the demographic fields sum to 1.0; the
// deterministic SSN rule sits on top so an identifier hit dominates the band.
func DefaultMatching() Matching {
	return Matching{
		ThresholdLow:  0.45,
		ThresholdHigh: 0.75,
		BlockCap:      50,
		ClaimTimeout:  Duration(30 * time.Minute),
		MaxRetries:    3,
		Workers:       8,
		Fields: []FieldRule{
			{Field: "ssn", Strategy: "deterministic", Weight: 1.0},
			{Field: "mrn", Strategy: "probabilistic", Weight: 0.30, M: 0.95, U: 0.01},
			{Field: "family_name", Strategy: "fuzzy", Weight: 0.25, Floor: 0.70},
			{Field: "given_name", Strategy: "fuzzy", Weight: 0.20, Floor: 0.70},
			{Field: "dob", Strategy: "fuzzy", Weight: 0.25, Floor: 0.80},
			{Field: "sex", Strategy: "exact", Weight: 0.05},
			{Field: "phone", Strategy: "exact", Weight: 0.10},
			{Field: "email", Strategy: "exact", Weight: 0.05},
			{Field: "address", Strategy: "fuzzy", Weight: 0.10, Floor: 0.60},
		},
	}
}

// Validate checks the matching configuration. Failures here are fatal.
func (m *Matching) Validate() error {
	if m.ThresholdLow >= m.ThresholdHigh {
		return &ConfigurationError{
			Field:  "matching.threshold_low",
			Reason: fmt.Sprintf("threshold_low (%v) must be below threshold_high (%v)", m.ThresholdLow, m.ThresholdHigh),
		}
	}
	if m.BlockCap <= 0 {
		return &ConfigurationError{Field: "matching.block_cap", Reason: "must be positive"}
	}
	if m.MaxRetries <= 0 {
		return &ConfigurationError{Field: "matching.max_retries", Reason: "must be positive"}
	}
	if m.Workers <= 0 {
		return &ConfigurationError{Field: "matching.workers", Reason: "must be positive"}
	}
	if len(m.Fields) == 0 {
		return &ConfigurationError{Field: "matching.fields", Reason: "at least one field rule is required"}
	}
	for _, f := range m.Fields {
		if f.Field == "" {
			return &ConfigurationError{Field: "matching.fields", Reason: "field name is required"}
		}
		if f.Weight <= 0 {
			return &ConfigurationError{
				Field:  "matching.fields." + f.Field,
				Reason: "weight must be positive",
			}
		}
		switch f.Strategy {
		case "exact", "phonetic", "deterministic":
		case "fuzzy":
			if f.Floor <= 0 || f.Floor >= 1 {
				return &ConfigurationError{
					Field:  "matching.fields." + f.Field,
					Reason: "fuzzy floor must be in (0, 1)",
				}
			}
		case "probabilistic":
			if f.M <= 0 || f.M >= 1 || f.U <= 0 || f.U >= 1 {
				return &ConfigurationError{
					Field:  "matching.fields." + f.Field,
					Reason: "m and u probabilities must be in (0, 1)",
				}
			}
			if f.M <= f.U {
				return &ConfigurationError{
					Field:  "matching.fields." + f.Field,
					Reason: "m must exceed u for agreement to carry positive weight",
				}
			}
		default:
			return &ConfigurationError{
				Field:  "matching.fields." + f.Field,
				Reason: fmt.Sprintf("unknown strategy %q", f.Strategy),
			}
		}
	}
	return nil
}

func Load() (*Config, error) {
	// Look for config in multiple locations
	configPaths := []string{
		"./configs/config.yaml",
		"../configs/config.yaml",
		"/etc/patient-index/config.yaml",
	}

	var config Config
	for _, path := range configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		configFile, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}

		if err := yaml.Unmarshal(configFile, &config); err != nil {
			return nil, err
		}

		if len(config.Matching.Fields) == 0 {
			config.Matching = DefaultMatching()
		}
		applyEnvOverrides(&config)

		if err := config.Matching.Validate(); err != nil {
			return nil, err
		}
		return &config, nil
	}

	return nil, fmt.Errorf("no configuration file found")
}

// applyEnvOverrides lets deployment environments override connection settings
// without editing the config file.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("MPI")
	v.AutomaticEnv()

	if s := v.GetString("POSTGRES_HOST"); s != "" {
		cfg.Database.Host = s
	}
	if p := v.GetInt("POSTGRES_PORT"); p != 0 {
		cfg.Database.Port = p
	}
	if s := v.GetString("POSTGRES_PASSWORD"); s != "" {
		cfg.Database.Password = s
	}
	if s := v.GetString("ELASTICSEARCH_URL"); s != "" {
		cfg.Elasticsearch.URL = s
	}
	if s := v.GetString("MONGO_URI"); s != "" {
		cfg.Mongo.URI = s
	}
	if s := v.GetString("REDIS_ADDR"); s != "" {
		cfg.Redis.Addr = s
	}
}
