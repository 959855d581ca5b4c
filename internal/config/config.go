package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"
)

const (
	DefaultPollingInterval = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultProbeTimeout    = 10 * time.Second
	DefaultRequestCount    = 100
)

type StressTestConfig struct {
	Enabled              bool          `json:"enabled"`
	EndpointURL          string        `json:"endpointUrl"`
	RequestCount         int           `json:"requestCount"`
	Timeout              time.Duration `json:"timeoutSeconds"`
	MinSuccessRatePct    float64       `json:"minSuccessRatePercent"`
	MaxP95LatencyMs      float64       `json:"maxP95LatencyMs"`
	BlockOnFailure       bool          `json:"blockOnFailure"`
	Concurrency          int           `json:"concurrency"`
	ProbesPerSecondLimit int           `json:"probesPerSecondLimit"`
}

type PipelineConfig struct {
	Enabled      bool   `json:"enabled"`
	Project      string `json:"project"`
	PipelineID   string `json:"pipelineId"`
	CreateBranch bool   `json:"createBranch"`
	// Repository the deployment branch is created in. Defaults to the
	// service id.
	Repository string `json:"repository,omitempty"`
	// Critical makes a pipeline trigger failure abort the whole rollout
	// instead of being logged and ignored.
	Critical bool `json:"critical"`
}

type HistoryConfig struct {
	Enabled  bool   `json:"enabled"`
	User     string `json:"user"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
}

type KafkaConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Topic   string `json:"topic"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type DeploymentConfig struct {
	ServiceGroupName string `json:"serviceGroupName"`
	ServiceID        string `json:"serviceId"`
	StageMapName     string `json:"stageMapName"`
	Environment      string `json:"environment"`

	ScopeSelector string `json:"scopeSelector,omitempty"`

	EngineBaseURL   string `json:"engineBaseUrl"`
	PipelineBaseURL string `json:"pipelineBaseUrl,omitempty"`
	WebhookURL      string `json:"webhookUrl,omitempty"`

	PollingInterval time.Duration `json:"pollingIntervalSeconds"`
	MaxRetries      int           `json:"maxRetries"`

	StateFilePath       string `json:"stateFilePath"`
	NotificationLogPath string `json:"notificationLogPath,omitempty"`

	StressTest *StressTestConfig `json:"stressTestConfig,omitempty"`
	Pipeline   *PipelineConfig   `json:"pipelineConfig,omitempty"`
	History    *HistoryConfig    `json:"historyConfig,omitempty"`
	Kafka      *KafkaConfig      `json:"kafkaConfig,omitempty"`
	Metrics    *MetricsConfig    `json:"metricsConfig,omitempty"`
}

// envOverrides are ambient knobs that may be set without touching the
// config file, same shape the healthcheck node reads its env with.
type envOverrides struct {
	WebhookURL string `envconfig:"SENTINEL_WEBHOOK_URL,optional"`
	StateFile  string `envconfig:"SENTINEL_STATE_FILE,optional"`
	EngineURL  string `envconfig:"SENTINEL_ENGINE_URL,optional"`
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandPlaceholders resolves ${ENV_VAR} references against the process
// environment. An unresolved placeholder is a configuration error, not
// an empty string.
func expandPlaceholders(raw []byte) ([]byte, error) {
	var missing string
	expanded := placeholderRe.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := placeholderRe.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(name))
		if !ok && missing == "" {
			missing = string(name)
		}
		return []byte(val)
	})
	if missing != "" {
		return nil, fmt.Errorf("unresolved config placeholder ${%s}", missing)
	}
	return expanded, nil
}

func Load(path string) (*DeploymentConfig, error) {
	// .env is optional, absence is not an error
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	raw, err = expandPlaceholders(raw)
	if err != nil {
		return nil, err
	}

	cfg := DeploymentConfig{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	env := envOverrides{}
	if err := envconfig.Init(&env); err != nil {
		return nil, fmt.Errorf("failed to read env overrides: %w", err)
	}
	if env.WebhookURL != "" {
		cfg.WebhookURL = env.WebhookURL
	}
	if env.StateFile != "" {
		cfg.StateFilePath = env.StateFile
	}
	if env.EngineURL != "" {
		cfg.EngineBaseURL = env.EngineURL
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *DeploymentConfig) applyDefaults() {
	if c.PollingInterval == 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.StressTest != nil {
		if c.StressTest.RequestCount == 0 {
			c.StressTest.RequestCount = DefaultRequestCount
		}
		if c.StressTest.Timeout == 0 {
			c.StressTest.Timeout = DefaultProbeTimeout
		}
		if c.StressTest.Concurrency == 0 {
			c.StressTest.Concurrency = 10
		}
	}
}

// Validate fails fast on the first missing required field, naming it.
func (c *DeploymentConfig) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"serviceGroupName", c.ServiceGroupName},
		{"serviceId", c.ServiceID},
		{"stageMapName", c.StageMapName},
		{"environment", c.Environment},
		{"engineBaseUrl", c.EngineBaseURL},
		{"stateFilePath", c.StateFilePath},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("config is missing required field %q", field.name)
		}
	}
	if c.StressTest != nil && c.StressTest.Enabled {
		if c.StressTest.EndpointURL == "" {
			return fmt.Errorf("config is missing required field %q", "stressTestConfig.endpointUrl")
		}
		if c.StressTest.MinSuccessRatePct <= 0 || c.StressTest.MinSuccessRatePct > 100 {
			return fmt.Errorf("stressTestConfig.minSuccessRatePercent must be in (0, 100], got %v", c.StressTest.MinSuccessRatePct)
		}
		if c.StressTest.MaxP95LatencyMs <= 0 {
			return fmt.Errorf("stressTestConfig.maxP95LatencyMs must be positive, got %v", c.StressTest.MaxP95LatencyMs)
		}
	}
	if c.Pipeline != nil && c.Pipeline.Enabled {
		if c.PipelineBaseURL == "" {
			return fmt.Errorf("config is missing required field %q", "pipelineBaseUrl")
		}
		if c.Pipeline.Project == "" {
			return fmt.Errorf("config is missing required field %q", "pipelineConfig.project")
		}
		if c.Pipeline.PipelineID == "" {
			return fmt.Errorf("config is missing required field %q", "pipelineConfig.pipelineId")
		}
	}
	if c.Kafka != nil && c.Kafka.Enabled && (c.Kafka.Addr == "" || c.Kafka.Topic == "") {
		return fmt.Errorf("config is missing required field %q", "kafkaConfig.addr/topic")
	}
	return nil
}

// UnmarshalJSON converts the second-granularity numeric fields from the
// wire form into durations.
func (c *StressTestConfig) UnmarshalJSON(data []byte) error {
	type alias StressTestConfig
	aux := struct {
		*alias
		TimeoutSeconds int64 `json:"timeoutSeconds"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Timeout = time.Duration(aux.TimeoutSeconds) * time.Second
	return nil
}

func (c *DeploymentConfig) UnmarshalJSON(data []byte) error {
	type alias DeploymentConfig
	aux := struct {
		*alias
		PollingIntervalSeconds int64 `json:"pollingIntervalSeconds"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.PollingInterval = time.Duration(aux.PollingIntervalSeconds) * time.Second
	return nil
}
