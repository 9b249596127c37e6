package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration, loaded from the settings file
// named by SETTINGS_FILE and overridden by environment variables.
type Config struct {
	Env string `mapstructure:"env"` // qa | prod

	RedisURL string `mapstructure:"redis_url"`

	Mongo struct {
		DSN      string `mapstructure:"dsn"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`

	Postgres struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Database string `mapstructure:"database"`
		SSLMode  string `mapstructure:"sslmode"`
		MinConns int    `mapstructure:"min_conns"`
		MaxConns int    `mapstructure:"max_conns"`
	} `mapstructure:"postgres"`

	Kafka struct {
		Broker      string `mapstructure:"broker"`
		NormalTopic string `mapstructure:"normal_topic"`
		BulkTopic   string `mapstructure:"bulk_topic"`
		GroupID     string `mapstructure:"group_id"`
	} `mapstructure:"kafka"`

	Auth struct {
		SigningSecret   string `mapstructure:"signing_secret"` // DJANGO_SECRET_KEY
		AnonymousDomain string `mapstructure:"anonymous_domain"`
	} `mapstructure:"auth"`

	Workers struct {
		MaxTotal          int           `mapstructure:"max_total"` // AGENT_OUTBOUND_MAX_WORKERS
		NormalShare       float64       `mapstructure:"normal_share"`
		BulkShare         float64       `mapstructure:"bulk_share"`
		ReconcilerPeriod  time.Duration `mapstructure:"reconciler_period"`
		StuckTaskWindow   time.Duration `mapstructure:"stuck_task_window"`
		RequeueDelay      time.Duration `mapstructure:"requeue_delay"`
		LatencySampleSize int           `mapstructure:"latency_sample_size"`
		Providers         []string      `mapstructure:"providers"` // known call providers, for tier totals
	} `mapstructure:"workers"`

	Knowledge struct {
		SearchServiceURL string  `mapstructure:"search_service_url"`
		MinScore         float64 `mapstructure:"min_score"`        // KB_MIN_SCORE
		MinRemoteScore   float64 `mapstructure:"min_remote_score"` // KB_MIN_REMOTE_SCORE
		FilterThreshold  int     `mapstructure:"filter_threshold"` // FILTER_THRESHOLD
		PrewarmLimit     int     `mapstructure:"prewarm_limit"`
	} `mapstructure:"knowledge"`

	Voice struct {
		STTSilenceTimeout time.Duration `mapstructure:"stt_silence_timeout"`
		LLMTimeout        time.Duration `mapstructure:"llm_timeout"`
		TTSChunkTimeout   time.Duration `mapstructure:"tts_chunk_timeout"`
		MaxCallDuration   time.Duration `mapstructure:"max_call_duration"`
		CostMarkup        float64       `mapstructure:"cost_markup"`
	} `mapstructure:"voice"`

	PostCall struct {
		WebhookURL     string        `mapstructure:"webhook_url"`
		MaxFollowups   int           `mapstructure:"max_followups"`
		LockTTL        time.Duration `mapstructure:"lock_ttl"`
		WebhookRetries int           `mapstructure:"webhook_retries"`
		FollowupDelay  time.Duration `mapstructure:"followup_delay"`
		AnalysisModel  string        `mapstructure:"analysis_model"` // provider:model for the summary pass
	} `mapstructure:"postcall"`

	Providers struct {
		OpenAIAPIKey       string `mapstructure:"openai_api_key"`
		AnthropicAPIKey    string `mapstructure:"anthropic_api_key"`
		GoogleAPIKey       string `mapstructure:"google_api_key"`
		GroqAPIKey         string `mapstructure:"groq_api_key"`
		DeepgramAPIKey     string `mapstructure:"deepgram_api_key"`
		CartesiaAPIKey     string `mapstructure:"cartesia_api_key"`
		InfraMode          string `mapstructure:"infra_mode"` // AGENT_INFRA_MODE
		LiveKitURL         string `mapstructure:"livekit_url"`
		LiveKitInferKey    string `mapstructure:"livekit_inference_api_key"`
		LiveKitInferSecret string `mapstructure:"livekit_inference_api_secret"`
	} `mapstructure:"providers"`

	HTTP struct {
		ListenAddr  string `mapstructure:"listen_addr"`
		MetricsAddr string `mapstructure:"metrics_addr"`
	} `mapstructure:"http"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// Load reads the settings file (SETTINGS_FILE, optional) and merges
// environment overrides on top of defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("SETTINGS_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings file: %w", err)
		}
	}

	applyEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if cfg.Auth.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret is required (DJANGO_SECRET_KEY)")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "qa")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("mongo.database", "unpod")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conns", 2)
	v.SetDefault("kafka.broker", "localhost:9092")
	v.SetDefault("kafka.normal_topic", "voice-tasks-normal")
	v.SetDefault("kafka.bulk_topic", "voice-tasks-bulk")
	v.SetDefault("kafka.group_id", "voicecore")
	v.SetDefault("auth.anonymous_domain", "unpod.tv")
	v.SetDefault("workers.max_total", 10)
	v.SetDefault("workers.normal_share", 0.7)
	v.SetDefault("workers.bulk_share", 0.4)
	v.SetDefault("workers.reconciler_period", time.Minute)
	v.SetDefault("workers.stuck_task_window", 15*time.Minute)
	v.SetDefault("workers.requeue_delay", 5*time.Second)
	v.SetDefault("workers.latency_sample_size", 500)
	v.SetDefault("workers.providers", []string{"livekit", "plivo"})
	v.SetDefault("knowledge.min_score", 0.35)
	v.SetDefault("knowledge.min_remote_score", 0.5)
	v.SetDefault("knowledge.filter_threshold", 3)
	v.SetDefault("knowledge.prewarm_limit", 50)
	v.SetDefault("voice.stt_silence_timeout", 5*time.Second)
	v.SetDefault("voice.llm_timeout", 30*time.Second)
	v.SetDefault("voice.tts_chunk_timeout", 10*time.Second)
	v.SetDefault("voice.max_call_duration", 15*time.Minute)
	v.SetDefault("voice.cost_markup", 1.05)
	v.SetDefault("postcall.max_followups", 4)
	v.SetDefault("postcall.lock_ttl", 100*time.Second)
	v.SetDefault("postcall.webhook_retries", 3)
	v.SetDefault("postcall.followup_delay", 24*time.Hour)
	v.SetDefault("postcall.analysis_model", "openai:gpt-4o-mini")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.metrics_addr", ":9090")
	v.SetDefault("logging.level", "info")
}

// applyEnvOverrides maps the flat deployment environment onto config keys.
func applyEnvOverrides(v *viper.Viper) {
	set := func(key, env string) {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
	set("env", "ENV")
	set("redis_url", "REDIS_URL")
	set("mongo.dsn", "MONGO_DSN")
	set("mongo.database", "MONGO_DB")
	set("kafka.broker", "KAFKA_BROKER")
	set("auth.signing_secret", "DJANGO_SECRET_KEY")
	set("workers.max_total", "AGENT_OUTBOUND_MAX_WORKERS")
	set("knowledge.search_service_url", "SEARCH_SERVICE_URL")
	set("postcall.webhook_url", "POST_CALL_WEBHOOK_URL")
	set("knowledge.min_score", "KB_MIN_SCORE")
	set("knowledge.min_remote_score", "KB_MIN_REMOTE_SCORE")
	set("knowledge.filter_threshold", "FILTER_THRESHOLD")
	set("providers.infra_mode", "AGENT_INFRA_MODE")
	set("providers.livekit_url", "LIVEKIT_URL")
	set("providers.livekit_inference_api_key", "LIVEKIT_INFERENCE_API_KEY")
	set("providers.livekit_inference_api_secret", "LIVEKIT_INFERENCE_API_SECRET")
	set("providers.openai_api_key", "OPENAI_API_KEY")
	set("providers.anthropic_api_key", "ANTHROPIC_API_KEY")
	set("providers.google_api_key", "GOOGLE_API_KEY")
	set("providers.groq_api_key", "GROQ_API_KEY")
	set("providers.deepgram_api_key", "DEEPGRAM_API_KEY")
	set("providers.cartesia_api_key", "CARTESIA_API_KEY")

	// POSTGRES_CONFIG is host:port:user:password:database
	if pc := os.Getenv("POSTGRES_CONFIG"); pc != "" {
		parts := strings.Split(pc, ":")
		if len(parts) == 5 {
			v.Set("postgres.host", parts[0])
			v.Set("postgres.port", parts[1])
			v.Set("postgres.user", parts[2])
			v.Set("postgres.password", parts[3])
			v.Set("postgres.database", parts[4])
		}
	}
}
