package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	CORSAllowedOrigin string `mapstructure:"CORS_ALLOWED_ORIGIN" validate:"required"`

	// Kubeconfig is a path to a kubeconfig file. Empty means in-cluster config.
	Kubeconfig string `mapstructure:"KUBECONFIG"`

	// RegistryURL is the container registry build jobs push to (host[/prefix]).
	RegistryURL  string `mapstructure:"REGISTRY_URL" validate:"required"`
	BuilderImage string `mapstructure:"BUILDER_IMAGE" validate:"required"`
	CloneImage   string `mapstructure:"CLONE_IMAGE" validate:"required"`

	// IngressDomain is the base domain services are exposed under (<name>.<domain>).
	IngressDomain string `mapstructure:"INGRESS_DOMAIN" validate:"required"`

	BuildPollInterval time.Duration `mapstructure:"BUILD_POLL_INTERVAL" validate:"required"`
	BuildTimeout      time.Duration `mapstructure:"BUILD_TIMEOUT" validate:"required"`

	OpenAIAPIKey string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel  string `mapstructure:"OPENAI_MODEL"`

	GitHubToken string `mapstructure:"GITHUB_TOKEN"`

	// CredentialsKey is a hex-encoded 32-byte key for secret encryption at rest.
	CredentialsKey string `mapstructure:"CREDENTIALS_KEY"`

	// ReconcileSchedule is a cron expression for the periodic drift sweep.
	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE" validate:"required"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("CORS_ALLOWED_ORIGIN", "*")
	v.SetDefault("REGISTRY_URL", "registry.launchbay.internal")
	v.SetDefault("BUILDER_IMAGE", "gcr.io/kaniko-project/executor:v1.21.0")
	v.SetDefault("CLONE_IMAGE", "alpine/git:2.43.0")
	v.SetDefault("INGRESS_DOMAIN", "apps.launchbay.dev")
	v.SetDefault("BUILD_POLL_INTERVAL", "5s")
	v.SetDefault("BUILD_TIMEOUT", "30m")
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("RECONCILE_SCHEDULE", "@every 10m")
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"ASYNQ_CONCURRENCY",
		"JWT_SECRET",
		"CORS_ALLOWED_ORIGIN",
		"KUBECONFIG",
		"REGISTRY_URL",
		"BUILDER_IMAGE",
		"CLONE_IMAGE",
		"INGRESS_DOMAIN",
		"BUILD_POLL_INTERVAL",
		"BUILD_TIMEOUT",
		"OPENAI_API_KEY",
		"OPENAI_MODEL",
		"GITHUB_TOKEN",
		"CREDENTIALS_KEY",
		"RECONCILE_SCHEDULE",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":    &c.ShutdownTimeout,
		"BUILD_POLL_INTERVAL": &c.BuildPollInterval,
		"BUILD_TIMEOUT":       &c.BuildTimeout,
	}
	for key, dst := range durations {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
