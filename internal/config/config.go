package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Voice    VoiceConfig
	Workflow WorkflowConfig
	Batch    BatchConfig
	Cache    CacheConfig
	Enrich   EnrichConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit. Accepts: disable, require, verify-ca,
	// verify-full.
	SSLMode string
}

// RedisConfig is optional: with no host configured the process runs
// without the cross-process concurrency cap.
type RedisConfig struct {
	Host string
	Port int
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
	// BootstrapSecret gates the token-issuance endpoint. When empty the
	// endpoint is disabled and tokens must be provisioned out-of-band.
	BootstrapSecret string
}

// VoiceConfig is the direct calling backend.
type VoiceConfig struct {
	BaseURL       string
	APIKey        string
	PhoneNumberID string
	AssistantID   string
	WebhookURL    string
	// WebhookSecret, when set, must match the X-Webhook-Secret header on
	// inbound webhook deliveries.
	WebhookSecret string
	PollInterval  time.Duration
	PollAttempts  int
}

// WorkflowConfig is the delegated orchestration engine. Disabled unless
// explicitly enabled; the router falls back to direct regardless when the
// health probe fails.
type WorkflowConfig struct {
	Enabled       bool
	BaseURL       string
	APIToken      string
	Namespace     string
	CallFlowID    string
	BatchFlowID   string
	OutputField   string
	PollInterval  time.Duration
	PollAttempts  int
	HealthTimeout time.Duration
}

type BatchConfig struct {
	MaxConcurrent int
	WindowDelay   time.Duration
}

type CacheConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type EnrichConfig struct {
	RetryInterval time.Duration
	MaxAttempts   int
	MinTranscript int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = optionalInt("REDIS_PORT", 6379)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optionalDuration("JWT_ACCESS_TTL", 0)
	c.Auth.BootstrapSecret = os.Getenv("AUTH_BOOTSTRAP_SECRET")

	c.Voice.BaseURL = strings.TrimSpace(os.Getenv("VOICE_BASE_URL"))
	c.Voice.APIKey = os.Getenv("VOICE_API_KEY")
	c.Voice.PhoneNumberID = strings.TrimSpace(os.Getenv("VOICE_PHONE_NUMBER_ID"))
	c.Voice.AssistantID = strings.TrimSpace(os.Getenv("VOICE_ASSISTANT_ID"))
	c.Voice.WebhookURL = strings.TrimSpace(os.Getenv("VOICE_WEBHOOK_URL"))
	c.Voice.WebhookSecret = os.Getenv("VOICE_WEBHOOK_SECRET")
	c.Voice.PollInterval = optionalDuration("VOICE_POLL_INTERVAL", 5*time.Second)
	c.Voice.PollAttempts = optionalInt("VOICE_POLL_ATTEMPTS", 60)

	c.Workflow.Enabled = optionalBool("WORKFLOW_ENABLED")
	c.Workflow.BaseURL = strings.TrimSpace(os.Getenv("WORKFLOW_BASE_URL"))
	c.Workflow.APIToken = os.Getenv("WORKFLOW_API_TOKEN")
	c.Workflow.Namespace = strings.TrimSpace(os.Getenv("WORKFLOW_NAMESPACE"))
	c.Workflow.CallFlowID = strings.TrimSpace(os.Getenv("WORKFLOW_CALL_FLOW_ID"))
	c.Workflow.BatchFlowID = strings.TrimSpace(os.Getenv("WORKFLOW_BATCH_FLOW_ID"))
	c.Workflow.OutputField = strings.TrimSpace(os.Getenv("WORKFLOW_OUTPUT_FIELD"))
	c.Workflow.PollInterval = optionalDuration("WORKFLOW_POLL_INTERVAL", 5*time.Second)
	c.Workflow.PollAttempts = optionalInt("WORKFLOW_POLL_ATTEMPTS", 72)
	c.Workflow.HealthTimeout = optionalDuration("WORKFLOW_HEALTH_TIMEOUT", 5*time.Second)

	c.Batch.MaxConcurrent = optionalInt("BATCH_MAX_CONCURRENT", 5)
	c.Batch.WindowDelay = optionalDuration("BATCH_WINDOW_DELAY", 500*time.Millisecond)

	c.Cache.TTL = optionalDuration("CACHE_TTL", 30*time.Minute)
	c.Cache.SweepInterval = optionalDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute)

	c.Enrich.RetryInterval = optionalDuration("ENRICH_RETRY_INTERVAL", 10*time.Second)
	c.Enrich.MaxAttempts = optionalInt("ENRICH_MAX_ATTEMPTS", 6)
	c.Enrich.MinTranscript = optionalInt("ENRICH_MIN_TRANSCRIPT", 50)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Enabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Voice.BaseURL == "" {
		errs = append(errs, errors.New("VOICE_BASE_URL is required"))
	}
	if c.Voice.APIKey == "" {
		errs = append(errs, errors.New("VOICE_API_KEY is required"))
	}
	if c.Voice.PhoneNumberID == "" {
		errs = append(errs, errors.New("VOICE_PHONE_NUMBER_ID is required"))
	}
	if c.Voice.PollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("VOICE_POLL_ATTEMPTS must be positive, got %d", c.Voice.PollAttempts))
	}

	if c.Workflow.Enabled {
		if c.Workflow.BaseURL == "" {
			errs = append(errs, errors.New("WORKFLOW_BASE_URL is required when WORKFLOW_ENABLED is set"))
		}
		if c.Workflow.Namespace == "" {
			errs = append(errs, errors.New("WORKFLOW_NAMESPACE is required when WORKFLOW_ENABLED is set"))
		}
		if c.Workflow.CallFlowID == "" {
			errs = append(errs, errors.New("WORKFLOW_CALL_FLOW_ID is required when WORKFLOW_ENABLED is set"))
		}
	}

	if c.Batch.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_CONCURRENT must be positive, got %d", c.Batch.MaxConcurrent))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.Enrich.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ENRICH_MAX_ATTEMPTS must be positive, got %d", c.Enrich.MaxAttempts))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optionalDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func optionalBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
