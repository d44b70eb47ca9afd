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
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Tasks     TasksConfig
	Lease     LeaseConfig
	Sweep     SweepConfig
	Telephony TelephonyConfig
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

	// SSLMode is kept explicit.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// TasksConfig configures the delayed-task queue boundary.
// SharedSecret authenticates push deliveries; handlers reject on mismatch
// and return 200 for every other outcome so the queue never retry-storms.
type TasksConfig struct {
	SharedSecret string

	// QueueKey is the redis key prefix for the delayed-task set.
	QueueKey string

	// TargetBaseURL is where the pump delivers due tasks (usually this
	// process's own listen address, or the LB in front of the fleet).
	TargetBaseURL string

	PollInterval time.Duration
	BatchLimit   int
}

// LeaseConfig holds the per-lease recovery windows.
type LeaseConfig struct {
	// SafetyWindow is how long after acquire the per-lease timeout task
	// fires and checks for a stale lease.
	SafetyWindow time.Duration

	// MaxCallDuration is how long after session start the call-duration
	// guard force-terminates a still-open session.
	MaxCallDuration time.Duration
}

// SweepConfig holds the periodic reconciliation cadences and thresholds.
// BusyThreshold must not undercut Lease.SafetyWindow: the sweep only acts
// once the per-lease window has already elapsed and should have auto-released.
type SweepConfig struct {
	ReconcilePeriod    time.Duration
	BusyThreshold      time.Duration
	ExtendedGrace      time.Duration
	InactivityPeriod   time.Duration
	RecencyWindow      time.Duration
	StalenessThreshold time.Duration

	// ReleaseBatchLimit caps writes per batch, kept below the store's hard
	// per-batch ceiling; sweeps roll over to a new batch past it.
	ReleaseBatchLimit int
}

type TelephonyConfig struct {
	BaseURL string
	APIKey  string

	// HangupRatePerSec throttles control-API calls during guard storms.
	HangupRatePerSec float64
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
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Tasks.SharedSecret = os.Getenv("TASKS_SHARED_SECRET")
	c.Tasks.QueueKey = strings.TrimSpace(os.Getenv("TASKS_QUEUE_KEY"))
	c.Tasks.TargetBaseURL = strings.TrimSpace(os.Getenv("TASKS_TARGET_BASE_URL"))
	c.Tasks.PollInterval = mustDuration("TASKS_POLL_INTERVAL")
	c.Tasks.BatchLimit = optionalInt("TASKS_BATCH_LIMIT")

	c.Lease.SafetyWindow = mustDuration("LEASE_SAFETY_WINDOW")
	c.Lease.MaxCallDuration = mustDuration("LEASE_MAX_CALL_DURATION")

	c.Sweep.ReconcilePeriod = mustDuration("SWEEP_RECONCILE_PERIOD")
	c.Sweep.BusyThreshold = mustDuration("SWEEP_BUSY_THRESHOLD")
	c.Sweep.ExtendedGrace = mustDuration("SWEEP_EXTENDED_GRACE")
	c.Sweep.InactivityPeriod = mustDuration("SWEEP_INACTIVITY_PERIOD")
	c.Sweep.RecencyWindow = mustDuration("SWEEP_RECENCY_WINDOW")
	c.Sweep.StalenessThreshold = mustDuration("SWEEP_STALENESS_THRESHOLD")
	c.Sweep.ReleaseBatchLimit = optionalInt("SWEEP_RELEASE_BATCH_LIMIT")

	c.Telephony.BaseURL = strings.TrimSpace(os.Getenv("TELEPHONY_BASE_URL"))
	c.Telephony.APIKey = os.Getenv("TELEPHONY_API_KEY")
	c.Telephony.HangupRatePerSec = optionalFloat("TELEPHONY_HANGUP_RATE")

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

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
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
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Tasks.SharedSecret == "" {
		errs = append(errs, errors.New("TASKS_SHARED_SECRET is required"))
	}
	if c.Tasks.QueueKey == "" {
		c.Tasks.QueueKey = "tasks:delayed"
	}
	if c.Tasks.TargetBaseURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("TASKS_TARGET_BASE_URL is required in production"))
	}
	if c.Tasks.PollInterval <= 0 {
		c.Tasks.PollInterval = 2 * time.Second
	}
	if c.Tasks.BatchLimit <= 0 {
		c.Tasks.BatchLimit = 100
	}

	if c.Lease.SafetyWindow <= 0 {
		c.Lease.SafetyWindow = 10 * time.Minute
	}
	if c.Lease.MaxCallDuration <= 0 {
		c.Lease.MaxCallDuration = 2 * time.Hour
	}
	if c.Lease.MaxCallDuration <= c.Lease.SafetyWindow {
		errs = append(errs, errors.New("LEASE_MAX_CALL_DURATION must be greater than LEASE_SAFETY_WINDOW"))
	}

	if c.Sweep.ReconcilePeriod <= 0 {
		c.Sweep.ReconcilePeriod = 15 * time.Minute
	}
	if c.Sweep.BusyThreshold <= 0 {
		c.Sweep.BusyThreshold = 15 * time.Minute
	}
	if c.Sweep.ExtendedGrace <= 0 {
		c.Sweep.ExtendedGrace = 30 * time.Minute
	}
	if c.Sweep.InactivityPeriod <= 0 {
		c.Sweep.InactivityPeriod = 15 * time.Minute
	}
	if c.Sweep.RecencyWindow <= 0 {
		c.Sweep.RecencyWindow = 15 * time.Minute
	}
	if c.Sweep.StalenessThreshold <= 0 {
		c.Sweep.StalenessThreshold = 180 * time.Minute
	}
	if c.Sweep.ReleaseBatchLimit <= 0 {
		c.Sweep.ReleaseBatchLimit = 400
	}
	if c.Sweep.BusyThreshold < c.Lease.SafetyWindow {
		errs = append(errs, errors.New("SWEEP_BUSY_THRESHOLD must not be shorter than LEASE_SAFETY_WINDOW"))
	}
	if c.Sweep.ExtendedGrace < c.Sweep.BusyThreshold {
		errs = append(errs, errors.New("SWEEP_EXTENDED_GRACE must not be shorter than SWEEP_BUSY_THRESHOLD"))
	}
	if c.Sweep.StalenessThreshold <= c.Sweep.RecencyWindow {
		errs = append(errs, errors.New("SWEEP_STALENESS_THRESHOLD must be greater than SWEEP_RECENCY_WINDOW"))
	}

	if c.IsProduction() {
		if c.Telephony.BaseURL == "" {
			errs = append(errs, errors.New("TELEPHONY_BASE_URL is required in production"))
		}
		if c.Telephony.APIKey == "" {
			errs = append(errs, errors.New("TELEPHONY_API_KEY is required in production"))
		}
	}
	if c.Telephony.HangupRatePerSec <= 0 {
		c.Telephony.HangupRatePerSec = 10
	}

	return joinErrors(errs)
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c *Config) PostgresDSN() string {
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

func (c *Config) RedisAddr() string {
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

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optionalFloat(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
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
