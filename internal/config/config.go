package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	UseMemoryStore bool
	ClinicTimezone string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// HTTP
	StaffJWTSecret      string
	VerifyRatePerSecond float64
	VerifyBurst         int

	// Token and queue
	TokenGracePeriod       time.Duration
	QueueMinutesPerPatient int
	QueueExpireInterval    time.Duration
	WaitCacheTTL           time.Duration

	// Meet links
	MeetLinkLeadTime      time.Duration
	MeetSweepInterval     time.Duration
	JitsiBaseURL          string
	GoogleCalendarID      string
	GoogleCredentialsFile string

	// Refund policy
	RefundFullWindow        time.Duration
	RefundPartialPercent    int
	RefundGatewayFeeBPS     int
	RefundCompensationPaise int64
	RefundMinimumPaise      int64

	// Razorpay
	RazorpayBaseURL   string
	RazorpayKeyID     string
	RazorpayKeySecret string

	// Email: "sendgrid", "ses" or "stub"
	EmailProvider       string
	EmailFromEmail      string
	EmailFromName       string
	SendGridAPIKey      string
	SESConfigSet        string
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "Asia/Kolkata"),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		StaffJWTSecret:      getEnv("STAFF_JWT_SECRET", ""),
		VerifyRatePerSecond: getEnvAsFloat("VERIFY_RATE_PER_SECOND", 2),
		VerifyBurst:         getEnvAsInt("VERIFY_BURST", 10),

		TokenGracePeriod:       getEnvAsDuration("TOKEN_GRACE_PERIOD", 30*time.Minute),
		QueueMinutesPerPatient: getEnvAsInt("QUEUE_MINUTES_PER_PATIENT", 15),
		QueueExpireInterval:    getEnvAsDuration("QUEUE_EXPIRE_INTERVAL", 5*time.Minute),
		WaitCacheTTL:           getEnvAsDuration("WAIT_CACHE_TTL", 10*time.Minute),

		MeetLinkLeadTime:      getEnvAsDuration("MEET_LINK_LEAD_TIME", 18*time.Minute),
		MeetSweepInterval:     getEnvAsDuration("MEET_SWEEP_INTERVAL", time.Hour),
		JitsiBaseURL:          getEnv("JITSI_BASE_URL", "https://meet.jit.si"),
		GoogleCalendarID:      getEnv("GOOGLE_CALENDAR_ID", "primary"),
		GoogleCredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),

		RefundFullWindow:        getEnvAsDuration("REFUND_FULL_WINDOW", 6*time.Hour),
		RefundPartialPercent:    getEnvAsInt("REFUND_PARTIAL_PERCENT", 50),
		RefundGatewayFeeBPS:     getEnvAsInt("REFUND_GATEWAY_FEE_BPS", 250),
		RefundCompensationPaise: getEnvAsInt64("REFUND_COMPENSATION_PAISE", 5000),
		RefundMinimumPaise:      getEnvAsInt64("REFUND_MINIMUM_PAISE", 100),

		RazorpayBaseURL:   getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com"),
		RazorpayKeyID:     getEnv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret: getEnv("RAZORPAY_KEY_SECRET", ""),

		EmailProvider:       strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		EmailFromEmail:      getEnv("EMAIL_FROM_EMAIL", ""),
		EmailFromName:       getEnv("EMAIL_FROM_NAME", "Clinic Queue"),
		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		SESConfigSet:        getEnv("SES_CONFIGURATION_SET", ""),
		AWSRegion:           getEnv("AWS_REGION", "ap-south-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// Location resolves ClinicTimezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("config: CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// RazorpayEnabled reports whether gateway refunds can be issued.
func (c *Config) RazorpayEnabled() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
