package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configurations
type Config struct {
	Port        string
	DatabaseURL string

	// SES transport
	AWSRegion       string
	AWSAccessKey    string
	AWSSecretKey    string
	EventsTopicARN  string
	EmailWebsiteURL string
	DefaultSender   string
	DailyMailLimit  int
	ReportTimezone  string
	PageSize        int
	PageRetries     int
	RetryDelay      time.Duration
	AbortResetDelay time.Duration
	JWTKey          string
	LogLevel        string
	LogFile         string

	// SMTP relay used for single test mails
	MailHub       string
	AuthUser      string
	AuthPass      string
	FromEmail     string
	SkipTLSVerify bool
}

// LoadConfig reads configuration from .env file
func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using environment variables directly.")
	}

	return &Config{
		Port:            stringOr("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AWSRegion:       stringOr("AWS_REGION", "us-east-1"),
		AWSAccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
		EventsTopicARN:  os.Getenv("SES_EVENTS_TOPIC_ARN"),
		EmailWebsiteURL: os.Getenv("EMAIL_WEBSITE_URL"),
		DefaultSender:   stringOr("DEFAULT_SENDER", "noreply@example.com"),
		DailyMailLimit:  intOr("DAILY_MAIL_LIMIT", 0),
		ReportTimezone:  stringOr("REPORT_TIMEZONE", "UTC"),
		PageSize:        intBetween("DISPATCH_PAGE_SIZE", 50, 1, 50),
		PageRetries:     intOr("DISPATCH_PAGE_RETRIES", 1),
		RetryDelay:      durationOr("DISPATCH_RETRY_DELAY", 2*time.Second),
		AbortResetDelay: durationOr("ABORT_RESET_DELAY", 500*time.Millisecond),
		JWTKey:          os.Getenv("JWT_KEY"),
		LogLevel:        stringOr("LOG_LEVEL", "info"),
		LogFile:         os.Getenv("LOG_FILE"),
		MailHub:         os.Getenv("MAILHUB"),
		AuthUser:        os.Getenv("AUTHUSER"),
		AuthPass:        os.Getenv("AUTHPASS"),
		FromEmail:       os.Getenv("FROM_EMAIL"),
		SkipTLSVerify:   os.Getenv("SKIP_TLS_VERIFY") == "YES",
	}, nil
}

func stringOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.Printf("%s=%q is invalid, defaulting to %d", key, raw, fallback)
		return fallback
	}
	return v
}

// intBetween is intOr limited to [lo, hi]; out-of-range values fall back.
func intBetween(key string, fallback, lo, hi int) int {
	v := intOr(key, fallback)
	if v < lo || v > hi {
		log.Printf("%s=%d is out of range [%d, %d], defaulting to %d", key, v, lo, hi, fallback)
		return fallback
	}
	return v
}

func durationOr(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		log.Printf("%s=%q is invalid, defaulting to %s", key, raw, fallback)
		return fallback
	}
	return v
}
