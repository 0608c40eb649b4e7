package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	DynamoDB  DynamoDBConfig
	Redis     RedisConfig
	Mongo     MongoConfig
	JWT       JWTConfig
	OTP       OTPConfig
	Delivery  DeliveryConfig
	Telemetry TelemetryConfig
	LogLevel  string
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// StoreConfig selects the challenge store backend.
type StoreConfig struct {
	Backend       string
	SweepInterval time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type JWTConfig struct {
	SecretKey    string
	AccessExpiry time.Duration
}

type OTPConfig struct {
	TTL                       time.Duration
	EmailValidation           string
	CodeProtection            string
	RollbackOnDeliveryFailure bool
}

type DeliveryConfig struct {
	Transport string
	From      string
	Subject   string
	SiteName  string
	SMTP      SMTPConfig
	Resend    ResendConfig
	NATS      NATSConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type ResendConfig struct {
	APIKey   string
	Endpoint string
}

type NATSConfig struct {
	URL     string
	Subject string
}

type TelemetryConfig struct {
	Enabled          bool
	ServiceName      string
	Environment      string
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
	StoreMongo    = "mongo"

	EmailValidationBasic  = "basic"
	EmailValidationStrict = "strict"

	CodeProtectionPlain  = "plain"
	CodeProtectionBcrypt = "bcrypt"

	TransportLog    = "log"
	TransportSMTP   = "smtp"
	TransportResend = "resend"
	TransportNATS   = "nats"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "5000")
	v.SetDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("STORE_SWEEP_INTERVAL", time.Minute)

	v.SetDefault("DYNAMODB_ENDPOINT", "")
	v.SetDefault("DYNAMODB_REGION", "us-east-1")
	v.SetDefault("DYNAMODB_TABLE_NAME", "MailOTPTable")

	v.SetDefault("REDIS_ENDPOINT", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "auth")
	v.SetDefault("MONGO_COLLECTION", "otp_challenges")

	v.SetDefault("JWT_SECRET_KEY", "")
	v.SetDefault("JWT_ACCESS_EXPIRY", 15*time.Minute)

	v.SetDefault("OTP_TTL", 30*time.Second)
	v.SetDefault("OTP_EMAIL_VALIDATION", EmailValidationBasic)
	v.SetDefault("OTP_CODE_PROTECTION", CodeProtectionPlain)
	v.SetDefault("OTP_ROLLBACK_ON_DELIVERY_FAILURE", true)

	v.SetDefault("DELIVERY_TRANSPORT", TransportLog)
	v.SetDefault("DELIVERY_FROM", "Acme <onboarding@resend.dev>")
	v.SetDefault("DELIVERY_SUBJECT", "Your OTP Code")
	v.SetDefault("DELIVERY_SITE_NAME", "mailotp")
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("RESEND_API_KEY", "")
	v.SetDefault("RESEND_ENDPOINT", "https://api.resend.com/emails")
	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("NATS_SUBJECT", "mailotp.delivery.email")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "mailotp")
	v.SetDefault("OTEL_ENVIRONMENT", "development")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_TRACE_SAMPLE_RATIO", 1.0)
}

// Load reads configuration from the environment. If CONFIG_FILE is set, that
// file supplies values the environment does not override.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("PORT"),
			ReadTimeout:     v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("SERVER_WRITE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
			AllowedOrigins:  splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(v.GetString("STORE_BACKEND")),
			SweepInterval: v.GetDuration("STORE_SWEEP_INTERVAL"),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  v.GetString("DYNAMODB_ENDPOINT"),
			Region:    v.GetString("DYNAMODB_REGION"),
			TableName: v.GetString("DYNAMODB_TABLE_NAME"),
		},
		Redis: RedisConfig{
			Endpoint: v.GetString("REDIS_ENDPOINT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Mongo: MongoConfig{
			URI:        v.GetString("MONGO_URI"),
			Database:   v.GetString("MONGO_DATABASE"),
			Collection: v.GetString("MONGO_COLLECTION"),
		},
		JWT: JWTConfig{
			SecretKey:    v.GetString("JWT_SECRET_KEY"),
			AccessExpiry: v.GetDuration("JWT_ACCESS_EXPIRY"),
		},
		OTP: OTPConfig{
			TTL:                       v.GetDuration("OTP_TTL"),
			EmailValidation:           strings.ToLower(v.GetString("OTP_EMAIL_VALIDATION")),
			CodeProtection:            strings.ToLower(v.GetString("OTP_CODE_PROTECTION")),
			RollbackOnDeliveryFailure: v.GetBool("OTP_ROLLBACK_ON_DELIVERY_FAILURE"),
		},
		Delivery: DeliveryConfig{
			Transport: strings.ToLower(v.GetString("DELIVERY_TRANSPORT")),
			From:      v.GetString("DELIVERY_FROM"),
			Subject:   v.GetString("DELIVERY_SUBJECT"),
			SiteName:  v.GetString("DELIVERY_SITE_NAME"),
			SMTP: SMTPConfig{
				Host:     v.GetString("SMTP_HOST"),
				Port:     v.GetInt("SMTP_PORT"),
				Username: v.GetString("SMTP_USERNAME"),
				Password: v.GetString("SMTP_PASSWORD"),
			},
			Resend: ResendConfig{
				APIKey:   v.GetString("RESEND_API_KEY"),
				Endpoint: v.GetString("RESEND_ENDPOINT"),
			},
			NATS: NATSConfig{
				URL:     v.GetString("NATS_URL"),
				Subject: v.GetString("NATS_SUBJECT"),
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:          v.GetBool("OTEL_ENABLED"),
			ServiceName:      v.GetString("OTEL_SERVICE_NAME"),
			Environment:      v.GetString("OTEL_ENVIRONMENT"),
			OTLPEndpoint:     v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure:     v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			TraceSampleRatio: v.GetFloat64("OTEL_TRACE_SAMPLE_RATIO"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required (generate one with 'mailotp keygen')")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}
	if c.OTP.TTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive, got %s", c.OTP.TTL)
	}
	if err := oneOf("STORE_BACKEND", c.Store.Backend, StoreMemory, StoreRedis, StoreDynamoDB, StoreMongo); err != nil {
		return err
	}
	if err := oneOf("OTP_EMAIL_VALIDATION", c.OTP.EmailValidation, EmailValidationBasic, EmailValidationStrict); err != nil {
		return err
	}
	if err := oneOf("OTP_CODE_PROTECTION", c.OTP.CodeProtection, CodeProtectionPlain, CodeProtectionBcrypt); err != nil {
		return err
	}
	if err := oneOf("DELIVERY_TRANSPORT", c.Delivery.Transport, TransportLog, TransportSMTP, TransportResend, TransportNATS); err != nil {
		return err
	}
	if c.Delivery.Transport == TransportResend && c.Delivery.Resend.APIKey == "" {
		return fmt.Errorf("RESEND_API_KEY is required for the resend transport")
	}
	if c.Delivery.Transport == TransportSMTP && c.Delivery.SMTP.Host == "" {
		return fmt.Errorf("SMTP_HOST is required for the smtp transport")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %v, got %q", key, allowed, value)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
