package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	JWTSecret   string
	MongoURI    string
	DBName      string
	SkipAuth    bool
	Environment string
	AppId       string

	StorageDriver  string // "mongo" or "memory"
	SwaggerEnabled bool

	SchedulerEnabled     bool
	SchedulerTick        string // robfig/cron spec driving the polling tick
	SchedulerConcurrency int
	DefaultTimezone      string
	MaxChainDepth        int
	FunctionsFile        string // optional YAML of expression functions

	WebhookTimeout time.Duration
	WebhookSecret  string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	WhatsAppToken         string
	WhatsAppPhoneNumberID string
	WhatsAppAPIURL        string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	} else {
		log.Println("Loaded .env file successfully")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:      getEnv("DB_NAME", "go-crm-pipeline"),
		SkipAuth:    getEnv("SKIP_AUTH", "false") == "true",
		Environment: getEnv("ENVIRONMENT", "development"),
		AppId:       getEnv("APP_ID", "go-crm-pipeline"),

		StorageDriver:  getEnv("STORAGE_DRIVER", "mongo"),
		SwaggerEnabled: getEnv("SWAGGER_ENABLED", "true") == "true",

		SchedulerEnabled:     getEnv("SCHEDULER_ENABLED", "true") == "true",
		SchedulerTick:        getEnv("SCHEDULER_TICK", "@every 1m"),
		SchedulerConcurrency: getEnvInt("SCHEDULER_CONCURRENCY", 8),
		DefaultTimezone:      getEnv("DEFAULT_TIMEZONE", "UTC"),
		MaxChainDepth:        getEnvInt("MAX_CHAIN_DEPTH", 1),
		FunctionsFile:        getEnv("FUNCTIONS_FILE", ""),

		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),

		WhatsAppToken:         getEnv("WHATSAPP_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppAPIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"),
	}, nil
}

// IsProduction reports whether the service runs with production logging and defaults.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UseMemoryStorage reports whether repositories should be backed by process memory instead of Mongo.
func (c *Config) UseMemoryStorage() bool {
	return c.StorageDriver == "memory"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer for %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid duration for %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}
