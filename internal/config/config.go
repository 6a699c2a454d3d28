// Package config loads the server settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Listeners
	DeviceAddr        string
	DeviceIdleTimeout time.Duration
	HTTPAddr          string

	// Storage
	Store      string
	MongoURI   string
	MongoDB    string
	ArchiveDSN string

	// Archive writer tuning
	ArchiveQueueSize int
	ArchiveBatchSize int
	ArchiveFlush     time.Duration

	// Redis geocode cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	GeocodeTTL    time.Duration
	GoogleMapsKey string

	// Event bus
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTPrefix   string

	// Viewer auth
	JWTSecret      string
	JWTExpiration  time.Duration
	AllowedOrigins []string

	// Session
	GhostTimeout   time.Duration
	OffTimeout     time.Duration
	ParkLimit      int
	MailboxSize    int
	CorrelationTTL time.Duration
	SweepInterval  time.Duration

	// Trip segmentation
	TripMaxStop      int
	TripMinMove      int
	TripMinMileage   float64
	TripTickInterval time.Duration

	// Notifications
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SMSGatewayURL string
	SMSGatewayKey string
	SMSSender     string
	OutboxStore   string
	EmailRetry    time.Duration
}

// Load reads an optional .env file then the process environment.
func Load(files ...string) *Config {
	if err := godotenv.Load(files...); err != nil {
		log.Debug("No .env file found, using system environment variables")
	}

	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DeviceAddr:        getEnv("DEVICE_ADDR", ":5023"),
		DeviceIdleTimeout: getEnvDuration("DEVICE_IDLE_TIMEOUT", 5*time.Minute),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),

		Store:      getEnv("STORE", "mongo"),
		MongoURI:   getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:    getEnv("MONGO_DB", "trackhub"),
		ArchiveDSN: getEnv("ARCHIVE_DSN", ""),

		ArchiveQueueSize: getEnvInt("ARCHIVE_QUEUE_SIZE", 10000),
		ArchiveBatchSize: getEnvInt("ARCHIVE_BATCH_SIZE", 500),
		ArchiveFlush:     getEnvDuration("ARCHIVE_FLUSH_INTERVAL", time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		GeocodeTTL:    getEnvDuration("GEOCODE_CACHE_TTL", 7*24*time.Hour),
		GoogleMapsKey: getEnv("GOOGLE_MAPS_API_KEY", ""),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "trackhub"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTPrefix:   getEnv("MQTT_PREFIX", "trackhub"),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		JWTExpiration:  getEnvDuration("JWT_EXPIRATION", 24*time.Hour),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),

		GhostTimeout:   getEnvDuration("GHOST_TIMEOUT", 60*time.Second),
		OffTimeout:     getEnvDuration("OFF_TIMEOUT", 30*time.Second),
		ParkLimit:      getEnvInt("PARK_LIMIT", 32),
		MailboxSize:    getEnvInt("MAILBOX_SIZE", 64),
		CorrelationTTL: getEnvDuration("CORRELATION_TTL", 30*time.Second),
		SweepInterval:  getEnvDuration("CORRELATION_SWEEP_INTERVAL", 5*time.Second),

		TripMaxStop:      getEnvInt("TRIP_MAX_STOP", 300),
		TripMinMove:      getEnvInt("TRIP_MIN_MOVE_DURATION", 300),
		TripMinMileage:   getEnvFloat("TRIP_MIN_MOVE_MILEAGE", 500),
		TripTickInterval: getEnvDuration("TRIP_TICK_INTERVAL", time.Second),

		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnvInt("SMTP_PORT", 587),
		SMTPUsername:  getEnv("SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:      getEnv("SMTP_FROM", "alerts@trackhub.local"),
		SMSGatewayURL: getEnv("SMS_GATEWAY_URL", ""),
		SMSGatewayKey: getEnv("SMS_GATEWAY_KEY", ""),
		SMSSender:     getEnv("SMS_SENDER", "TRACKHUB"),
		OutboxStore:   getEnv("OUTBOX_STORE", "memory"),
		EmailRetry:    getEnvDuration("EMAIL_RETRY_INTERVAL", time.Minute),
	}
}

// ConfigureLogging applies the level and format to the standard logger.
func (c *Config) ConfigureLogging() {
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("level", c.LogLevel).Warn("unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithField("key", key).Warn("invalid integer, using default")
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.WithField("key", key).Warn("invalid number, using default")
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.WithField("key", key).Warn("invalid duration, using default")
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
