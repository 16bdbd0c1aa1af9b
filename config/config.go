package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort string
	AppMode string
	LogMode string

	// Transport selects the realtime broadcast backend: "redis" or "memory".
	Transport string
	// Store selects the durable store: "postgres" or "memory".
	Store string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	Realtime     RealtimeConfig
	Chat         ChatConfig
	Call         CallConfig
	Presence     PresenceConfig
	Notification NotificationConfig
	MediaToken   MediaTokenConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
}

type RealtimeConfig struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int
	PublishAttempts int
}

type ChatConfig struct {
	// PollInterval is how often the inbox is re-read while its live
	// subscription is degraded.
	PollInterval time.Duration
}

type CallConfig struct {
	NoAnswerTimeout   time.Duration
	ConnectTimeout    time.Duration
	InvitationTTL     time.Duration
	SweepInterval     time.Duration
	// ActiveTTL bounds how long an accepted invitation outlives a crashed client.
	ActiveTTL         time.Duration
	AllowVideoDevices bool
	PollInterval      time.Duration
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration
	MemberTTL         time.Duration
}

type NotificationConfig struct {
	PageSize        int
	PollInterval    time.Duration
	ProfileCacheTTL time.Duration
}

type OutboxConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

type RateLimitConfig struct {
	MessagesPerMinute int
	CallsPerMinute    int
}

type MediaTokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:       getEnv("APP_PORT", "8080"),
		AppMode:       getEnv("APP_MODE", "debug"),
		LogMode:       getEnv("LOG_MODE", "development"),
		Transport:     getEnv("APP_TRANSPORT", "redis"),
		Store:         getEnv("APP_STORE", "postgres"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "amora"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		Realtime: RealtimeConfig{
			InitialBackoff:  getEnvAsDuration("REALTIME_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:      getEnvAsDuration("REALTIME_MAX_BACKOFF", 10*time.Second),
			MaxAttempts:     getEnvAsInt("REALTIME_MAX_ATTEMPTS", 5),
			PublishAttempts: getEnvAsInt("REALTIME_PUBLISH_ATTEMPTS", 3),
		},
		Chat: ChatConfig{
			PollInterval: getEnvAsDuration("CHAT_POLL_INTERVAL", 15*time.Second),
		},
		Call: CallConfig{
			NoAnswerTimeout:   getEnvAsDuration("CALL_NO_ANSWER_TIMEOUT", 60*time.Second),
			ConnectTimeout:    getEnvAsDuration("CALL_CONNECT_TIMEOUT", 30*time.Second),
			InvitationTTL:     getEnvAsDuration("CALL_INVITATION_TTL", 90*time.Second),
			SweepInterval:     getEnvAsDuration("CALL_SWEEP_INTERVAL", 30*time.Second),
			ActiveTTL:         getEnvAsDuration("CALL_ACTIVE_TTL", 4*time.Hour),
			AllowVideoDevices: getEnvAsBool("CALL_ALLOW_VIDEO", true),
			PollInterval:      getEnvAsDuration("CALL_POLL_INTERVAL", 10*time.Second),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: getEnvAsDuration("PRESENCE_HEARTBEAT", 15*time.Second),
			MemberTTL:         getEnvAsDuration("PRESENCE_MEMBER_TTL", 45*time.Second),
		},
		Notification: NotificationConfig{
			PageSize:        getEnvAsInt("NOTIFICATION_PAGE_SIZE", 20),
			PollInterval:    getEnvAsDuration("NOTIFICATION_POLL_INTERVAL", 30*time.Second),
			ProfileCacheTTL: getEnvAsDuration("PROFILE_CACHE_TTL", 5*time.Minute),
		},
		MediaToken: MediaTokenConfig{
			Secret: getEnv("MEDIA_TOKEN_SECRET", "change-me"),
			Issuer: getEnv("MEDIA_TOKEN_ISSUER", "amora"),
			TTL:    getEnvAsDuration("MEDIA_TOKEN_TTL", 10*time.Minute),
		},
		Outbox: OutboxConfig{
			Interval:   getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
			BatchSize:  getEnvAsInt("OUTBOX_BATCH_SIZE", 100),
			MaxRetries: getEnvAsInt("OUTBOX_MAX_RETRIES", 5),
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: getEnvAsInt("RATE_LIMIT_MESSAGES", 60),
			CallsPerMinute:    getEnvAsInt("RATE_LIMIT_CALLS", 10),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
