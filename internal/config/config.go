package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Feed backends for store change notifications.
const (
	FeedRedis = "redis"
	FeedNATS  = "nats"
)

// Config holds runtime configuration values for the gateway.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	CORSOrigins            string
	RedisURL               string
	NATSURL                string
	StorePrefix            string
	StoreFeed              string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	TypingIdle             time.Duration
	TypingStaleAfter       time.Duration
	NotificationAutoClose  time.Duration
	NotificationAutoRead   time.Duration
	ImageMaxMB             int
	VoiceMaxKB             int
	SessionBuffer          int
	StreamKeepalive        time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("LIVECHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Livechat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("store.prefix", "livechat")
	v.SetDefault("store.feed", FeedRedis)
	v.SetDefault("cloudinary.folder", "livechat/images")
	v.SetDefault("typing.idle", "1.5s")
	v.SetDefault("typing.stale_after", "10s")
	v.SetDefault("notification.auto_close", "5s")
	v.SetDefault("notification.auto_read", "1s")
	v.SetDefault("upload.image_max_mb", 10)
	v.SetDefault("upload.voice_max_kb", 5120)
	v.SetDefault("session.buffer", 64)
	v.SetDefault("stream.keepalive", "30s")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		CORSOrigins:            v.GetString("cors.origins"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		StorePrefix:            strings.TrimSpace(v.GetString("store.prefix")),
		StoreFeed:              strings.ToLower(strings.TrimSpace(v.GetString("store.feed"))),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		ImageMaxMB:             v.GetInt("upload.image_max_mb"),
		VoiceMaxKB:             v.GetInt("upload.voice_max_kb"),
		SessionBuffer:          v.GetInt("session.buffer"),
	}
	durations["typing.idle"] = &cfg.TypingIdle
	durations["typing.stale_after"] = &cfg.TypingStaleAfter
	durations["notification.auto_close"] = &cfg.NotificationAutoClose
	durations["notification.auto_read"] = &cfg.NotificationAutoRead
	durations["stream.keepalive"] = &cfg.StreamKeepalive

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed < 0 {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", key)
		}
		*target = parsed
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("redis url must be provided")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.StoreFeed {
	case FeedRedis:
	case FeedNATS:
		if cfg.NATSURL == "" {
			return Config{}, fmt.Errorf("nats url must be provided when store.feed is %q", FeedNATS)
		}
	default:
		return Config{}, fmt.Errorf("unknown store feed %q", cfg.StoreFeed)
	}

	if cfg.StorePrefix == "" {
		cfg.StorePrefix = "livechat"
	}
	if cfg.ImageMaxMB <= 0 {
		cfg.ImageMaxMB = 10
	}
	if cfg.VoiceMaxKB <= 0 {
		cfg.VoiceMaxKB = 5120
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 64
	}

	return cfg, nil
}
