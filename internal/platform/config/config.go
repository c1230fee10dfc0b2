package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Log        LogConfig        `koanf:"log"`
	WhatsApp   WhatsAppConfig   `koanf:"whatsapp"`
	Webhook    WebhookConfig    `koanf:"webhook"`
	Queue      QueueConfig      `koanf:"queue"`
	Channels   ChannelsConfig   `koanf:"channels"`
	Resolver   ResolverConfig   `koanf:"resolver"`
	Events     EventsConfig     `koanf:"events"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
}

type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"corsorigins"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MigrationsPath string `koanf:"migrationspath"`
	MaxConns       int    `koanf:"maxconns"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WhatsAppConfig holds Cloud API settings shared by every connection.
// Per-connection credentials live on the connection record. AppSecret signs
// deliveries for connections without their own secret, and VerifyToken is
// accepted at the handshake when no connection was provisioned with the
// presented token.
type WhatsAppConfig struct {
	APIBaseURL         string `koanf:"apibaseurl"`
	APIVersion         string `koanf:"apiversion"`
	TimeoutSeconds     int    `koanf:"timeoutseconds"`
	AppSecret          string `koanf:"appsecret"`
	VerifyToken        string `koanf:"verifytoken"`
	DefaultCountryCode string `koanf:"defaultcountrycode"`
	TemplateLanguage   string `koanf:"templatelanguage"`
}

type WebhookConfig struct {
	Workers            int     `koanf:"workers"`
	BufferSize         int     `koanf:"buffersize"`
	MaxBodyBytes       int64   `koanf:"maxbodybytes"`
	VerifyBeforeAck    bool    `koanf:"verifybeforeack"`
	MarkTimeoutSeconds int     `koanf:"marktimeoutseconds"`
	// RateLimitPerSecond bounds deliveries per client address; 0 disables.
	RateLimitPerSecond float64 `koanf:"ratelimitpersecond"`
	RateLimitBurst     int     `koanf:"ratelimitburst"`
	TrustForwardedFor  bool    `koanf:"trustforwardedfor"`
}

// ChannelsConfig controls connection storage. CredentialKey is a base64
// 32-byte key; when set, access tokens and app secrets are sealed at rest.
type ChannelsConfig struct {
	CredentialKey string `koanf:"credentialkey"`
}

type QueueConfig struct {
	MessagesPerSecond int                         `koanf:"messagespersecond"`
	BurstSize         int                         `koanf:"burstsize"`
	Concurrency       int                         `koanf:"concurrency"`
	MaxAttempts       int                         `koanf:"maxattempts"`
	BackoffMS         int                         `koanf:"backoffms"`
	MaxDelayMS        int                         `koanf:"maxdelayms"`
	KeepCompleted     int                         `koanf:"keepcompleted"`
	KeepFailed        int                         `koanf:"keepfailed"`
	Classes           map[string]RateLimitSetting `koanf:"classes"`
}

// RateLimitSetting overrides the queue-wide limits for one connection class.
type RateLimitSetting struct {
	MessagesPerSecond int `koanf:"messagespersecond"`
	BurstSize         int `koanf:"burstsize"`
	Concurrency       int `koanf:"concurrency"`
}

type ResolverConfig struct {
	CacheTTLSeconds int `koanf:"cachettlseconds"`
	CacheSize       int `koanf:"cachesize"`
}

type EventsConfig struct {
	AMQPURL    string `koanf:"amqpurl"`
	Exchange   string `koanf:"exchange"`
	BufferSize int    `koanf:"buffersize"`
}

type DeadLetterConfig struct {
	BufferSize      int `koanf:"buffersize"`
	BatchSize       int `koanf:"batchsize"`
	FlushIntervalMS int `koanf:"flushintervalms"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                 8080,
		"server.host":                 "0.0.0.0",
		"database.maxconns":           25,
		"database.migrationspath":     "migrations",
		"log.level":                   "info",
		"log.format":                  "json",
		"whatsapp.apibaseurl":         "https://graph.facebook.com",
		"whatsapp.apiversion":         "v21.0",
		"whatsapp.timeoutseconds":     30,
		"whatsapp.defaultcountrycode": "55",
		"whatsapp.templatelanguage":   "es",
		"webhook.workers":             8,
		"webhook.buffersize":          1024,
		"webhook.maxbodybytes":        1 << 20,
		"webhook.verifybeforeack":     false,
		"webhook.marktimeoutseconds":  10,
		"webhook.ratelimitpersecond":  20,
		"webhook.ratelimitburst":      40,
		"webhook.trustforwardedfor":   false,
		"queue.messagespersecond":     80,
		"queue.burstsize":             100,
		"queue.concurrency":           80,
		"queue.maxattempts":           3,
		"queue.backoffms":             2000,
		"queue.maxdelayms":            30000,
		"queue.keepcompleted":         100,
		"queue.keepfailed":            50,
		"resolver.cachettlseconds":    3600,
		"resolver.cachesize":          10000,
		"events.exchange":             "relay.events",
		"events.buffersize":           256,
		"deadletter.buffersize":       1024,
		"deadletter.batchsize":        50,
		"deadletter.flushintervalms":  500,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			continue
		}
	}

	// Environment variables override everything
	// RELAY_QUEUE_BURSTSIZE -> queue.burstsize
	_ = k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "RELAY_")),
			"_", ".",
		)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
