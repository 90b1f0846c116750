package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultJWTExpiresIn    = "24h"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "chatbridge"
	DefaultPGSSLMode       = "disable"
	DefaultSQLitePath      = "data/chatbridge.db"
	DefaultBackendTimeout  = 10 * time.Second
	DefaultCredentialSkew  = 30 * time.Second
	DefaultGraphBaseURL    = "https://graph.facebook.com"
	DefaultFacebookVersion = "v2.6"
	DefaultWhatsAppVersion = "v15.0"
	DefaultEventSource     = "aws:sns"
	DefaultEchoVisibility  = "CUSTOMER"
	DefaultRedactLanguage  = "en"
	DefaultMetricsNS       = "chatbridge"
)

// Event sink transports.
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	AWS       AWSConfig       `toml:"aws"`
	Secrets   SecretsConfig   `toml:"secrets"`
	Backend   BackendConfig   `toml:"backend"`
	Channels  ChannelsConfig  `toml:"channels"`
	Redaction RedactionConfig `toml:"redaction"`
	Router    RouterConfig    `toml:"router"`
	EventSink EventSinkConfig `toml:"eventsink"`
	Retention RetentionConfig `toml:"retention"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// StoreConfig selects the session store driver.
type StoreConfig struct {
	Driver string `toml:"driver" validate:"oneof=postgres sqlite memory"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type AWSConfig struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// SecretsConfig selects where channel secret blobs are read from.
type SecretsConfig struct {
	Driver string `toml:"driver" validate:"oneof=aws env"`
}

// BackendConfig addresses the managed chat-contact backend.
type BackendConfig struct {
	InstanceARN       string            `toml:"instance_arn"`
	InstanceID        string            `toml:"instance_id"`
	ContactFlowID     string            `toml:"contact_flow_id"`
	Timeout           Duration          `toml:"timeout"`
	CredentialSkew    Duration          `toml:"credential_skew"`
	StreamingEndpoint string            `toml:"streaming_endpoint_arn"`
	ChannelEndpoints  map[string]string `toml:"channel_endpoints"`
}

type ChannelsConfig struct {
	SMS      SMSConfig      `toml:"sms"`
	Facebook GraphConfig    `toml:"facebook"`
	WhatsApp GraphConfig    `toml:"whatsapp"`
	Telegram TelegramConfig `toml:"telegram"`
}

type SMSConfig struct {
	Enabled           bool   `toml:"enabled"`
	ApplicationID     string `toml:"application_id" validate:"required_if=Enabled true"`
	OriginationNumber string `toml:"origination_number"`
}

// GraphConfig configures a channel delivered through the Meta Graph API.
type GraphConfig struct {
	Enabled    bool   `toml:"enabled"`
	SecretName string `toml:"secret_name"`
	BaseURL    string `toml:"graph_base_url" validate:"omitempty,url"`
	APIVersion string `toml:"api_version"`
}

type TelegramConfig struct {
	Enabled    bool   `toml:"enabled"`
	SecretName string `toml:"secret_name"`
	APIBaseURL string `toml:"api_base_url"`
}

// RedactionConfig gates PII scrubbing of inbound text.
type RedactionConfig struct {
	Mode        string   `toml:"mode" validate:"omitempty,oneof=off comprehend pattern"`
	EntityTypes []string `toml:"entity_types"`
	Language    string   `toml:"language"`
}

// RouterConfig tunes the outbound event filters.
type RouterConfig struct {
	ExpectedSource string `toml:"expected_source"`
	EchoVisibility string `toml:"echo_visibility"`
}

type EventSinkConfig struct {
	Transport string     `toml:"transport" validate:"oneof=http amqp"`
	TopicARNs []string   `toml:"topic_arns"`
	AMQP      AMQPConfig `toml:"amqp"`
}

type AMQPConfig struct {
	URL        string `toml:"url"`
	Exchange   string `toml:"exchange"`
	Queue      string `toml:"queue"`
	BindingKey string `toml:"binding_key"`
	Prefetch   int    `toml:"prefetch"`
}

// RetentionConfig drives the closed-session purge job. An empty schedule disables it.
type RetentionConfig struct {
	Schedule  string   `toml:"schedule"`
	ClosedTTL Duration `toml:"closed_ttl"`
}

type MetricsConfig struct {
	Namespace string `toml:"namespace"`
}

// Duration decodes TOML strings such as "10s" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// EndpointFor returns the streaming sink for a channel, falling back to the default endpoint.
func (c BackendConfig) EndpointFor(channel string) string {
	if arn := strings.TrimSpace(c.ChannelEndpoints[strings.ToLower(channel)]); arn != "" {
		return arn
	}
	return strings.TrimSpace(c.StreamingEndpoint)
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Store: StoreConfig{
			Driver: "postgres",
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		SQLite: SQLiteConfig{
			Path: DefaultSQLitePath,
		},
		Secrets: SecretsConfig{
			Driver: "aws",
		},
		Backend: BackendConfig{
			Timeout:        Duration{DefaultBackendTimeout},
			CredentialSkew: Duration{DefaultCredentialSkew},
		},
		Channels: ChannelsConfig{
			Facebook: GraphConfig{
				BaseURL:    DefaultGraphBaseURL,
				APIVersion: DefaultFacebookVersion,
			},
			WhatsApp: GraphConfig{
				BaseURL:    DefaultGraphBaseURL,
				APIVersion: DefaultWhatsAppVersion,
			},
		},
		Redaction: RedactionConfig{
			Mode:     "off",
			Language: DefaultRedactLanguage,
		},
		Router: RouterConfig{
			ExpectedSource: DefaultEventSource,
			EchoVisibility: DefaultEchoVisibility,
		},
		EventSink: EventSinkConfig{
			Transport: TransportHTTP,
			AMQP: AMQPConfig{
				Exchange:   "chatbridge.events",
				Queue:      "chatbridge.outbound",
				BindingKey: "connect.chat.#",
				Prefetch:   16,
			},
		},
		Retention: RetentionConfig{
			ClosedTTL: Duration{30 * 24 * time.Hour},
		},
		Metrics: MetricsConfig{
			Namespace: DefaultMetricsNS,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks enum fields and channel requirements.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range c.Backend.ChannelEndpoints {
		switch strings.ToLower(name) {
		case "sms", "facebook", "whatsapp", "telegram":
		default:
			return fmt.Errorf("invalid config: unknown channel %q in backend.channel_endpoints", name)
		}
	}
	if c.EventSink.Transport == TransportAMQP && strings.TrimSpace(c.EventSink.AMQP.URL) == "" {
		return fmt.Errorf("invalid config: eventsink.amqp.url is required for amqp transport")
	}
	if c.Retention.Schedule != "" && c.Retention.ClosedTTL.Duration <= 0 {
		return fmt.Errorf("invalid config: retention.closed_ttl must be positive")
	}
	return nil
}
