package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("addr = %q, want %q", cfg.Server.Addr, DefaultHTTPAddr)
	}
	if cfg.Backend.Timeout.Duration != DefaultBackendTimeout {
		t.Fatalf("timeout = %s", cfg.Backend.Timeout)
	}
	if cfg.Router.EchoVisibility != "CUSTOMER" || cfg.Router.ExpectedSource != "aws:sns" {
		t.Fatalf("unexpected router defaults: %+v", cfg.Router)
	}
	if cfg.Redaction.Mode != "off" {
		t.Fatalf("redaction should be off by default, got %q", cfg.Redaction.Mode)
	}
}

func TestLoad_DecodesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[store]
driver = "sqlite"

[backend]
instance_arn = "arn:aws:connect:us-east-1:123456789012:instance/abc"
contact_flow_id = "flow-1"
timeout = "3s"
streaming_endpoint_arn = "arn:aws:sns:us-east-1:123456789012:digital"

[backend.channel_endpoints]
sms = "arn:aws:sns:us-east-1:123456789012:sms"

[channels.sms]
enabled = true
application_id = "app-1"

[retention]
schedule = "@hourly"
closed_ttl = "72h"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Backend.Timeout.Duration != 3*time.Second {
		t.Fatalf("timeout = %s", cfg.Backend.Timeout)
	}
	if got := cfg.Backend.EndpointFor("SMS"); got != "arn:aws:sns:us-east-1:123456789012:sms" {
		t.Fatalf("sms endpoint = %q", got)
	}
	if got := cfg.Backend.EndpointFor("whatsapp"); got != "arn:aws:sns:us-east-1:123456789012:digital" {
		t.Fatalf("whatsapp endpoint = %q", got)
	}
	if cfg.Retention.ClosedTTL.Duration != 72*time.Hour {
		t.Fatalf("closed ttl = %s", cfg.Retention.ClosedTTL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown store", mutate: func(c *Config) { c.Store.Driver = "dynamo" }},
		{name: "unknown redaction mode", mutate: func(c *Config) { c.Redaction.Mode = "mask" }},
		{name: "sms without application", mutate: func(c *Config) { c.Channels.SMS.Enabled = true }},
		{name: "amqp without url", mutate: func(c *Config) { c.EventSink.Transport = "amqp" }},
		{name: "unknown endpoint channel", mutate: func(c *Config) {
			c.Backend.ChannelEndpoints = map[string]string{"line": "arn"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Backend.ChannelEndpoints = nil
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
