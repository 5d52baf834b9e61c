package jamfbridge

import (
	"errors"
	"testing"
	"time"

	"github.com/leben-philippka/jamfbridge/client"
)

func validConfig() Config {
	return Config{
		BaseURL:  "https://jamf.example.com",
		Username: "svc-account",
		Password: "hunter2",
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid basic", mutate: func(c *Config) {}},
		{name: "valid oauth", mutate: func(c *Config) {
			c.Username = ""
			c.Password = ""
			c.ClientID = "id"
			c.ClientSecret = "secret"
		}},
		{name: "missing base URL", mutate: func(c *Config) { c.BaseURL = "" }, wantErr: true},
		{name: "bad scheme", mutate: func(c *Config) { c.BaseURL = "ftp://jamf.example.com" }, wantErr: true},
		{name: "no credentials", mutate: func(c *Config) {
			c.Username = ""
			c.Password = ""
		}, wantErr: true},
		{name: "password without username", mutate: func(c *Config) { c.Username = "" }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation failure")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation failure: %v", err)
			}
		})
	}
}

func TestNewClientAppliesConfig(t *testing.T) {
	cfg := validConfig()
	cfg.ReadOnly = true
	cfg.HTTPTimeout = 7 * time.Second
	cfg.VerifyAttempts = 9

	c, err := cfg.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if !c.ReadOnly() {
		t.Fatalf("read-only flag must carry through to the client")
	}
	if got := c.BreakerState(); got != client.CircuitClosed {
		t.Fatalf("fresh client breaker should be closed, got %v", got)
	}
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.BaseURL = ""
	if _, err := cfg.NewClient(); err == nil {
		t.Fatalf("expected error for invalid config")
	}
	cfg = validConfig()
	cfg.Username = ""
	cfg.Password = ""
	_, err := cfg.NewClient()
	if err == nil {
		t.Fatalf("expected error without credentials")
	}
	var authErr *client.AuthError
	if errors.As(err, &authErr) {
		t.Fatalf("config validation should reject before client construction, got %T", err)
	}
}
