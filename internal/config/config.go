// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSdIAddress is the PEC address of the exchange system used when a
// company does not override it.
const DefaultSdIAddress = "sdi01@pec.fatturapa.it"

// MailboxConfig holds one company's PEC mailbox endpoints and credentials.
type MailboxConfig struct {
	IMAPHost string `yaml:"imap_host"`
	IMAPPort int    `yaml:"imap_port"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Optional OAuth2 client-credentials settings. When TokenURL is set
	// the mailbox authenticates with XOAUTH2 instead of a password.
	OAuthTokenURL     string `yaml:"oauth_token_url"`
	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
}

// CompanyConfig holds one configured company: its fiscal identity, its
// PEC mailbox and the SdI address it exchanges with.
type CompanyConfig struct {
	Alias       string        `yaml:"alias"`
	CountryCode string        `yaml:"country_code"`
	FiscalCode  string        `yaml:"fiscal_code"`
	VAT         string        `yaml:"vat"`
	PecAddress  string        `yaml:"pec_address"`
	SdIAddress  string        `yaml:"sdi_address"`
	Mailbox     MailboxConfig `yaml:"mailbox"`
}

// Config holds all configuration for the bridge service.
type Config struct {
	Companies []CompanyConfig

	// Mailbox polling
	PollInterval  time.Duration
	MaxErrorCount int

	// Invoice state transitions
	MonotonicStates bool

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL    string
	EventsQueue string

	// Server (health check and admin)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Companies []CompanyConfig `yaml:"companies"`
	Database  struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		PollInterval:    envOrDefaultDuration("POLL_INTERVAL", 60*time.Second),
		MaxErrorCount:   envOrDefaultInt("MAX_ERROR_COUNT", 3),
		MonotonicStates: envOrDefaultBool("MONOTONIC_STATES", false),
		DatabaseURL:     firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/pecbridge")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue:     firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "invoice-events")),
		Port:            envOrDefaultInt("PORT", 8080),
	}

	for _, c := range raw.Companies {
		// Skip companies with empty credentials (commented out in YAML)
		if c.PecAddress == "" || c.Mailbox.Username == "" {
			continue
		}
		if c.Mailbox.Password == "" && c.Mailbox.OAuthTokenURL == "" {
			continue
		}

		if c.Alias == "" {
			c.Alias = c.PecAddress
		}
		c.CountryCode = strings.ToUpper(strings.TrimSpace(c.CountryCode))
		if c.SdIAddress == "" {
			c.SdIAddress = DefaultSdIAddress
		}
		if c.Mailbox.IMAPPort == 0 {
			c.Mailbox.IMAPPort = 993
		}
		if c.Mailbox.SMTPPort == 0 {
			c.Mailbox.SMTPPort = 465
		}

		cfg.Companies = append(cfg.Companies, c)
	}

	if len(cfg.Companies) == 0 {
		return nil, fmt.Errorf("no companies configured — check config.yaml and environment variables")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
