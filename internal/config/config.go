// Package config manages broker configuration using koanf/v2.
//
// Two sources are covered: broker settings (listen address, metrics
// port, TLS paths, log format) layered as defaults < environment <
// flags, and the JSON users file granting per-user channel allow-lists.
package config

import (
	"errors"
	"fmt"
	"strings"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Broker Settings
// -------------------------------------------------------------------------

// Settings holds the broker process configuration.
type Settings struct {
	Broker  BrokerSettings  `koanf:"broker"`
	Metrics MetricsSettings `koanf:"metrics"`
	TLS     TLSSettings     `koanf:"tls"`
	Log     LogSettings     `koanf:"log"`
}

// BrokerSettings holds the client-facing listener configuration.
type BrokerSettings struct {
	// Host is the listen host (e.g. "127.0.0.1").
	Host string `koanf:"host"`
	// Port is the listen port.
	Port int `koanf:"port"`
}

// MetricsSettings holds the Prometheus endpoint configuration.
type MetricsSettings struct {
	// Port is the HTTP listen port for /metrics.
	Port int `koanf:"port"`
}

// TLSSettings holds the optional TLS acceptor configuration. Both paths
// must be set for TLS to be enabled.
type TLSSettings struct {
	// Cert is the PEM certificate chain path (relative, no "..").
	Cert string `koanf:"cert"`
	// Key is the PEM private key path (relative, no "..").
	Key string `koanf:"key"`
}

// LogSettings holds the logging configuration.
type LogSettings struct {
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// Addr returns the broker listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Broker.Host, s.Broker.Port)
}

// MetricsAddr returns the metrics endpoint listen address.
func (s *Settings) MetricsAddr() string {
	return fmt.Sprintf(":%d", s.Metrics.Port)
}

// DefaultSettings returns the broker defaults: the historical hpfeeds
// port 10000 on loopback, metrics on 9431, text logs, no TLS.
func DefaultSettings() *Settings {
	return &Settings{
		Broker: BrokerSettings{
			Host: "127.0.0.1",
			Port: 10000,
		},
		Metrics: MetricsSettings{
			Port: 9431,
		},
		Log: LogSettings{
			Format: "text",
		},
	}
}

// envPrefix is the environment variable prefix for broker settings.
// Variables are named HPFEEDS_<section>_<key>, e.g. HPFEEDS_BROKER_PORT.
const envPrefix = "HPFEEDS_"

// LoadSettings returns DefaultSettings overlaid with environment
// variable overrides:
//
//	HPFEEDS_BROKER_HOST  -> broker.host
//	HPFEEDS_BROKER_PORT  -> broker.port
//	HPFEEDS_METRICS_PORT -> metrics.port
//	HPFEEDS_TLS_CERT     -> tls.cert
//	HPFEEDS_TLS_KEY      -> tls.key
//	HPFEEDS_LOG_FORMAT   -> log.format
//
// CLI flags are applied on top by the caller.
func LoadSettings() (*Settings, error) {
	k := koanf.New(".")

	defaults := DefaultSettings()
	defaultMap := map[string]any{
		"broker.host":  defaults.Broker.Host,
		"broker.port":  defaults.Broker.Port,
		"metrics.port": defaults.Metrics.Port,
		"tls.cert":     defaults.TLS.Cert,
		"tls.key":      defaults.TLS.Key,
		"log.format":   defaults.Log.Format,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	settings := &Settings{}
	if err := k.Unmarshal("", settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// envKeyMapper transforms HPFEEDS_BROKER_PORT -> broker.port.
// Strips the HPFEEDS_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// -------------------------------------------------------------------------
// Settings Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyHost indicates the broker listen host is empty.
	ErrEmptyHost = errors.New("broker.host must not be empty")

	// ErrInvalidPort indicates a port outside 1-65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrPartialTLS indicates only one of tls.cert and tls.key is set.
	ErrPartialTLS = errors.New("tls.cert and tls.key must be set together")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")
)

// ValidateSettings checks the settings for logical errors. Returns the
// first validation error encountered.
func ValidateSettings(s *Settings) error {
	if s.Broker.Host == "" {
		return ErrEmptyHost
	}
	if s.Broker.Port < 1 || s.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d: %w", s.Broker.Port, ErrInvalidPort)
	}
	if s.Metrics.Port < 1 || s.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d: %w", s.Metrics.Port, ErrInvalidPort)
	}
	if (s.TLS.Cert == "") != (s.TLS.Key == "") {
		return ErrPartialTLS
	}
	if s.Log.Format != "json" && s.Log.Format != "text" {
		return fmt.Errorf("log.format %q: %w", s.Log.Format, ErrInvalidLogFormat)
	}
	return nil
}

// -------------------------------------------------------------------------
// Users File
// -------------------------------------------------------------------------

// User is one entry of the JSON users file.
type User struct {
	// Ident is the user identity presented in Auth frames.
	Ident string `koanf:"ident"`

	// Secret is the shared secret hashed into the challenge proof.
	Secret string `koanf:"secret"`

	// PubChannels is the publish allow-list; may contain "*".
	PubChannels []string `koanf:"pub_channels"`

	// SubChannels is the subscribe allow-list; may contain "*".
	SubChannels []string `koanf:"sub_channels"`
}

// usersFile mirrors the users file layout: {"users":[{...}]}.
type usersFile struct {
	Users []User `koanf:"users"`
}

// Users-file validation errors.
var (
	// ErrEmptyIdent indicates a user entry without an ident.
	ErrEmptyIdent = errors.New("user ident must not be empty")

	// ErrIdentTooLong indicates an ident longer than the 255-byte
	// counted-string limit, which could never authenticate.
	ErrIdentTooLong = errors.New("user ident exceeds 255 bytes")

	// ErrDuplicateIdent indicates two user entries share an ident.
	ErrDuplicateIdent = errors.New("duplicate user ident")
)

// LoadUsers reads the JSON users file at path and validates each entry.
func LoadUsers(path string) ([]User, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
		return nil, fmt.Errorf("load users file %s: %w", path, err)
	}

	uf := &usersFile{}
	if err := k.Unmarshal("", uf); err != nil {
		return nil, fmt.Errorf("unmarshal users file %s: %w", path, err)
	}

	if err := validateUsers(uf.Users); err != nil {
		return nil, fmt.Errorf("validate users file %s: %w", path, err)
	}
	return uf.Users, nil
}

// validateUsers checks each user entry for correctness.
func validateUsers(users []User) error {
	seen := make(map[string]struct{}, len(users))

	for i, u := range users {
		if u.Ident == "" {
			return fmt.Errorf("users[%d]: %w", i, ErrEmptyIdent)
		}
		if len(u.Ident) > 255 {
			return fmt.Errorf("users[%d]: %w", i, ErrIdentTooLong)
		}
		if _, dup := seen[u.Ident]; dup {
			return fmt.Errorf("users[%d] ident %q: %w", i, u.Ident, ErrDuplicateIdent)
		}
		seen[u.Ident] = struct{}{}
	}
	return nil
}
