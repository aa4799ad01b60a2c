// Copyright 2023 The mqtt-gateway Authors
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

// Package config loads the gateway configuration from YAML or JSON files and
// the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
	"github.com/turtacn/mqtt-gateway/pkg/backend"
	tlsconfig "github.com/turtacn/mqtt-gateway/pkg/tls"
)

// Environment variables overriding file settings.
const (
	EnvBackendURL      = "MQTT_GATEWAY_BACKEND_URL"
	EnvBackendUsername = "MQTT_GATEWAY_BACKEND_USERNAME"
	EnvBackendPassword = "MQTT_GATEWAY_BACKEND_PASSWORD"
	EnvBind            = "MQTT_GATEWAY_BIND"
)

// ErrUnsupportedFormat is returned for files that are neither YAML nor JSON.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.set(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.set(s)
}

// GatewayConfig configures the device-facing side.
type GatewayConfig struct {
	Bind               string            `yaml:"bind" json:"bind"`
	TLS                *tlsconfig.Config `yaml:"tls,omitempty" json:"tls,omitempty"`
	ConnectTimeout     Duration          `yaml:"connect_timeout" json:"connect_timeout"`
	SendTimeout        Duration          `yaml:"send_timeout" json:"send_timeout"`
	CommandAckTimeout  Duration          `yaml:"command_ack_timeout" json:"command_ack_timeout"`
	NoSubscriberPolicy string            `yaml:"no_subscriber_policy" json:"no_subscriber_policy"`
	MaxPacketSize      int               `yaml:"max_packet_size" json:"max_packet_size"`
	OutboundQueueSize  int               `yaml:"outbound_queue_size,omitempty" json:"outbound_queue_size,omitempty"`
}

// BackendConfig configures the connection to the messaging backend.
type BackendConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Username       string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string   `yaml:"password,omitempty" json:"password,omitempty"`
	ClientIDPrefix string   `yaml:"client_id_prefix" json:"client_id_prefix"`
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// Options returns the backend.Config described by b.
func (b BackendConfig) Options() backend.Config {
	return backend.Config{
		URL:            b.URL,
		Username:       b.Username,
		Password:       b.Password,
		ClientIDPrefix: b.ClientIDPrefix,
		ConnectTimeout: b.ConnectTimeout.Std(),
	}
}

// DeviceConfig is a device credential. Either Password, hashed on load with
// Algorithm, or an already hashed PasswordHash is given.
type DeviceConfig struct {
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	AuthID       string `yaml:"auth_id" json:"auth_id"`
	DeviceID     string `yaml:"device_id,omitempty" json:"device_id,omitempty"`
	Password     string `yaml:"password,omitempty" json:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty" json:"password_hash,omitempty"`
	Salt         string `yaml:"salt,omitempty" json:"salt,omitempty"`
	Algorithm    string `yaml:"algorithm" json:"algorithm"`
	Disabled     bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// TrustAnchorConfig names a PEM file of CA certificates trusted for a tenant.
type TrustAnchorConfig struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	File     string `yaml:"file" json:"file"`
}

// CertificateDeviceConfig maps a certificate identity to a device.
type CertificateDeviceConfig struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	Identity string `yaml:"identity" json:"identity"`
	DeviceID string `yaml:"device_id" json:"device_id"`
}

// CertificateConfig configures client certificate authentication.
type CertificateConfig struct {
	IdentitySource  string                    `yaml:"identity_source" json:"identity_source"`
	IdentityField   string                    `yaml:"identity_field,omitempty" json:"identity_field,omitempty"`
	IdentityPattern string                    `yaml:"identity_pattern,omitempty" json:"identity_pattern,omitempty"`
	RevokedSerials  []string                  `yaml:"revoked_serials,omitempty" json:"revoked_serials,omitempty"`
	TrustAnchors    []TrustAnchorConfig       `yaml:"trust_anchors" json:"trust_anchors"`
	Devices         []CertificateDeviceConfig `yaml:"devices" json:"devices"`
}

// SQLConfig configures the database backed credential store.
type SQLConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
	QueryTimeout    Duration `yaml:"query_timeout,omitempty" json:"query_timeout,omitempty"`
	EnsureSchema    bool     `yaml:"ensure_schema,omitempty" json:"ensure_schema,omitempty"`
}

// KubernetesConfig configures gateway credentials read from Secrets.
type KubernetesConfig struct {
	Namespace    string `yaml:"namespace" json:"namespace"`
	SecretPrefix string `yaml:"secret_prefix" json:"secret_prefix"`
}

// CredentialsConfig is a static username and password.
type CredentialsConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// AuthConfig configures device authentication and per-tenant gateway
// credentials.
type AuthConfig struct {
	DefaultTenant      string                       `yaml:"default_tenant,omitempty" json:"default_tenant,omitempty"`
	Devices            []DeviceConfig               `yaml:"devices" json:"devices"`
	Certificates       *CertificateConfig           `yaml:"certificates,omitempty" json:"certificates,omitempty"`
	SQL                *SQLConfig                   `yaml:"sql,omitempty" json:"sql,omitempty"`
	Kubernetes         *KubernetesConfig            `yaml:"kubernetes,omitempty" json:"kubernetes,omitempty"`
	GatewayCredentials map[string]CredentialsConfig `yaml:"gateway_credentials,omitempty" json:"gateway_credentials,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. An empty bind disables it.
type MetricsConfig struct {
	Bind string `yaml:"bind" json:"bind"`
}

// HealthConfig configures the gRPC health endpoint. An empty bind disables it.
type HealthConfig struct {
	Bind string `yaml:"bind" json:"bind"`
}

// Config holds the complete configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Auth    AuthConfig    `yaml:"auth" json:"auth"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  HealthConfig  `yaml:"health" json:"health"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Bind:               ":1883",
			ConnectTimeout:     Duration(10 * time.Second),
			SendTimeout:        Duration(10 * time.Second),
			CommandAckTimeout:  Duration(30 * time.Second),
			NoSubscriberPolicy: "reject",
			MaxPacketSize:      256 * 1024,
		},
		Backend: BackendConfig{
			URL:            "tcp://localhost:1884",
			ClientIDPrefix: "mqtt-gateway",
			ConnectTimeout: Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{Bind: ":8082"},
		Health:  HealthConfig{Bind: ":8081"},
	}
}

// ExampleConfig returns the default configuration with a sample device, as
// written by generate-config.
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.DefaultTenant = "DEFAULT_TENANT"
	cfg.Auth.Devices = []DeviceConfig{
		{TenantID: "DEFAULT_TENANT", AuthID: "sensor1", DeviceID: "4711", Password: "hono-secret", Algorithm: string(auth.HashBcrypt)},
	}
	return cfg
}

// LoadConfig loads configuration from a file, applies environment overrides
// and validates the result. An empty path yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := Parse(data, filepath.Ext(configPath), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	applyEnv(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if configPath != "" {
		log.Printf("[INFO] Configuration loaded from %s", configPath)
	}
	return cfg, nil
}

// Parse decodes data of the format named by ext (".yaml", ".yml" or ".json")
// into cfg. Fields missing from data keep their value.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %s (supported: .yaml, .yml, .json)", ErrUnsupportedFormat, ext)
	}
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("%w: %s (supported: .yaml, .yml, .json)", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBind); ok && v != "" {
		cfg.Gateway.Bind = v
	}
	if v, ok := lookup(EnvBackendURL); ok && v != "" {
		cfg.Backend.URL = v
	}
	if v, ok := lookup(EnvBackendUsername); ok {
		cfg.Backend.Username = v
	}
	if v, ok := lookup(EnvBackendPassword); ok {
		cfg.Backend.Password = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	g := c.Gateway
	if g.Bind == "" {
		return fmt.Errorf("gateway.bind cannot be empty")
	}
	switch g.NoSubscriberPolicy {
	case "", "reject", "release":
	default:
		return fmt.Errorf("gateway.no_subscriber_policy: unsupported value %q (supported: reject, release)", g.NoSubscriberPolicy)
	}
	if g.ConnectTimeout < 0 || g.SendTimeout < 0 || g.CommandAckTimeout < 0 {
		return fmt.Errorf("gateway timeouts cannot be negative")
	}
	if g.MaxPacketSize < 0 || g.OutboundQueueSize < 0 {
		return fmt.Errorf("gateway sizes cannot be negative")
	}
	if g.TLS != nil && (g.TLS.CertFile == "" || g.TLS.KeyFile == "") {
		return fmt.Errorf("gateway.tls requires cert_file and key_file")
	}

	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url cannot be empty")
	}
	if (c.Backend.Username == "") != (c.Backend.Password == "") {
		return fmt.Errorf("backend.username and backend.password must be set together")
	}
	if c.Backend.ConnectTimeout < 0 {
		return fmt.Errorf("backend.connect_timeout cannot be negative")
	}

	return c.Auth.validate()
}

func (a *AuthConfig) validate() error {
	seen := make(map[string]bool)
	for i, d := range a.Devices {
		tenant := d.TenantID
		if tenant == "" {
			tenant = a.DefaultTenant
		}
		if tenant == "" || d.AuthID == "" {
			return fmt.Errorf("device %d: tenant_id and auth_id cannot be empty", i)
		}
		key := d.AuthID + "@" + tenant
		if seen[key] {
			return fmt.Errorf("duplicate device credential: %s", key)
		}
		seen[key] = true

		if d.Password == "" && d.PasswordHash == "" {
			return fmt.Errorf("device %s: password or password_hash is required", key)
		}
		switch auth.HashAlgorithm(d.Algorithm) {
		case auth.HashPlain, auth.HashSHA256, auth.HashBcrypt:
		default:
			return fmt.Errorf("device %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", key, d.Algorithm)
		}
	}

	if certs := a.Certificates; certs != nil {
		for i, ta := range certs.TrustAnchors {
			if ta.TenantID == "" || ta.File == "" {
				return fmt.Errorf("trust anchor %d: tenant_id and file cannot be empty", i)
			}
		}
		for i, d := range certs.Devices {
			if d.TenantID == "" || d.Identity == "" {
				return fmt.Errorf("certificate device %d: tenant_id and identity cannot be empty", i)
			}
		}
	}

	if s := a.SQL; s != nil {
		if s.Driver != "postgres" && s.Driver != "sqlite3" {
			return fmt.Errorf("auth.sql: unsupported driver %q (supported: postgres, sqlite3)", s.Driver)
		}
		if s.DSN == "" {
			return fmt.Errorf("auth.sql.dsn cannot be empty")
		}
	}

	if k := a.Kubernetes; k != nil && k.Namespace == "" {
		return fmt.Errorf("auth.kubernetes.namespace cannot be empty")
	}

	for tenant, creds := range a.GatewayCredentials {
		if creds.Username == "" || creds.Password == "" {
			return fmt.Errorf("gateway credentials for tenant %s: username and password cannot be empty", tenant)
		}
	}
	return nil
}
