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

// Package sqlstore keeps device credentials and per-tenant gateway
// credentials in a SQL database. PostgreSQL is the production target; SQLite
// is supported for single-node deployments and tests. Queries use $n
// placeholders, which both drivers understand.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/turtacn/mqtt-gateway/pkg/auth"
)

// Config selects and tunes the database.
type Config struct {
	Driver          string        `json:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

const schema = `
CREATE TABLE IF NOT EXISTS device_credentials (
	tenant_id     VARCHAR(128) NOT NULL,
	auth_id       VARCHAR(128) NOT NULL,
	device_id     VARCHAR(128) NOT NULL,
	password_hash VARCHAR(256) NOT NULL,
	algorithm     VARCHAR(16)  NOT NULL,
	salt          VARCHAR(128) NOT NULL DEFAULT '',
	enabled       BOOLEAN      NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, auth_id)
);
CREATE TABLE IF NOT EXISTS gateway_credentials (
	tenant_id VARCHAR(128) PRIMARY KEY,
	username  VARCHAR(128) NOT NULL,
	password  VARCHAR(256) NOT NULL
);`

// Store implements auth.Authenticator and auth.CredentialResolver.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver != "postgres" && cfg.Driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported sql driver: %q", cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return New(db, cfg.QueryTimeout), nil
}

// New wraps an open database.
func New(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Name returns the name of this authenticator.
func (s *Store) Name() string {
	return "sql"
}

// Enabled returns true.
func (s *Store) Enabled() bool {
	return true
}

// Authenticate implements auth.Authenticator.
func (s *Store) Authenticate(ctx context.Context, tenantID, authID, password string) (string, auth.AuthResult) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var c auth.Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, password_hash, algorithm, salt, enabled
		   FROM device_credentials WHERE tenant_id = $1 AND auth_id = $2`,
		tenantID, authID,
	).Scan(&c.DeviceID, &c.PasswordHash, &c.Algorithm, &c.Salt, &c.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.AuthIgnore
	}
	if err != nil {
		log.Printf("[ERROR] Credential lookup for %s@%s failed: %v", authID, tenantID, err)
		return "", auth.AuthError
	}
	if !c.Enabled {
		return "", auth.AuthFailure
	}
	if !auth.VerifyPassword(password, c.PasswordHash, c.Salt, c.Algorithm) {
		return "", auth.AuthFailure
	}
	return c.DeviceID, auth.AuthSuccess
}

// PutCredential inserts or replaces a device credential.
func (s *Store) PutCredential(ctx context.Context, c auth.Credential) error {
	if c.DeviceID == "" {
		c.DeviceID = c.AuthID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_credentials (tenant_id, auth_id, device_id, password_hash, algorithm, salt, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, auth_id) DO UPDATE SET
		   device_id = excluded.device_id,
		   password_hash = excluded.password_hash,
		   algorithm = excluded.algorithm,
		   salt = excluded.salt,
		   enabled = excluded.enabled`,
		c.TenantID, c.AuthID, c.DeviceID, c.PasswordHash, string(c.Algorithm), c.Salt, c.Enabled)
	if err != nil {
		return fmt.Errorf("failed to store credential %s@%s: %w", c.AuthID, c.TenantID, err)
	}
	return nil
}

// PutGatewayCredentials inserts or replaces the backend credentials of a tenant.
func (s *Store) PutGatewayCredentials(ctx context.Context, tenantID string, creds auth.GatewayCredentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_credentials (tenant_id, username, password) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id) DO UPDATE SET username = excluded.username, password = excluded.password`,
		tenantID, creds.Username, creds.Password)
	if err != nil {
		return fmt.Errorf("failed to store gateway credentials for %s: %w", tenantID, err)
	}
	return nil
}

// ResolveGatewayCredentials implements auth.CredentialResolver.
func (s *Store) ResolveGatewayCredentials(ctx context.Context, tenantID string) (auth.GatewayCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var creds auth.GatewayCredentials
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password FROM gateway_credentials WHERE tenant_id = $1`, tenantID,
	).Scan(&creds.Username, &creds.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.GatewayCredentials{}, fmt.Errorf("%w: %s", auth.ErrNoCredentials, tenantID)
	}
	if err != nil {
		return auth.GatewayCredentials{}, fmt.Errorf("%w: %v", auth.ErrCredentialsUnavailable, err)
	}
	return creds, nil
}
