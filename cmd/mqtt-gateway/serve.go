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

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/turtacn/mqtt-gateway/pkg/backend/mqttbridge"
	"github.com/turtacn/mqtt-gateway/pkg/config"
	"github.com/turtacn/mqtt-gateway/pkg/gateway"
	"github.com/turtacn/mqtt-gateway/pkg/health"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
	tlsconfig "github.com/turtacn/mqtt-gateway/pkg/tls"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var configPath, envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway until SIGINT or SIGTERM.

Backend settings can be overridden with the environment variables
MQTT_GATEWAY_BACKEND_URL, MQTT_GATEWAY_BACKEND_USERNAME,
MQTT_GATEWAY_BACKEND_PASSWORD and MQTT_GATEWAY_BIND, which may also be
read from an env file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("error loading env file %s: %w", envFile, err)
				}
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (.yaml, .yml or .json)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file with environment overrides")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Println("[INFO] Starting MQTT gateway...")

	policy, err := cfg.Auth.BuildPolicy(ctx)
	if err != nil {
		return fmt.Errorf("failed to configure authentication: %w", err)
	}
	defer policy.Close()

	var tlsConfig *tls.Config
	if cfg.Gateway.TLS != nil {
		if tlsConfig, err = tlsconfig.ServerConfig(*cfg.Gateway.TLS); err != nil {
			return err
		}
	}

	healthServer := health.NewServer()
	if cfg.Health.Bind != "" {
		if err := healthServer.Start(cfg.Health.Bind); err != nil {
			return err
		}
		defer healthServer.Stop()
	}

	if cfg.Metrics.Bind != "" {
		metricsServer := metrics.NewServer(cfg.Metrics.Bind)
		go func() {
			log.Printf("[INFO] Metrics server listening on %s", cfg.Metrics.Bind)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[ERROR] Metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	gw, err := gateway.New(gateway.Options{
		Bind:                  cfg.Gateway.Bind,
		TLSConfig:             tlsConfig,
		Policy:                policy,
		Backend:               cfg.Backend.Options(),
		BackendFactory:        mqttbridge.New,
		ConnectTimeout:        cfg.Gateway.ConnectTimeout.Std(),
		BackendConnectTimeout: cfg.Backend.ConnectTimeout.Std(),
		SendTimeout:           cfg.Gateway.SendTimeout.Std(),
		CommandAckTimeout:     cfg.Gateway.CommandAckTimeout.Std(),
		NoSubscriberPolicy:    gateway.NoSubscriberPolicy(cfg.Gateway.NoSubscriberPolicy),
		MaxPacketSize:         cfg.Gateway.MaxPacketSize,
		OutboundQueueSize:     cfg.Gateway.OutboundQueueSize,
		Readiness:             healthServer,
	})
	if err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		return err
	}
	log.Printf("[INFO] Accepting device connections on %s", gw.Addr())

	<-ctx.Done()
	log.Println("[INFO] Shutdown signal received. Shutting down...")
	gw.Stop()
	return nil
}
