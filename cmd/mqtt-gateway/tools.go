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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
	"github.com/turtacn/mqtt-gateway/pkg/config"
)

func newGenerateConfigCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Write a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", out)
				}
			}
			if err := config.SaveConfig(config.ExampleConfig(), out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration saved to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "config.yaml", "output file (.yaml, .yml or .json)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var algo, salt string
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash a device password for the password_hash setting",
		Long: `Hash a device password for the password_hash setting.

sha256 hashes are salted with --salt; use the same value as the device's
salt setting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			algorithm := auth.HashAlgorithm(algo)
			if algorithm != auth.HashSHA256 && salt != "" {
				return fmt.Errorf("--salt only applies to sha256")
			}
			hash, err := auth.HashPassword(args[0], salt, algorithm)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&algo, "algo", string(auth.HashBcrypt), "hash algorithm: plain, sha256, bcrypt")
	cmd.Flags().StringVar(&salt, "salt", "", "salt for sha256 hashes")
	return cmd
}
