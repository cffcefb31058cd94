// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// attribctl is the operator CLI: validate model settings files, inspect the
// model catalog, and reprocess conversions against a postgres deployment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/identity"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/storage/postgres"
)

var rootCmd = &cobra.Command{
	Use:   "attribctl",
	Short: "Operator tooling for the attribution pipeline",
}

var validateCmd = &cobra.Command{
	Use:   "validate <settings-file>",
	Short: "Validate a model settings file (YAML or JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var settings model.Settings
		if err := yaml.Unmarshal(data, &settings); err != nil {
			if jerr := json.Unmarshal(data, &settings); jerr != nil {
				return fmt.Errorf("parse settings: %w", err)
			}
		}

		if err := model.ValidateSettings(settings); err != nil {
			return err
		}

		fmt.Printf("ok: %s (lookback %d days)\n", settings.Model, settings.LookbackWindowDays)
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List registered attribution models with their defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, spec := range model.All() {
			defaults, err := json.Marshal(spec.Defaults())
			if err != nil {
				return err
			}
			fmt.Printf("%-15s %s\n  defaults: %s\n", spec.Model, spec.Description, defaults)
		}
		return nil
	},
}

var hashEmailCmd = &cobra.Command{
	Use:   "hash-email <email>",
	Short: "Print the identity hash for an email address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(identity.HashEmail(args[0]))
		return nil
	},
}

var (
	reprocessDSN   string
	reprocessModel string
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <conversion-id>",
	Short: "Re-run attribution for a stored conversion",
	Long: "Re-run attribution for a conversion against a postgres deployment. " +
		"Existing result rows for the (conversion, model) pair must be removed " +
		"first; the uniqueness constraint rejects duplicates otherwise.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := ids.ParseConversionID(args[0])
		if err != nil {
			return err
		}

		store, err := postgres.Open(reprocessDSN)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, err := store.Conversion(ctx, convID)
		if err != nil {
			return err
		}

		logger := log.NewWithLevel("warn")
		eng := engine.New(engine.Deps{
			Events:   store,
			Identity: identity.NewResolver(store, logger),
			Config:   store,
			Sink:     store,
			Logger:   logger,
		})

		if reprocessModel != "" {
			if _, err := model.Resolve(reprocessModel); err != nil {
				return err
			}
			eng.Forget(convID, model.Model(reprocessModel))
		}

		run, err := eng.Process(ctx, conv)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	reprocessCmd.Flags().StringVar(&reprocessDSN, "dsn", os.Getenv("ATTRIB_POSTGRES_DSN"), "Postgres DSN")
	reprocessCmd.Flags().StringVar(&reprocessModel, "model", "", "Clear the idempotency record for this model before running")
	reprocessCmd.MarkFlagRequired("dsn")

	rootCmd.AddCommand(validateCmd, modelsCmd, hashEmailCmd, reprocessCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
