package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lora-trainer/internal/interfaces"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the API key against fal.ai",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if a.cfg.Fal.APIKey == "" {
			return &interfaces.ConfigurationError{Field: "fal.api_key", Reason: "not set (export FAL_KEY)"}
		}
		if err := a.falClient().HealthCheck(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Connected to fal.ai")
		return nil
	},
}
