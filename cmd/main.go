package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lora-trainer",
	Short: "Train a FLUX LoRA on fal.ai from a folder of images",
	Long: `lora-trainer uploads a folder of images to fal.ai, trains one LoRA on
them and saves the resulting model URL to a JSON file.

Examples:
  lora-trainer train
  lora-trainer manifest
  lora-trainer test
  lora-trainer generate "cute robot character"
  lora-trainer serve --config configs/config.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_FILE or configs/config.yaml)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
}
