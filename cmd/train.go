package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lora-trainer/internal/engine"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Upload the training images, train the LoRA and save the model config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		opts := []engine.Option{engine.WithMetrics(a.metrics)}
		if cache := a.uploadCache(ctx); cache != nil {
			opts = append(opts, engine.WithUploadCache(cache))
		}
		if h := a.history(); h != nil {
			opts = append(opts, engine.WithHistory(h))
		}
		if n := a.notifier(ctx); n != nil {
			opts = append(opts, engine.WithNotifier(n))
		}

		rec, err := engine.NewTrainingEngine(a.cfg, a.falClient(), opts...).Run(ctx, queueLogger("training"))
		if err != nil {
			return fmt.Errorf("training failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Training complete")
		fmt.Fprintf(out, "  model:        %s\n", rec.ModelName)
		fmt.Fprintf(out, "  trigger word: %s\n", rec.TriggerWord)
		fmt.Fprintf(out, "  images:       %d\n", rec.TrainingImages)
		fmt.Fprintf(out, "  model url:    %s\n", valueOr(rec.ModelURL, "(none)"))
		fmt.Fprintf(out, "  config url:   %s\n", valueOr(rec.ConfigURL, "(none)"))
		fmt.Fprintf(out, "  saved to:     %s\n", a.cfg.Output.ModelConfigFile)
		if len(rec.UsageExamples) > 0 {
			fmt.Fprintln(out, "Example prompts:")
			for _, ex := range rec.UsageExamples {
				fmt.Fprintf(out, "  %s\n", ex)
			}
		}
		return nil
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Write a training manifest for manual upload without calling the API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		m, err := engine.NewTrainingEngine(a.cfg, nil).WriteManifest()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Wrote %s with %d images\n", a.cfg.Output.ManifestFile, len(m.Images))
		fmt.Fprintf(out, "Trigger word: %s\n", m.TriggerWord)
		fmt.Fprintf(out, "Upload the images from %s in the fal.ai dashboard and use the captions from the manifest.\n", a.cfg.Training.ImagesDir)
		return nil
	},
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
