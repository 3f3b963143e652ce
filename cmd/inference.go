package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lora-trainer/internal/generators"
)

var testCmd = &cobra.Command{
	Use:   "test [model-name-or-url]",
	Short: "Run the configured test prompts against the trained model",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.cfg.ValidateInference(); err != nil {
			return err
		}
		ref := a.cfg.Inference.LoraURL
		if len(args) == 1 {
			ref = args[0]
		}
		loraURL, err := a.catalog().Resolve(cmd.Context(), ref)
		if err != nil {
			return err
		}

		templates, err := a.templates()
		if err != nil {
			return err
		}
		runner := generators.NewInferenceRunner(a.falClient(), templates, a.cfg.Training.TriggerWord, a.cfg.Inference)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Testing %s\n", loraURL)
		results, err := runner.RunBatch(cmd.Context(), loraURL, a.cfg.Inference.TestPrompts, func(res generators.BatchResult) {
			fmt.Fprintf(out, "\n[%d/%d] %s\n", res.Index+1, len(a.cfg.Inference.TestPrompts), res.Prompt)
			if res.Err != nil {
				fmt.Fprintf(out, "  failed: %v\n", res.Err)
				return
			}
			for _, img := range res.Result.Images {
				fmt.Fprintf(out, "  %s\n", img.URL)
			}
		})
		if err != nil {
			return err
		}

		succeeded, failed := generators.Summarize(results)
		fmt.Fprintf(out, "\n%d succeeded, %d failed\n", succeeded, failed)
		if succeeded == 0 && failed > 0 {
			return errors.New("every test prompt failed")
		}
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate images for one prompt with the trained model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.cfg.ValidateInference(); err != nil {
			return err
		}
		loraURL, err := a.catalog().Resolve(cmd.Context(), a.cfg.Inference.LoraURL)
		if err != nil {
			return err
		}

		templates, err := a.templates()
		if err != nil {
			return err
		}
		runner := generators.NewInferenceRunner(a.falClient(), templates, a.cfg.Training.TriggerWord, a.cfg.Inference)

		req, err := runner.BuildRequest(strings.Join(args, " "), loraURL)
		if err != nil {
			return err
		}
		res, err := runner.Generate(cmd.Context(), req, queueLogger("inference"))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Prompt: %s\n", req.Prompt)
		for _, img := range res.Images {
			fmt.Fprintln(out, img.URL)
		}
		return nil
	},
}
