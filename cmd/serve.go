package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lora-trainer/internal/generators"
	"lora-trainer/internal/web"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the generate API backed by the trained model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.cfg.ValidateInference(); err != nil {
			return err
		}
		templates, err := a.templates()
		if err != nil {
			return err
		}

		fal := a.falClient()
		deps := web.Dependencies{
			Catalog:       a.catalog(),
			ModelRef:      a.cfg.Inference.LoraURL,
			Custom:        generators.NewInferenceRunner(fal, templates, a.cfg.Training.TriggerWord, a.cfg.Inference),
			CustomModel:   a.customModelName(),
			Fallback:      generators.NewInferenceRunner(fal, templates, a.cfg.Training.TriggerWord, a.cfg.Inference),
			FallbackModel: a.cfg.Fal.BaseApp,
			Hub:           web.NewStatusHub(a.metrics),
			Metrics:       a.metrics,
		}
		if a.cfg.OpenAI.APIKey != "" {
			openai := generators.NewOpenAIImageClient(a.cfg.OpenAI, a.metrics)
			deps.Fallback = generators.NewInferenceRunner(openai, templates, a.cfg.Training.TriggerWord, a.cfg.Inference)
			deps.FallbackModel = openai.Model()
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go deps.Hub.Run(ctx)

		server := &http.Server{
			Addr:         a.cfg.HTTPAddr(),
			Handler:      web.NewRouter(web.NewHandlers(deps)),
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Infof("server starting on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("server shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info("server stopped")
		return nil
	},
}
