package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/infinitrader/engine/internal/app"
	"github.com/infinitrader/engine/internal/config"
	"github.com/infinitrader/engine/internal/logging"
	"github.com/infinitrader/engine/internal/model"
)

func rootCmd(ctx context.Context) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "engine",
		Short:         "Staged deployment and rebalancing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	build := func() (*app.App, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		log := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
		return app.New(ctx, cfg, log)
	}

	serve := serveCmd(build)
	root.RunE = serve.RunE
	root.AddCommand(serve, syncCmd(build), previewCmd(build), executeCmd(build))
	return root
}

type builder func() (*app.App, error)

func serveCmd(build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	log := a.Log
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.Hub.Run(hubCtx)

	if a.Config.Schedule.Enabled {
		a.Scheduler.Start()
		defer a.Scheduler.Stop()
	}

	srv := a.Server()
	errc := make(chan error, 1)
	go func() {
		log.Info().Int("port", a.Config.Server.Port).Msg("engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("engine stopped")
	return nil
}

func syncCmd(build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Advance every active cycle once and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Tracker.Advance(cmd.Context())
			if res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func previewCmd(build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Compute and print a rebalance plan without executing it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			defer a.Close()
			plan, err := a.Rebalance.Preview(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
}

func executeCmd(build builder) *cobra.Command {
	var (
		live     bool
		planPath string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Validate (default) or apply a rebalance plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			defer a.Close()

			var plan *model.RebalancePlan
			if planPath != "" {
				data, err := os.ReadFile(planPath)
				if err != nil {
					return err
				}
				plan = new(model.RebalancePlan)
				if err := json.Unmarshal(data, plan); err != nil {
					return fmt.Errorf("%w: %v", model.ErrInvalidPlan, err)
				}
			}
			if live {
				a.Log.Warn().Msg("live execution: the ledger will be modified")
			}
			res, err := a.Engine.Execute(cmd.Context(), plan, !live)
			if res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "apply trades to the ledger instead of a dry run")
	cmd.Flags().StringVar(&planPath, "plan", "", "JSON file with a plan previously printed by preview")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
