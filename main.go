package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"statesync/internal/config"
	"statesync/internal/core"
	"statesync/internal/services"
	"statesync/internal/state"
	"statesync/internal/storage"
	"statesync/pkg"
	"statesync/src"
	"statesync/src/logger"
)

var (
	configPath string
	modeFlag   string
	cfg        *src.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "statesync",
		Short:         "Server-side reactive state with delta sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional
			envErr := godotenv.Load()

			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if modeFlag != "" {
				loaded.StateManagerConfig.Mode = modeFlag
				if err := loaded.Validate(); err != nil {
					return err
				}
			}
			cfg = loaded
			if err := logger.InitLogger(cfg.LogConfig); err != nil {
				return err
			}
			if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
				logger.Warn().Err(envErr).Msg("Failed to read .env, using the process environment only")
			}
			logger.Debug().
				Str("config", configPath).
				Str("mode", cfg.StateManagerConfig.Mode).
				Msg("Configuration loaded")
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file, empty to read the environment only")
	root.PersistentFlags().StringVar(&modeFlag, "mode", "", "state backend override: memory, disk or redis")

	root.AddCommand(demoCmd(), sendCmd(), inspectCmd(), resetCmd())
	return root
}

// app bundles what every command needs
type app struct {
	schema    *state.Schema
	manager   storage.StateManager
	processor *core.DefaultProcessor
}

func newApp(ctx context.Context, emitter pkg.Emitter) (*app, error) {
	schema, err := services.NewCounterSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema: %w", err)
	}
	manager, err := storage.New(ctx, schema, cfg.StateManagerConfig, logger.Logger)
	if err != nil {
		return nil, err
	}
	processor := core.NewProcessor(manager, schema, core.Config{
		Emitter: emitter,
		Logger:  logger.Logger,
	})
	if err := services.Register(processor); err != nil {
		manager.Close(ctx)
		return nil, err
	}
	logger.Info().Str("mode", cfg.StateManagerConfig.Mode).Msg("State manager ready")
	return &app{schema: schema, manager: manager, processor: processor}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.manager.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close state manager")
	}
	// Close releases held leases, so stats are read afterwards.
	stats := a.manager.Stats()
	logger.Info().
		Str("remote_acquires", humanize.Comma(stats.RemoteAcquires)).
		Str("remote_releases", humanize.Comma(stats.RemoteReleases)).
		Str("lease_reuses", humanize.Comma(stats.LeaseReuses)).
		Str("flushes", humanize.Comma(stats.Flushes)).
		Msg("State manager closed")
}

// printEmitter writes every update to stdout as one JSON line
var printEmitter = pkg.EmitterFunc(func(ctx context.Context, token string, update pkg.StateUpdate) error {
	data, err := update.JSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s %s\n", token, data)
	return err
})

func demoCmd() *cobra.Command {
	var token string
	var times int
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted counter session and print every state update",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if token == "" {
				token = uuid.Must(uuid.NewV7()).String()
			}
			a, err := newApp(ctx, printEmitter)
			if err != nil {
				return err
			}
			defer a.close()

			script := []pkg.Event{
				{Name: services.EventRename, Payload: map[string]any{"name": "demo"}},
				{Name: services.EventSetStep, Payload: map[string]any{"step": 2}},
				{Name: services.EventRepeat, Payload: map[string]any{"times": times}},
				{Name: services.EventIncrement, Payload: map[string]any{"by": 3}},
				{Name: services.EventReset},
			}
			for _, event := range script {
				event.Token = token
				if _, err := a.processor.Process(ctx, event); err != nil {
					return err
				}
			}
			logger.Info().Str("token", token).Int("events", len(script)).Msg("Demo finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "client token (default: a new UUIDv7)")
	cmd.Flags().IntVar(&times, "times", 3, "increments queued by the repeat event")
	return cmd
}

func sendCmd() *cobra.Command {
	var token, event, payload string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Process one event for a token and print the resulting updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var body map[string]any
			if payload != "" {
				if err := sonic.ConfigStd.UnmarshalFromString(payload, &body); err != nil {
					return fmt.Errorf("invalid payload: %w", err)
				}
			}
			a, err := newApp(ctx, printEmitter)
			if err != nil {
				return err
			}
			defer a.close()

			_, err = a.processor.Process(ctx, pkg.Event{Token: token, Name: event, Payload: body})
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "client token")
	cmd.Flags().StringVar(&event, "event", "", "event name, e.g. App.increment")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object passed to the handler")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("event")
	return cmd
}

func inspectCmd() *cobra.Command {
	var token, statePath string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the stored state of a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.close()

			root, err := a.manager.GetState(ctx, storage.Key(token, statePath))
			if err != nil {
				return err
			}
			data, err := sonic.ConfigStd.MarshalIndent(root.Tree().Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "client token")
	cmd.Flags().StringVar(&statePath, "state", "App", "state full name")
	cmd.MarkFlagRequired("token")
	return cmd
}

func resetCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored state node of a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.manager.DeleteState(ctx, token); err != nil {
				return err
			}
			logger.Info().Str("token", token).Msg("State deleted")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "client token")
	cmd.MarkFlagRequired("token")
	return cmd
}
