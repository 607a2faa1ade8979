package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/coordinator"
	"github.com/zen-systems/switchboard/pkg/logging"
	"github.com/zen-systems/switchboard/pkg/quality"
	"github.com/zen-systems/switchboard/pkg/server"
	"github.com/zen-systems/switchboard/pkg/task"
	"github.com/zen-systems/switchboard/pkg/telemetry"
)

var version = "dev"

var (
	configFile  string
	routingFile string
	envFile     string
	logLevel    string
	logFormat   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "LLM routing engine with fallback chains and quality scoring",
		Long: `Switchboard classifies each prompt into a task category, ranks the
	configured backends for that category, and walks the ranked chain until a
	response clears the quality threshold. Failing backends are taken out of
	rotation by a per-backend circuit breaker.`,
		SilenceUsage: true,
		Version:      version,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to settings file (default ~/.switchboard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&routingFile, "routing", "", "path to routing file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to .env file (default ./.env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (console, json)")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(scoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func askCmd() *cobra.Command {
	var taskType string
	var preferred string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route a prompt through the fallback chain",
		Long: `Classifies the prompt, builds the candidate chain and returns the first
	response that clears the quality threshold.

	Use --task-type to skip classification and --model to put a backend at
	the front of the chain.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			coord, err := coordinator.FromConfig(ctx, cfg, coordinator.BuildOptions{Logger: logger})
			if err != nil {
				return err
			}

			res, err := coord.Handle(ctx, coordinator.Request{
				Prompt:         args[0],
				TaskType:       taskType,
				PreferredModel: preferred,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			for _, a := range res.Attempts {
				line := fmt.Sprintf("  %s: %s (%dms)", a.Model, a.Status, a.LatencyMs)
				if !a.Status.Failed() {
					line += fmt.Sprintf(" score=%.2f", a.Score)
				}
				fmt.Fprintln(os.Stderr, line)
			}
			if !res.Success {
				return fmt.Errorf("request failed: %s", res.Error)
			}
			fmt.Fprintf(os.Stderr, "Routed %s to %s (score %.2f)\n", res.TaskType, res.Model, res.QualityScore)
			if res.BelowThreshold {
				fmt.Fprintf(os.Stderr, "Warning: best result is below the quality threshold %.2f\n", coord.Threshold())
			}
			fmt.Println(res.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "task-type", "", "override the task category")
	cmd.Flags().StringVar(&preferred, "model", "", "preferred backend id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")

	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.ServerAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
				Enabled:        cfg.TelemetryEnabled,
				ServiceName:    cfg.ServiceName,
				ServiceVersion: version,
				OTLPEndpoint:   cfg.TelemetryEndpoint,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Warn().Err(err).Msg("telemetry shutdown failed")
				}
			}()

			hub := server.NewHub(logger.With().Str("component", "ws").Logger())
			coord, err := coordinator.FromConfig(ctx, cfg, coordinator.BuildOptions{
				Logger:  logger,
				Options: []coordinator.Option{coordinator.WithProgress(hub)},
			})
			if err != nil {
				return err
			}

			srv := server.New(coord, hub,
				server.WithLogger(logger.With().Str("component", "server").Logger()),
				server.WithShutdownTimeout(cfg.ShutdownTimeout),
			)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from settings, :8080)")

	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered backends and provider credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			coord, err := coordinator.FromConfig(cmd.Context(), cfg, coordinator.BuildOptions{Logger: logger})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tMODEL\tSTATE\tAVAILABLE")
			for _, st := range coord.Registry().Status() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", st.ID, st.Model, st.State, st.Available)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "PROVIDER\tSTATUS")
			for _, provider := range config.Providers {
				status := "no key"
				if cfg.HasProvider(provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\n", provider, status)
			}
			return w.Flush()
		},
	}
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show backend ranking per task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			coord, err := coordinator.FromConfig(cmd.Context(), cfg, coordinator.BuildOptions{Logger: logger})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK TYPE\tCHAIN")
			for _, route := range coord.Policy().Routes() {
				var parts []string
				for _, b := range route.Backends {
					parts = append(parts, fmt.Sprintf("%s(%.2f)", b.ID, b.Affinity))
				}
				chain := strings.Join(parts, " > ")
				if chain == "" {
					chain = "-"
				}
				fmt.Fprintf(w, "%s\t%s\n", route.TaskType, chain)
			}
			return w.Flush()
		},
	}
}

func classifyCmd() *cobra.Command {
	var override string

	cmd := &cobra.Command{
		Use:   "classify [prompt]",
		Short: "Show the task category for a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			t, err := task.Parse(override)
			if err != nil {
				return err
			}
			classifier := task.NewClassifier(task.WithExtraTriggers(cfg.RoutingConfig.ExtraTriggers()))
			d := classifier.Classify(args[0], t)

			fmt.Printf("task_type:  %s\n", d.Type)
			fmt.Printf("confidence: %.2f\n", d.Confidence)
			if d.Ambiguous {
				fmt.Println("ambiguous:  true")
			}
			if len(d.Matched) > 0 {
				fmt.Printf("matched:    %s\n", strings.Join(d.Matched, ", "))
			}
			for _, r := range d.Reasons {
				fmt.Printf("reason:     %s\n", r)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&override, "task-type", "", "explicit task category")

	return cmd
}

func scoreCmd() *cobra.Command {
	var taskType string

	cmd := &cobra.Command{
		Use:   "score [file]",
		Short: "Score content with the quality heuristics",
		Long:  `Reads content from the file argument, or stdin when omitted.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			t, err := task.Parse(taskType)
			if err != nil {
				return err
			}
			if t == "" {
				t = task.General
			}

			var data []byte
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("failed to read content: %w", err)
			}

			opts := []quality.Option{quality.WithRefusalPhrases(cfg.RefusalPhrases)}
			if cfg.MinLength > 0 {
				opts = append(opts, quality.WithMinLength(cfg.MinLength))
			}
			report := quality.NewScorer(opts...).Score(string(data), t)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tWEIGHT\tPASSED\tDETAIL")
			for _, c := range report.Checks {
				fmt.Fprintf(w, "%s\t%.2f\t%t\t%s\n", c.Name, c.Weight, c.Passed, c.Detail)
			}
			fmt.Fprintln(w)
			verdict := "below threshold"
			if report.Meets(cfg.Threshold) {
				verdict = "accepted"
			}
			fmt.Fprintf(w, "SCORE\t%.2f\t%s\n", report.Score, verdict)
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&taskType, "task-type", "general", "task category to score against")

	return cmd
}

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile:  configFile,
		RoutingFile: routingFile,
		EnvFile:     envFile,
	})
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	level, format := cfg.LogLevel, cfg.LogFormat
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	logger, err := logging.New(logging.Config{Level: level, Format: logging.Format(format)})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
