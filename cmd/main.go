package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	bannercolor "github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/forest-guardian/vi-anomaly/internal/alignment"
	"github.com/forest-guardian/vi-anomaly/internal/delivery"
	"github.com/forest-guardian/vi-anomaly/internal/notification"
	"github.com/forest-guardian/vi-anomaly/internal/properties"
	"github.com/forest-guardian/vi-anomaly/internal/ui"
)

var version = "dev"

var (
	configPath string
	rows       int
	cols       int
)

func printBanner() {
	figure1 := figure.NewFigure("Maxsatt", "isometric1", true)
	figure2 := figure.NewFigure("Anomaly", "isometric1", true)
	bannercolor.Cyan(figure1.String())
	bannercolor.Cyan(figure2.String())
	fmt.Println()
}

func main() {
	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "maxsatt-anomaly",
		Short:         "Seasonal vegetation index anomaly detection for forest fields",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	rootCmd.AddCommand(analyzeCmd(), scoreCmd(), menuCmd(), offsetsServerCmd(), versionCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		bannercolor.Red("Error: %v", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the pipeline runner.
func setup() (*delivery.Runner, *slog.Logger, error) {
	cfg, err := properties.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	runner, err := delivery.NewRunner(cfg, logger, delivery.WithNotifier(notification.NewDiscord()))
	if err != nil {
		return nil, nil, err
	}
	return runner, logger, nil
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <field>...",
		Short: "Score the latest season of each field against its previous seasons",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, _, err := setup()
			if err != nil {
				return err
			}
			for _, field := range args {
				summary, err := runner.AnalyzeField(cmd.Context(), field)
				if err != nil {
					return fmt.Errorf("field %s: %w", field, err)
				}
				bannercolor.Green(summary.String())
			}
			return nil
		},
	}
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <training.csv> <testing.csv> <scores.csv>",
		Short: "Score a testing table against a training table",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, _, err := setup()
			if err != nil {
				return err
			}
			summary, err := runner.ScoreCSV(cmd.Context(), args[0], args[1], args[2], rows, cols)
			if err != nil {
				return err
			}
			bannercolor.Green(summary.String())
			return nil
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 0, "field rows, inferred from the training table when 0")
	cmd.Flags().IntVar(&cols, "cols", 0, "field columns, inferred from the training table when 0")
	return cmd
}

func menuCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Interactive menu",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			runner, _, err := setup()
			if err != nil {
				return err
			}

			defer func() {
				if r := recover(); r != nil {
					message := fmt.Sprintf("panic: %v\n\nStack trace:\n%s", r, debug.Stack())
					if nerr := notification.NewDiscord().Error(context.Background(), message); nerr != nil {
						bannercolor.Red("Failed to send notification: %s", nerr.Error())
					}
					err = fmt.Errorf("panic: %v", r)
				}
			}()

			printBanner()
			return ui.NewMenu(runner, os.Stdin, os.Stdout).Run(cmd.Context())
		},
	}
}

func offsetsServerCmd() *cobra.Command {
	var (
		addr        string
		offsetsFile string
	)
	cmd := &cobra.Command{
		Use:   "offsets-server",
		Short: "Serve fixed season offsets over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := setup()
			if err != nil {
				return err
			}
			table, err := alignment.LoadOffsets(offsetsFile)
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			srv := grpc.NewServer()
			alignment.RegisterServer(srv, table)

			go func() {
				<-cmd.Context().Done()
				srv.GracefulStop()
			}()

			logger.Info("serving season offsets", "addr", lis.Addr().String(), "seasons", len(table))
			return srv.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50051", "listen address")
	cmd.Flags().StringVar(&offsetsFile, "offsets", "offsets.csv", "season,offset_days table")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("maxsatt-anomaly %s\n", version)
		},
	}
}
