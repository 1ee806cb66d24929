package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/retouch/internal/logger"
	"github.com/andresmejia3/retouch/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// DB is the optional job ledger shared by subcommands. Nil when no
	// database was configured.
	DB *store.Store
	// Log is the process-wide structured logger
	Log = zap.NewNop()

	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

// skipLedger marks commands that must never open a database connection.
const skipLedger = "skip-ledger"

var rootCmd = &cobra.Command{
	Use:     "retouch",
	Short:   "Face swap, face restoration and upscaling for images and videos",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if Log, err = logger.New(logLevel); err != nil {
			return err
		}

		if cmd.Annotations[skipLedger] == "true" {
			return nil
		}

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			host := os.Getenv("POSTGRES_HOST")
			if host == "" {
				// No ledger configured; jobs run without one
				return nil
			}
			user := os.Getenv("POSTGRES_USER")
			pass := os.Getenv("POSTGRES_PASSWORD")
			name := os.Getenv("POSTGRES_DB")
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		Log.Sync()
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the job ledger (default: $POSTGRES_HOST, or no ledger)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", runCfg.LogLevel, "Log level (debug, info, warn, error)")
}

