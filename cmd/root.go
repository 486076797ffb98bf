package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andresmejia3/wakewire/internal/config"
	"github.com/andresmejia3/wakewire/internal/store"
	"github.com/spf13/cobra"
)

// dbAnnotation tells the root pre-run whether a command needs the database.
const (
	dbAnnotation = "wakewire/db"
	dbRequired   = "required"
	dbOptional   = "optional"
)

const defaultDBURL = "postgres://localhost:5432/wakewire"

var (
	// DB is the global database connection shared by subcommands. It stays
	// nil for serve when no database was configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	configPath string
	logLevel   string
	logFormat  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "wakewire",
	Short:   "Wake word detection server for streamed PCM audio",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config file values sit under explicit flags
		var unknown []string
		if configPath != "" {
			f, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if unknown, err = f.Apply(cmd.Flags(), cmd.InheritedFlags()); err != nil {
				return err
			}
		}

		logger, err := newLogger(os.Stderr, logLevel, logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		if len(unknown) > 0 {
			slog.Debug("config options not used by this command", "command", cmd.Name(), "options", unknown)
		}

		mode, usesDB := cmd.Annotations[dbAnnotation]
		if !usesDB {
			return nil
		}
		url := resolveDBURL(dbURL, mode == dbRequired)
		if url == "" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
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
	},
}

// resolveDBURL picks the connection string: the --db flag, then POSTGRES_*
// variables, then the local default when the command cannot run without a
// database. An empty result means run without one.
func resolveDBURL(flagURL string, required bool) string {
	if flagURL != "" {
		return flagURL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	if required {
		return defaultDBURL
	}
	return ""
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: use debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q: use text or json", format)
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
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: POSTGRES_* env, else "+defaultDBURL+" for commands that need it)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file with option values; command line flags take precedence")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}
