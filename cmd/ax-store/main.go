// Command ax-store inspects and maintains the monitor's message store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/database"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/privacy"
	"github.com/ax-platform/ax-mcp-monitor/internal/service"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const usage = `usage: ax-store [-db path] <command> [flags]

commands:
  stats                      message counts by status
  dead-letters [-limit N]    most recently dead-lettered messages
  purge [-older-than D]      delete completed messages processed before now-D
  schema                     applied schema version
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	_ = godotenv.Load()
	var dbCfg models.DatabaseConfig
	if err := envconfig.Process("", &dbCfg); err != nil {
		return fmt.Errorf("failed to read database settings: %w", err)
	}

	global := flag.NewFlagSet("ax-store", flag.ContinueOnError)
	global.SetOutput(out)
	global.Usage = func() { fmt.Fprint(out, usage) }
	dbPath := global.String("db", dbCfg.Path, "Path to the database file")
	maxRetries := global.Int("max-retries", constants.DefaultMaxRetries, "Retry limit used for retry-eligible counts")
	if err := global.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		*dbPath = constants.DefaultDBPath
	}
	if global.NArg() == 0 {
		global.Usage()
		return fmt.Errorf("no command given")
	}

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database file not found: %s", *dbPath)
	}
	secret := ""
	if dbCfg.EnableEncryption {
		secret = dbCfg.EncryptionSecret
	}
	db, err := database.New(*dbPath, secret)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "stats":
		return printStats(ctx, db, *maxRetries, out)
	case "dead-letters":
		return printDeadLetters(ctx, db, rest, out)
	case "purge":
		return purge(ctx, db, rest, out)
	case "schema":
		version, err := db.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema version %d\n", version)
		return nil
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printStats(ctx context.Context, db *database.Database, maxRetries int, out io.Writer) error {
	stats, err := db.GetBacklogStats(ctx, maxRetries)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(stats)
}

func printDeadLetters(ctx context.Context, db *database.Database, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	fs.SetOutput(out)
	limit := fs.Int("limit", 20, "Maximum number of messages to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	messages, err := db.GetDeadLetters(ctx, *limit)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintln(out, "no dead-lettered messages")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSENDER\tRETRIES\tDEAD SINCE\tREASON")
	for _, msg := range messages {
		since := "-"
		if msg.ProcessedAt != nil {
			since = msg.ProcessedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			privacy.ShortID(msg.ID),
			models.Deref(msg.SenderHandle),
			msg.RetryCount,
			since,
			models.Deref(msg.ErrorMessage),
		)
	}
	return tw.Flush()
}

func purge(ctx context.Context, db *database.Database, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(out)
	olderThan := fs.Duration("older-than", constants.DefaultRetentionHours*time.Hour, "Retention window for completed messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return fmt.Errorf("-older-than must be positive")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	removed, err := service.NewCleanupScheduler(db, *olderThan, time.Hour, logger).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "purged %d completed messages older than %s\n", removed, *olderThan)
	return nil
}
