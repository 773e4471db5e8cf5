package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/snaparchive/internal"
	"github.com/starford/snaparchive/internal/archive"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/storage"
	pkgconfig "github.com/starford/snaparchive/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// openEngine opens the engine for one-shot commands. Logs go to stderr so
// stdout carries only the command's output.
func openEngine(ctx context.Context, cmd *cli.Command) (*internal.Engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return internal.Open(ctx,
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
		internal.WithVersion(version),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func detectCmd(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: detect PATH")
	}
	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	sets, err := e.Service.DetectExports(ctx, cmd.Args().First())
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, sets)
}

// ingestCmd ingests an export by id, or every export detected under a
// path, and waits for each job. Interrupting cancels the running job; the
// previously imported data stays as it was.
func ingestCmd(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: ingest EXPORT_ID|PATH")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	target := cmd.Args().First()
	ids := []string{target}
	if _, statErr := os.Stat(target); statErr == nil {
		sets, err := e.Service.DetectExports(ctx, target)
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			return fmt.Errorf("no export found under %s", target)
		}
		ids = ids[:0]
		for _, s := range sets {
			ids = append(ids, s.ID)
		}
	}

	var failed bool
	results := make([]*models.IngestionResult, 0, len(ids))
	for _, id := range ids {
		snap, err := e.Service.StartIngestion(ctx, id)
		if err != nil {
			return err
		}
		res, err := e.Wait(ctx, snap.ID)
		if err != nil {
			// Interrupted: Close cancels the job and waits for it to unwind.
			return fmt.Errorf("ingest %s interrupted: %w", id, err)
		}
		if res.Outcome == models.OutcomeFailure {
			failed = true
		}
		results = append(results, res)
	}
	if err := printJSON(os.Stdout, results); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("one or more ingestion jobs failed")
	}
	return nil
}

func searchCmd(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("usage: search QUERY")
	}
	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	query := cmd.Args().First()
	for _, a := range cmd.Args().Tail() {
		query += " " + a
	}
	hits, err := e.Service.Search(ctx, query, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, hits)
}

func reportCmd(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: report EXPORT_ID")
	}
	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.Service.ValidationReport(ctx, cmd.Args().First())
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, report)
}

// exportCmd writes one conversation to a file. The file appears complete or
// not at all.
func exportCmd(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: export CONVERSATION_ID")
	}
	format, err := archive.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	id := cmd.Args().First()
	out := cmd.String("out")
	if out == "" || out == "-" {
		return e.Service.ExportConversation(ctx, id, format, os.Stdout)
	}

	var buf bytes.Buffer
	if err := e.Service.ExportConversation(ctx, id, format, &buf); err != nil {
		return err
	}
	abs, err := filepath.Abs(out)
	if err != nil {
		return err
	}
	dir, err := storage.NewFS(filepath.Dir(abs))
	if err != nil {
		return err
	}
	if err := dir.Write(filepath.Base(abs), buf.Bytes()); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", abs, buf.Len())
	return nil
}

func resetCmd(ctx context.Context, cmd *cli.Command) error {
	if !cmd.Bool("yes") {
		return fmt.Errorf("reset deletes every imported conversation; pass --yes to confirm")
	}
	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return e.Service.ResetAllData(ctx)
}

func mcpCmd(ctx context.Context, cmd *cli.Command) error {
	e, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return e.ServeMCP()
}

func main() {
	cmd := &cli.Command{
		Name:   "snaparchive",
		Usage:  "Reconstruct chat history, memories and media from personal data exports into a local searchable archive",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the local HTTP API",
				Action: serve,
			},
			{
				Name:      "detect",
				Usage:     "Find exports under a directory or zip file and register them",
				ArgsUsage: "PATH",
				Action:    detectCmd,
			},
			{
				Name:      "ingest",
				Usage:     "Import an export by id, or every export found under a path",
				ArgsUsage: "EXPORT_ID|PATH",
				Action:    ingestCmd,
			},
			{
				Name:      "search",
				Usage:     "Full-text search across imported messages",
				ArgsUsage: "QUERY",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Max results"},
				},
				Action: searchCmd,
			},
			{
				Name:      "report",
				Usage:     "Print the latest validation report of an export",
				ArgsUsage: "EXPORT_ID",
				Action:    reportCmd,
			},
			{
				Name:      "export",
				Usage:     "Write a conversation as txt, json or csv",
				ArgsUsage: "CONVERSATION_ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "txt", Usage: "txt, json or csv"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default stdout)"},
				},
				Action: exportCmd,
			},
			{
				Name:  "reset",
				Usage: "Delete all imported data and extraction directories",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "Confirm the reset"},
				},
				Action: resetCmd,
			},
			{
				Name:   "mcp",
				Usage:  "Serve read-only archive tools over MCP stdio",
				Action: mcpCmd,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
