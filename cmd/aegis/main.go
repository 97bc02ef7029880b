package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aegis-labs/aegis/pkg/alert"
	"github.com/aegis-labs/aegis/pkg/audit"
	"github.com/aegis-labs/aegis/pkg/config"
	"github.com/aegis-labs/aegis/pkg/observability"
	"github.com/aegis-labs/aegis/pkg/policy"
	"github.com/aegis-labs/aegis/pkg/quarantine"
	"github.com/aegis-labs/aegis/pkg/rollback"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "health":
		return runHealthCmd(stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "search":
		return runSearchCmd(args[2:], stdout, stderr)
	case "cleanup":
		return runCleanupCmd(args[2:], stdout, stderr)
	case "snapshot":
		return runSnapshotCmd(args[2:], stdout, stderr)
	case "rollback":
		return runRollbackCmd(args[2:], stdout, stderr)
	case "stats":
		return runStatsCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "aegis - governance safety core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: aegis <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  health                     Probe quarantine storage and stuck records")
	fmt.Fprintln(w, "  report [-type t] [-model m] Generate a quarantine report (summary|trends|full)")
	fmt.Fprintln(w, "  search [flags]             Search quarantine records")
	fmt.Fprintln(w, "  cleanup [-older-than d]    Purge RESOLVED records older than a duration")
	fmt.Fprintln(w, "  snapshot [create|list]     Manage governance snapshots")
	fmt.Fprintln(w, "  rollback -id <snapshot>    Roll policy state back to a snapshot")
	fmt.Fprintln(w, "  stats                      Show rollback manager statistics")
	fmt.Fprintln(w, "")
}

// runtime bundles the wired subsystems for one command invocation.
type runtime struct {
	cfg      *config.Config
	system   *quarantine.System
	reporter *quarantine.Reporter
	manager  *rollback.Manager
	close    func()
}

func buildRuntime(ctx context.Context, stderr io.Writer) (*runtime, error) {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, stderr)

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, err := openStore(cfg, &closers)
	if err != nil {
		closeAll()
		return nil, err
	}

	trail := audit.NewChainedTrail()
	alerts := buildAlerts(cfg)
	switchboard := policy.NewSwitchboard()

	var metrics *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		metrics, err = observability.New(ctx, obsCfg)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("initializing observability: %w", err)
		}
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		})
	}

	system := quarantine.NewSystem(store, trail, alerts).
		WithRules(quarantine.RequireReason()).
		WithMetrics(metrics)

	persister, err := rollback.NewFilePersister(cfg.SnapshotDir)
	if err != nil {
		closeAll()
		return nil, err
	}
	snapOpts := []rollback.SnapshotStoreOption{rollback.WithPersister(persister)}
	if cfg.SnapshotCapacity > 0 {
		snapOpts = append(snapOpts, rollback.WithSnapshotCapacity(cfg.SnapshotCapacity))
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := rollback.NewS3Archiver(ctx, rollback.S3ArchiverConfig{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   cfg.ArchivePrefix,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		snapOpts = append(snapOpts, rollback.WithArchiver(archiver))
	}
	snapshots, err := rollback.NewSnapshotStore(ctx, switchboard, snapOpts...)
	if err != nil {
		closeAll()
		return nil, err
	}

	mgrOpts := []rollback.ManagerOption{rollback.WithMetrics(metrics)}
	if cfg.RedisAddr != "" {
		mgrOpts = append(mgrOpts,
			rollback.WithLedger(rollback.NewRedisLedger(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)))
	}
	manager := rollback.NewManager(switchboard, snapshots, trail, alerts, mgrOpts...)

	if cfg.ThresholdProfile != "" {
		profile, err := config.LoadThresholdProfile(cfg.ThresholdDir, cfg.ThresholdProfile)
		if err != nil {
			closeAll()
			return nil, err
		}
		if err := config.ApplyThresholdProfile(profile, manager); err != nil {
			closeAll()
			return nil, err
		}
	}

	return &runtime{
		cfg:      cfg,
		system:   system,
		reporter: quarantine.NewReporter(system.Manager()),
		manager:  manager,
		close:    closeAll,
	}, nil
}

func openStore(cfg *config.Config, closers *[]func()) (quarantine.RecordStore, error) {
	switch cfg.Storage {
	case "memory":
		return quarantine.NewMemoryStore(), nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		*closers = append(*closers, func() { _ = db.Close() })
		return quarantine.NewSQLiteStore(db)
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres database: %w", err)
		}
		*closers = append(*closers, func() { _ = db.Close() })
		return quarantine.NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

func buildAlerts(cfg *config.Config) alert.Channel {
	channels := []alert.Channel{alert.NewLogChannel()}
	if cfg.SMTPHost != "" {
		channels = append(channels, alert.NewEmailChannel(alert.SMTPConfig{
			Addr:       cfg.SMTPHost + ":" + cfg.SMTPPort,
			From:       cfg.SMTPFrom,
			Recipients: splitRecipients(cfg.AlertRecipients),
		}))
	}
	return alert.NewThrottled(alert.NewMulti(channels...), 1, 5)
}

func splitRecipients(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	health := rt.system.HealthCheck(ctx)
	code := printJSON(stdout, health)
	if health.Status == "critical" {
		return 1
	}
	return code
}

func runReportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("type", "summary", "report type: summary|trends|full")
	model := fs.String("model", "", "filter by model name")
	corruption := fs.String("corruption-type", "", "filter by corruption type")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	doc, err := rt.reporter.Report(ctx, quarantine.ReportKind(*kind), quarantine.Filter{
		ModelName:      *model,
		CorruptionType: *corruption,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printJSON(stdout, doc)
}

func runSearchCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(stderr)
	model := fs.String("model", "", "filter by model name")
	corruption := fs.String("corruption-type", "", "filter by corruption type")
	status := fs.String("status", "", "filter by status (comma separated)")
	text := fs.String("text", "", "substring match over reason and notes")
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page-size", 20, "page size")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	filter := quarantine.Filter{
		ModelName:      *model,
		CorruptionType: *corruption,
		Text:           *text,
	}
	if *status != "" {
		for _, s := range strings.Split(*status, ",") {
			filter.Statuses = append(filter.Statuses, quarantine.Status(strings.TrimSpace(s)))
		}
	}

	records, pagination, err := rt.system.Manager().Search(ctx, filter, *page, *pageSize)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printJSON(stdout, map[string]any{
		"records":    records,
		"pagination": pagination,
	})
}

func runCleanupCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	olderThan := fs.Duration("older-than", 90*24*time.Hour, "purge RESOLVED records older than this")
	actor := fs.String("actor", "", "actor recorded in the audit trail")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	purged, err := rt.system.CleanupResolved(ctx, *olderThan, *actor)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Purged %d resolved records older than %s\n", purged, *olderThan)
	return 0
}

func runSnapshotCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: aegis snapshot <create|list> [flags]")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("snapshot create", flag.ContinueOnError)
		fs.SetOutput(stderr)
		reason := fs.String("reason", "manual snapshot", "snapshot reason")
		actor := fs.String("actor", "", "actor recorded on the snapshot")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		snap, err := rt.manager.CreateSnapshot(ctx, *reason, *actor)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printJSON(stdout, snap)
	case "list":
		return printJSON(stdout, rt.manager.Snapshots().List())
	default:
		fmt.Fprintf(stderr, "Unknown snapshot subcommand: %s\n", args[0])
		return 2
	}
}

func runRollbackCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "snapshot id to roll back to")
	reason := fs.String("reason", "manual rollback", "rollback reason")
	actor := fs.String("actor", "", "actor recorded in the audit trail")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "Error: -id is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	if err := rt.manager.RollbackTo(ctx, *id, *reason, *actor); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Rolled back to snapshot %s\n", *id)
	return 0
}

func runStatsCmd(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close()

	return printJSON(stdout, rt.manager.Stats(ctx))
}
