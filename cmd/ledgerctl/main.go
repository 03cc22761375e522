package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/auth"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/rbac"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  verify   [--batch N] [--json]         check every record against its event stream
  trigger  <job>                        enqueue a background job
  queue                                 show default queue statistics
  migrate                               apply embedded schema migrations
  token    --actor NAME                 issue an API token
  grant    --actor NAME --perm P[,P]    grant ledger permissions
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitError
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitError
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "verify":
		return runVerify(ctx, cfg, rest, stdout, stderr)
	case "trigger":
		return runTrigger(ctx, cfg, rest, stdout, stderr)
	case "queue":
		return runQueue(ctx, cfg, stdout, stderr)
	case "migrate":
		return withPool(ctx, cfg, stderr, func(pool *pgxpool.Pool) int {
			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
				return cli.ExitError
			}
			_, _ = fmt.Fprintf(stdout, "applied %d migration(s)\n", len(applied))
			for _, name := range applied {
				_, _ = fmt.Fprintf(stdout, " - %s\n", name)
			}
			return cli.ExitOK
		})
	case "token":
		return runToken(ctx, cfg, rest, stdout, stderr)
	case "grant":
		return runGrant(ctx, cfg, rest, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return cli.ExitError
	}
}

func withPool(ctx context.Context, cfg *app.Config, stderr io.Writer, fn func(*pgxpool.Pool) int) int {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 4, ApplicationName: "ledgerctl"})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "connect postgres: %v\n", err)
		return cli.ExitError
	}
	defer pool.Close()
	return fn(pool)
}

func runVerify(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	batch := fs.Int("batch", 0, "records per page (default 500)")
	asJSON := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return cli.ExitError
	}
	return withPool(ctx, cfg, stderr, func(pool *pgxpool.Pool) int {
		logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		service := ledger.NewService(ledger.NewRepository(pool), ledger.NewRateResolver(cfg.DefaultRate()), ledger.ServiceConfig{
			SettlementCurrency: cfg.LedgerSettlementCurrency,
			Logger:             logger,
		})
		return cli.VerifyCommand(ctx, service, cli.VerifyOptions{
			Batch:      *batch,
			JSONOutput: *asJSON,
			Stdout:     stdout,
			Stderr:     stderr,
		})
	})
}

func redisOpts(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func runTrigger(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintf(stderr, "trigger: expected one job name (%s)\n", strings.Join(cli.TriggerableJobs(), ", "))
		return cli.ExitError
	}
	jobsCLI, err := cli.NewJobsCLI(redisOpts(cfg))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "trigger: %v\n", err)
		return cli.ExitError
	}
	defer func() { _ = jobsCLI.Close() }()
	info, err := jobsCLI.Trigger(ctx, args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "trigger: %v\n", err)
		return cli.ExitError
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return cli.ExitOK
}

func runQueue(ctx context.Context, cfg *app.Config, stdout, stderr io.Writer) int {
	jobsCLI, err := cli.NewJobsCLI(redisOpts(cfg))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
		return cli.ExitError
	}
	defer func() { _ = jobsCLI.Close() }()
	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
		return cli.ExitError
	}
	_, _ = fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	return cli.ExitOK
}

func runToken(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actor := fs.String("actor", "", "actor the token authenticates as")
	if err := fs.Parse(args); err != nil {
		return cli.ExitError
	}
	if strings.TrimSpace(*actor) == "" {
		_, _ = fmt.Fprintln(stderr, "token: --actor is required")
		return cli.ExitError
	}
	return withPool(ctx, cfg, stderr, func(pool *pgxpool.Pool) int {
		token, err := auth.NewService(auth.NewRepository(pool)).IssueToken(ctx, strings.TrimSpace(*actor))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "token: %v\n", err)
			return cli.ExitError
		}
		_, _ = fmt.Fprintln(stdout, token)
		return cli.ExitOK
	})
}

func runGrant(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actor := fs.String("actor", "", "actor receiving the permissions")
	perms := fs.String("perm", rbac.PermLedgerView, "comma separated permissions")
	if err := fs.Parse(args); err != nil {
		return cli.ExitError
	}
	grants, err := cli.ParseGrants(*actor, *perms)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "grant: %v\n", err)
		return cli.ExitError
	}
	return withPool(ctx, cfg, stderr, func(pool *pgxpool.Pool) int {
		svc := rbac.NewService(pool)
		for _, g := range grants {
			if err := svc.Grant(ctx, g); err != nil {
				_, _ = fmt.Fprintf(stderr, "grant: %v\n", err)
				return cli.ExitError
			}
			_, _ = fmt.Fprintf(stdout, "granted %s to %s\n", g.Permission, g.Actor)
		}
		return cli.ExitOK
	})
}
