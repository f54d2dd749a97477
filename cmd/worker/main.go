package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/logging"
	"rollcall/internal/queue"
	"rollcall/internal/refresh"
	"rollcall/internal/store"
	"rollcall/internal/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rollcall-worker",
		Short:         "Drains queued check-ins into the attendance store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newOnceCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newIssueTokenCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain on a fixed interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()
			if interval <= 0 {
				interval = rt.cfg.DrainInterval
			}
			rt.logger.Info("worker started", "interval", interval, "batch", rt.cfg.DrainBatchSize)
			runLoop(ctx, rt.worker, interval, rt.cfg.DrainBatchSize, rt.cfg.DrainTimeout, rt.logger)
			rt.logger.Info("worker stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Drain interval (defaults to DRAIN_INTERVAL)")
	return cmd
}

func newOnceCommand() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single drain cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()
			if batch <= 0 {
				batch = rt.cfg.DrainBatchSize
			}
			ctx, cancel := context.WithTimeout(ctx, rt.cfg.DrainTimeout)
			defer cancel()
			res, err := rt.worker.Drain(ctx, batch)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "Batch size (defaults to DRAIN_BATCH_SIZE)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the queue backlog and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			rt, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close()
			return printJSON(cmd, attendance.NewMonitor(rt.queue, rt.cfg.QueueAlarmThreshold, nil, rt.logger).Status(ctx))
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Production() {
				return fmt.Errorf("issue-token is disabled in production")
			}
			tok, exp, err := auth.Issue(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"token": tok, "expires_at": exp})
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&role, "role", "participant", "Role claim (participant, instructor, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// workerEnv holds the handles of one CLI invocation.
type workerEnv struct {
	cfg     config.App
	logger  *slog.Logger
	queue   queue.Queue
	worker  *attendance.Worker
	closers []func()
}

func (r *workerEnv) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// setup connects what the command needs. withStore also opens Postgres and
// NATS and builds the worker.
func setup(ctx context.Context, withStore bool) (*workerEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueueBackend != "redis" {
		return nil, fmt.Errorf("worker needs the redis queue backend, got %q", cfg.QueueBackend)
	}
	logger := logging.New(os.Stderr, cfg.Production(), cfg.LogLevel)
	slog.SetDefault(logger)

	rt := &workerEnv{cfg: cfg, logger: logger}
	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	rt.closers = append(rt.closers, func() { _ = redisClient.Close() })
	rt.queue = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	if !withStore {
		return rt, nil
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Component:   "worker",
		ServiceName: cfg.OTELServiceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = shutdownTracing(context.Background()) })

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	repo := attendance.NewRepository(db.Client)
	if err := repo.VerifyUniqueConstraint(ctx); err != nil {
		if cfg.RequireUniqueConstraint {
			rt.close()
			return nil, err
		}
		logger.Warn("continuing without verified unique constraint", "error", err)
	}

	notifiers := refresh.Multi{refresh.NewRedisNotifier(redisClient.Client)}
	if cfg.NATSURL != "" {
		nc, err := store.NewNATS(cfg.NATSURL, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		rt.closers = append(rt.closers, nc.Close)
		notifiers = append(notifiers, refresh.NewNATSNotifier(nc.Conn))
	}

	var lock attendance.Locker
	if cfg.DrainLockTTL > 0 {
		lock = attendance.NewRedisLock(redisClient.Client, "", cfg.DrainLockTTL)
	}
	rt.worker = attendance.NewWorker(rt.queue, repo, notifiers, lock, nil, logger)
	rt.worker.SetPersistTimeout(cfg.DrainTimeout)
	return rt, nil
}
