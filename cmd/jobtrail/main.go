// jobtrail runs one inbox sync from the command line and prints the counters.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"jobtrail/internal/classifier"
	"jobtrail/internal/config"
	"jobtrail/internal/mailsource"
	"jobtrail/internal/repository/postgres"
	"jobtrail/internal/repository/sqlite"
	"jobtrail/internal/service/reconcile"
	pkgconfig "jobtrail/pkg/config"
	"jobtrail/pkg/db"
	"jobtrail/pkg/logger"
	"jobtrail/pkg/mq"
	"jobtrail/pkg/outbox"
)

type options struct {
	userID    int64
	hours     int
	store     string
	env       string
	configDir string
	labels    []string
	authorize bool
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("jobtrail", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.Int64Var(&opts.userID, "user", 1, "user id the applications belong to")
	fs.IntVar(&opts.hours, "hours", 0, "lookback window in hours (default: sync.default_hours)")
	fs.StringVar(&opts.store, "store", "sqlite", "application store: sqlite or postgres")
	fs.StringVar(&opts.env, "env", pkgconfig.GetConfigEnv(), "config environment")
	fs.StringVar(&opts.configDir, "config", "config", "config directory")
	fs.StringSliceVar(&opts.labels, "labels", nil, "labels or folders to scan (default: from config)")
	fs.BoolVar(&opts.authorize, "authorize", false, "run the interactive Gmail authorization and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.userID <= 0 {
		return nil, fmt.Errorf("--user must be positive, got %d", opts.userID)
	}
	if opts.hours < 0 {
		return nil, fmt.Errorf("--hours must not be negative, got %d", opts.hours)
	}
	if opts.store != "sqlite" && opts.store != "postgres" {
		return nil, fmt.Errorf("--store must be sqlite or postgres, got %q", opts.store)
	}
	return opts, nil
}

// cliStore 同步所需的存储以及 outbox 事件来源
type cliStore interface {
	reconcile.Store
	outbox.EventSource
}

func run(args []string, in io.Reader, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.env, opts.configDir)
	if err != nil {
		return err
	}

	log := logger.NewLogger(opts.env)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.authorize {
		return mailsource.NewGmailSource(cfg.Gmail, log).Authorize(ctx, in, out)
	}

	store, closeStore, err := openStore(ctx, opts.store, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hours := opts.hours
	if hours == 0 {
		hours = cfg.Sync.DefaultHours
	}

	cls := classifier.FromConfig(cfg.LLM, log)
	source := mailsource.FromConfig(cfg.Gmail, cfg.IMAP, log)
	svc := reconcile.NewService(source, cls, store, log, reconcile.Options{
		MaxResults: cfg.Sync.MaxResults,
		Labels:     opts.labels,
	})

	runCtx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout())
	defer cancel()

	result, err := svc.Run(runCtx, opts.userID, hours)
	switch {
	case errors.Is(err, reconcile.ErrSourceNotConfigured):
		return fmt.Errorf("%w: put credentials.json next to the binary and run with --authorize, or enable imap", err)
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "fetched=%d created=%d updated=%d\n", result.Fetched, result.Created, result.Updated)
	if result.TimedOut {
		fmt.Fprintln(out, "sync timed out; remaining messages will be picked up on the next run")
	}

	flushOutbox(ctx, cfg.MQ.URL, store, log)
	return nil
}

func openStore(ctx context.Context, kind string, cfg *config.Config, log *zap.Logger) (cliStore, func(), error) {
	if kind == "postgres" {
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.NewStore(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgStore{Store: st}, pool.Close, nil
	}

	st, err := sqlite.Open(cfg.SQLite.Path, log)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}

// pgStore exposes the Postgres outbox repository next to the store.
type pgStore struct {
	*postgres.Store
}

func (s pgStore) GetPendingEvents(ctx context.Context, limit int) ([]*outbox.Event, error) {
	return s.Outbox().GetPendingEvents(ctx, limit)
}

func (s pgStore) MarkAsSent(ctx context.Context, eventID int64) error {
	return s.Outbox().MarkAsSent(ctx, eventID)
}

func (s pgStore) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	return s.Outbox().MarkAsFailed(ctx, eventID, maxRetries)
}

// flushOutbox 发布一批待发送事件；MQ 未配置时事件留在 outbox 中
func flushOutbox(ctx context.Context, url string, events outbox.EventSource, log *zap.Logger) {
	if url == "" {
		return
	}
	publisher, err := mq.NewPublisher(url)
	if err != nil {
		log.Warn("MQ unavailable, events stay in outbox", zap.Error(err))
		return
	}
	defer publisher.Close()

	sent := outbox.NewDispatcher(events, publisher, log).ProcessPending(ctx)
	log.Info("Outbox flushed", zap.Int("sent", sent))
}
