package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/catalog"
	"github.com/roach88/animeboard/internal/config"
	"github.com/roach88/animeboard/internal/engine"
	"github.com/roach88/animeboard/internal/objectstore"
	"github.com/roach88/animeboard/internal/session"
	"github.com/roach88/animeboard/internal/store"
	"github.com/roach88/animeboard/internal/subscription"
)

// Transport is the push channel a command runs over. A nil Publisher
// leaves changes in the store's change log for a relay to tail.
type Transport struct {
	Publisher  bus.Publisher
	Subscriber bus.Subscriber
	Close      func() error
}

// Dialer builds the collaborators commands need from configuration.
type Dialer interface {
	Transport(ctx context.Context, cfg *config.Config) (*Transport, error)
	Catalog(cfg *config.Config) (catalog.Fetcher, func() error, error)
	Storage(ctx context.Context, cfg *config.Config) (objectstore.Backend, func() error, error)
}

type defaultDialer struct{}

func (defaultDialer) Transport(ctx context.Context, cfg *config.Config) (*Transport, error) {
	switch cfg.Bus.Kind {
	case "websocket":
		var opts []bus.ClientOption
		if cfg.User.Token != "" {
			opts = append(opts, bus.WithHeader(http.Header{"Authorization": {"Bearer " + cfg.User.Token}}))
		}
		c := bus.NewClient(cfg.Bus.URL, opts...)
		return &Transport{Subscriber: c, Close: c.Close}, nil
	case "amqp":
		a, err := bus.DialAMQP(cfg.Bus.AMQPURL, cfg.Bus.AMQPExchange)
		if err != nil {
			return nil, err
		}
		return &Transport{Publisher: a, Subscriber: a, Close: a.Close}, nil
	default:
		m := bus.NewMemory(0)
		return &Transport{Publisher: m, Subscriber: m, Close: m.Close}, nil
	}
}

func (defaultDialer) Catalog(cfg *config.Config) (catalog.Fetcher, func() error, error) {
	client := catalog.NewClient(cfg.Catalog.BaseURL, catalog.WithTimeout(cfg.Catalog.FetchTimeout))
	if cfg.Redis.Addr == "" {
		return client, noop, nil
	}
	rdb, err := catalog.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		// The cache is an optimization; run against the origin.
		slog.Warn("catalog cache unavailable", "addr", cfg.Redis.Addr, "error", err)
		return client, noop, nil
	}
	return catalog.NewRedisCache(client, rdb, cfg.Catalog.CacheTTL), rdb.Close, nil
}

func (defaultDialer) Storage(ctx context.Context, cfg *config.Config) (objectstore.Backend, func() error, error) {
	sc := cfg.Storage
	switch sc.Kind {
	case "s3":
		b, err := objectstore.NewS3(sc.S3Region, sc.S3Bucket)
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	case "gcs":
		b, err := objectstore.NewGCS(ctx, sc.GCSBucket, sc.GCSCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		b, err := objectstore.NewLocal(sc.LocalDir, sc.LocalBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	}
}

func noop() error { return nil }

// needs selects what openApp wires beyond the store.
type needs struct {
	scope    bool
	catalog  bool
	uploader bool
}

// app is one command's runtime: the store, the push transport and,
// for user-facing commands, a running scope.
type app struct {
	cfg   *config.Config
	store *store.Store
	tr    *Transport
	scope *engine.Scope

	closers []func() error
	stop    context.CancelFunc
	errc    chan error
}

// openApp wires the collaborators for cmd. The caller must Close it.
func openApp(cmd *cobra.Command, opts *RootOptions, n needs) (*app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	a := &app{cfg: cfg}

	tr, err := opts.Dial.Transport(ctx, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open bus", err)
	}
	a.tr = tr
	a.closers = append(a.closers, tr.Close)

	var sopts []store.Option
	if tr.Publisher != nil {
		sopts = append(sopts, store.WithPublisher(tr.Publisher))
	}
	st, err := store.Open(cfg.DB.Path, sopts...)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if !n.scope {
		return a, nil
	}

	user, err := identity(cfg.User)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "no user", err)
	}

	scopeOpts := []engine.Option{
		engine.WithWriteTimeout(cfg.Sync.WriteTimeout),
		engine.WithFetchTimeout(cfg.Catalog.FetchTimeout),
		engine.WithBackoff(subscription.Backoff{
			Base:     cfg.Sync.BackoffBase,
			Factor:   2,
			Max:      cfg.Sync.BackoffMax,
			Attempts: cfg.Sync.BackoffAttempts,
		}),
	}
	if n.catalog {
		f, closeFn, err := opts.Dial.Catalog(cfg)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open catalog", err)
		}
		a.closers = append(a.closers, closeFn)
		scopeOpts = append(scopeOpts, engine.WithFetcher(f))
	}
	if n.uploader {
		b, closeFn, err := opts.Dial.Storage(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
		}
		a.closers = append(a.closers, closeFn)
		scopeOpts = append(scopeOpts, engine.WithUploader(objectstore.NewUploader(b)))
	}

	a.scope = engine.New(user, st, tr.Subscriber, scopeOpts...)
	runCtx, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	a.errc = make(chan error, 1)
	go func() { a.errc <- a.scope.Run(runCtx) }()
	return a, nil
}

// identity resolves the acting user: a token wins over a bare id.
func identity(uc config.UserConfig) (session.Identity, error) {
	if uc.Token != "" {
		return session.Parse(uc.Token, []byte(uc.JWTSecret))
	}
	if uc.ID == "" {
		return session.Identity{}, errors.New("set user.token or user.id (or --user)")
	}
	return session.Identity{UserID: uc.ID, Email: uc.Email}, nil
}

// settle waits for outstanding writes and turns the first recorded
// failure into an ExitFailure.
func (a *app) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Sync.WriteTimeout+time.Second)
	defer cancel()
	if err := a.scope.Flush(ctx); err != nil {
		return WrapExitError(ExitFailure, "writes did not settle", err)
	}
	return a.failed()
}

func (a *app) failed() error {
	failures := a.scope.Failures()
	if len(failures) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		msgs = append(msgs, f.Message)
	}
	f := failures[0]
	return WrapExitError(ExitFailure, strings.Join(msgs, "; "), &f)
}

// check converts a scope call error into an ExitError.
func check(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *engine.Failure
	if errors.As(err, &f) {
		return WrapExitError(ExitFailure, f.Message, f)
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", op), err)
}

// Close stops the scope, then releases collaborators in reverse order.
func (a *app) Close() {
	if a.scope != nil {
		a.scope.Close()
		a.stop()
		<-a.errc
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Debug("close failed", "error", err)
		}
	}
}
