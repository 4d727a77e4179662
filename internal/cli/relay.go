package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/config"
	"github.com/roach88/animeboard/internal/session"
	"github.com/roach88/animeboard/internal/store"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr string
	Poll time.Duration
	From int64
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the push channel over websocket",
		Long: `Serve the push channel to websocket clients (bus.kind=websocket).

The relay tails the store's change log and fans each new change out to
the clients subscribed to its topic. With bus.kind=amqp it relays the
broker's exchange instead. When user.jwt_secret is set, clients must
present a token as "Authorization: Bearer <jwt>" or ?token=<jwt>.

Endpoints:
  GET /ws        websocket frames (subscribe, unsubscribe, event)
  GET /healthz   status and connected clients
  GET /media/*   uploaded files (storage.kind=local)

Examples:
  animeboard relay
  animeboard relay --addr :9000 --poll 100ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides relay.addr)")
	cmd.Flags().DurationVar(&opts.Poll, "poll", 200*time.Millisecond, "change log poll interval")
	cmd.Flags().Int64Var(&opts.From, "from", -1, "relay changes after this seq (-1 starts at the newest)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	if opts.Poll <= 0 {
		return NewExitError(ExitCommandError, "--poll must be positive")
	}
	a, err := openApp(cmd, opts.RootOptions, needs{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg := a.cfg
	var source bus.Subscriber
	tailDone := make(chan struct{})
	if cfg.Bus.Kind == "amqp" {
		source = a.tr.Subscriber
		close(tailDone)
	} else {
		mem := bus.NewMemory(0)
		defer mem.Close()
		a.store.SetPublisher(mem)
		source = mem

		from := opts.From
		if from < 0 {
			if from, err = a.store.LastSeq(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to read change log", err)
			}
		}
		go func() {
			defer close(tailDone)
			tailChanges(ctx, a.store, from, opts.Poll)
		}()
	}

	hubOpts := []bus.HubOption{bus.WithOriginCheck(originChecker(cfg.Relay.AllowOrigins))}
	if cfg.User.JWTSecret != "" {
		hubOpts = append(hubOpts, bus.WithAuthenticator(tokenAuthenticator([]byte(cfg.User.JWTSecret))))
	}
	hub := bus.NewHub(source, hubOpts...)

	if opts.Verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	addr := cfg.Relay.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRelayRouter(cfg, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", addr, "bus", cfg.Bus.Kind)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		cancel()
		<-tailDone
		hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "relay stopped", err)
	case <-ctx.Done():
	}

	slog.Info("relay shutting down")
	hub.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay shutdown", "error", err)
	}
	<-tailDone
	return nil
}

// tailChanges publishes every change logged after seq through the
// store's publisher until ctx is done.
func tailChanges(ctx context.Context, st *store.Store, seq int64, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	slog.Debug("tailing change log", "after", seq)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last, err := st.Replay(ctx, seq, "")
			if err != nil && ctx.Err() == nil {
				slog.Warn("change log tail failed", "after", seq, "error", err)
			}
			seq = last
		}
	}
}

// newRelayRouter mounts the hub and health endpoints behind CORS.
func newRelayRouter(cfg *config.Config, hub *bus.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	if mw, ok := corsMiddleware(cfg.Relay.AllowOrigins); ok {
		r.Use(mw)
	}

	r.GET("/ws", gin.WrapH(hub))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Connections()})
	})
	if cfg.Storage.Kind == "local" && cfg.Storage.LocalDir != "" {
		r.Static("/media", cfg.Storage.LocalDir)
	}
	return r
}

func corsMiddleware(origins []string) (gin.HandlerFunc, bool) {
	if len(origins) == 0 {
		return nil, false
	}
	cc := cors.DefaultConfig()
	if slices.Contains(origins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
		cc.AllowCredentials = true
	}
	cc.AddAllowHeaders("Authorization")
	cc.MaxAge = 12 * time.Hour
	return cors.New(cc), true
}

// originChecker applies the CORS origin list to websocket upgrades,
// which browsers do not preflight.
func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(origins, "*") {
			return true
		}
		return slices.Contains(origins, origin)
	}
}

func tokenAuthenticator(secret []byte) func(*http.Request) error {
	return func(r *http.Request) error {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			return errors.New("missing token")
		}
		_, err := session.Parse(token, secret)
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("relay request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
