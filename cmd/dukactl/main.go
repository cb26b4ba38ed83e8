package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dukapos/internal/appstate"
	"dukapos/internal/cache"
	"dukapos/internal/client"
	"dukapos/internal/config"
)

var (
	// Global flags
	verbose bool
	baseURL string
	shopID  string

	logger *zap.Logger
	app    *deps
)

// deps is built once per invocation and torn down after the command runs.
type deps struct {
	cfg     config.Config
	state   *appstate.Store
	client  *client.Client
	closers []func() error
}

var rootCmd = &cobra.Command{
	Use:   "dukactl",
	Short: "Run shop shifts from the terminal",
	Long: `dukactl drives a cashier's shift against the shop backend: open with a
float, record cash movements, count stock, declare totals and close.

Sign in first with "dukactl login"; the session is kept in STATE_FILE.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logConfig := zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = logConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		app, err = buildDeps(cmd.Context())
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		defer func() { _ = logger.Sync() }()
		return app.close(cmd.Context())
	},
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		cfg.APIBaseURL = baseURL
	}

	d := &deps{cfg: cfg}
	d.state = appstate.New(appstate.NewFilePersister(cfg.StateFile), appstate.WithDefaultCurrency(cfg.DefaultCurrency))
	if err := d.state.Load(ctx); err != nil {
		return nil, fmt.Errorf("load state %s: %w", cfg.StateFile, err)
	}
	if shopID != "" {
		if err := d.state.SetShop(ctx, shopID); err != nil {
			return nil, err
		}
	}

	var qc cache.QueryCache = cache.NewMemoryQueryCache()
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisQueryCache(cfg.RedisURL)
		switch {
		case err != nil:
			logger.Warn("invalid REDIS_URL, using in-process cache", zap.Error(err))
		case redisCache.Ping(ctx) != nil:
			logger.Warn("redis unavailable, using in-process cache")
			_ = redisCache.Close()
		default:
			qc = redisCache
			d.closers = append(d.closers, redisCache.Close)
		}
	}

	opts := []client.Option{
		client.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout()}),
		client.WithCache(qc, cfg.QueryCacheTTL()),
		client.WithLogger(logger.Named("client")),
	}
	if user, ok := d.state.User(); ok {
		opts = append(opts, client.WithToken(user.Token))
	}
	d.client = client.New(cfg.APIBaseURL, opts...)
	return d, nil
}

func (d *deps) close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	err := d.state.Close(ctx)
	for _, closeFn := range d.closers {
		if cerr := closeFn(); cerr != nil {
			logger.Warn("close", zap.Error(cerr))
		}
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&baseURL, "api", "", "Backend base URL (overrides API_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&shopID, "shop", "", "Select a shop before running the command")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, shiftCmd, stockCmd, saleCmd, expenseCmd, dashboardCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

// describe turns client errors into one line an operator can act on.
func describe(err error) string {
	switch {
	case client.IsAuth(err):
		return fmt.Sprintf("not allowed: %v (try dukactl login)", err)
	case client.IsValidation(err):
		return fmt.Sprintf("invalid input: %v", err)
	case client.IsRetryable(err):
		return fmt.Sprintf("temporary failure, safe to retry: %v", err)
	default:
		return fmt.Sprintf("error: %v", err)
	}
}
