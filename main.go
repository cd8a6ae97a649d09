package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/api"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/captcha"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/config"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/mail"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/oauth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/ratelimit"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

const (
	cleanupInterval  = 24 * time.Hour
	sessionRetention = 7 * 24 * time.Hour
)

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs. Shuts down when ctx is cancelled.
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A non-nil ml replaces the configured mail transport.
func run(ctx context.Context, cfg *config.Config, ready chan<- string, ml mail.Mailer) error {
	log := slog.Default()

	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Background workers stop when run() returns.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	// Without Redis the service runs single-instance: in-process counters, no
	// session cache, synchronous mail.
	var (
		rdb     *redis.Client
		cache   auth.SessionCache = store.NoopSessionCache{}
		health  api.HealthChecker = store.NoopSessionCache{}
		counter ratelimit.CounterStore
	)
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rs := store.NewRedisStore(rdb)
		cache, health = rs, rs
		counter = store.NewRedisCounterStore(rdb)
	} else {
		mem := ratelimit.NewMemoryStore()
		go mem.RunSweeper(bgCtx, time.Minute)
		counter = mem
		log.Warn("REDIS_URL not set; running in single-instance mode")
	}

	if ml == nil {
		ml, err = buildMailer(cfg, rdb, log)
		if err != nil {
			return err
		}
	}
	if q, ok := ml.(*mail.QueuedMailer); ok {
		go q.StartWorker(bgCtx)
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}

	var cv captcha.Verifier = captcha.NopVerifier{}
	if cfg.TurnstileSecret != "" {
		cv = captcha.NewTurnstile(captcha.TurnstileConfig{Secret: cfg.TurnstileSecret, Hostname: cfg.TurnstileHostname})
	}

	svc := auth.NewService(cfg.Auth(), auth.Deps{
		Store:     ps,
		Cache:     cache,
		Limiter:   ratelimit.New(counter),
		Mailer:    ml,
		Providers: providers,
		Logger:    log,
	})
	h := api.NewHandler(svc, api.Options{
		Captcha:           cv,
		CookieSecure:      cfg.CookieSecure,
		HTTPRatePerMinute: cfg.HTTPRatePerMinute,
		Postgres:          ps,
		Redis:             health,
	})

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runCleanup(bgCtx, svc, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("fatos-pro auth listening", "addr", ln.Addr().String(), "oauth_providers", svc.OAuthProviders())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns and waits for in-flight requests, up to 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// buildMailer picks the configured transport. With Redis available, sends go
// through the async queue.
func buildMailer(cfg *config.Config, rdb *redis.Client, log *slog.Logger) (mail.Mailer, error) {
	links := mail.Links{ResetURL: cfg.ResetURL, VerifyURL: cfg.VerifyURL}

	var inner mail.Mailer
	switch cfg.MailProvider {
	case config.MailSMTP:
		inner = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.MailFrom,
			Links:       links,
		})
	case config.MailResend:
		rm, err := mail.NewResendMailer(mail.ResendConfig{APIKey: cfg.ResendAPIKey, FromAddress: cfg.MailFrom, Links: links}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to set up resend mailer: %w", err)
		}
		inner = rm
	default:
		log.Warn("no mail provider configured; outbound email is discarded")
		return &mail.NopMailer{}, nil
	}

	if rdb == nil {
		return inner, nil
	}
	return mail.NewQueuedMailer(inner, rdb, cfg.MailQueueMax, log), nil
}

// buildProviders registers every OAuth provider with a complete client registration.
func buildProviders(ctx context.Context, cfg *config.Config) ([]oauth.Provider, error) {
	var providers []oauth.Provider
	if cfg.Google.Enabled() {
		g, err := oauth.NewGoogleProvider(ctx, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set up google oauth: %w", err)
		}
		providers = append(providers, g)
	}
	if cfg.Facebook.Enabled() {
		providers = append(providers, oauth.NewFacebookProvider(cfg.Facebook.ClientID, cfg.Facebook.ClientSecret, cfg.Facebook.RedirectURL))
	}
	return providers, nil
}

// runCleanup purges expired sessions and tokens once a day until ctx is done.
func runCleanup(ctx context.Context, svc *auth.Service, log *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report, err := svc.Cleanup(ctx, sessionRetention)
			if err != nil {
				log.Warn("cleanup failed", "error", err)
				continue
			}
			log.Info("cleanup complete", "sessions", report.Sessions, "tokens", report.Tokens.Total())
		case <-ctx.Done():
			return
		}
	}
}
