package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"prism-pipeline/api"
	"prism-pipeline/board"
	"prism-pipeline/domain"
	"prism-pipeline/feed"
	"prism-pipeline/ingest"
	"prism-pipeline/move"
	"prism-pipeline/storage"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	boardCfg, err := domain.LoadBoardConfig(cfg.BoardConfigPath)
	if err != nil {
		log.Fatalf("board config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(cfg.RedisOptions)
	defer rc.Close()

	writer, err := newWriter(cfg, rc, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	backfill, err := newBackfill(ctx, cfg)
	if err != nil {
		log.Fatalf("ingest: %v", err)
	}
	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	b, err := board.Open(ctx, boardCfg, board.Deps{
		BoardID:      cfg.BoardID,
		Source:       feed.NewRedisSource(rc, logger),
		Writer:       writer,
		Backfill:     backfill,
		Statuses:     cfg.Statuses,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("open board: %v", err)
	}
	defer b.Close()
	go superviseFeed(ctx, b, logger, stop)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	detach := api.Register(e, b, auth, logger)
	defer detach()

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	log.WithFields(log.Fields{"board": cfg.BoardID, "addr": cfg.ListenAddr}).Info("board server started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	log.Info("board server stopped")
}

func newWriter(cfg config, rc *redis.Client, logger *log.Logger) (move.Writer, error) {
	if cfg.StorageConnStr == "" {
		return storage.NewRedisBoard(rc, cfg.BoardID), nil
	}
	tb, err := storage.NewTableBoard(cfg.StorageConnStr, cfg.ItemsTable, cfg.EventsQueue, cfg.BoardID, logger)
	if err != nil {
		return nil, err
	}
	return tb, nil
}

func newBackfill(ctx context.Context, cfg config) (ingest.Pager, error) {
	if cfg.IngestURL == "" {
		return nil, nil
	}
	var ts oauth2.TokenSource
	switch {
	case cfg.IngestClientID != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.IngestClientID,
			ClientSecret: cfg.IngestClientSecret,
			TokenURL:     cfg.IngestTokenURL,
			Scopes:       cfg.IngestScopes,
		}
		ts = cc.TokenSource(ctx)
	case cfg.IngestToken != "":
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.IngestToken, TokenType: "Bearer"})
	}
	client, err := ingest.NewSearchClient(ctx, ingest.Config{
		BaseURL:     cfg.IngestURL,
		PageSize:    cfg.IngestPageSize,
		TokenSource: ts,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newAuth(cfg config) (*api.Auth, error) {
	if cfg.AuthTestMode {
		return api.NewAuth(api.AuthConfig{SharedSecret: []byte(cfg.TestSecret)}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:     jwks,
		Audience: cfg.AuthAudience,
		Issuer:   "https://" + cfg.AuthDomain + "/",
	}), nil
}

type feedOwner interface {
	ID() string
	Err() <-chan error
	Reconnect(ctx context.Context) error
}

// superviseFeed resubscribes whenever the feed subscription dies. Reconnect already
// retries under the feed's read policy; once that budget is spent, shutdown is called so
// the process is restarted rather than serving a board that no longer syncs.
func superviseFeed(ctx context.Context, b feedOwner, logger *log.Logger, shutdown func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-b.Err():
			if !ok {
				return
			}
			logger.WithError(err).WithField("board", b.ID()).Warn("board feed lost")
			if err := b.Reconnect(ctx); err != nil {
				if errors.Is(err, board.ErrClosed) || ctx.Err() != nil {
					return
				}
				logger.WithError(err).WithField("board", b.ID()).Error("board feed reconnect failed")
				shutdown()
				return
			}
			logger.WithField("board", b.ID()).Info("board feed restored")
		}
	}
}
