package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-team-auth/backend"
	"github.com/jrsteele09/go-team-auth/backend/httpbackend"
	"github.com/jrsteele09/go-team-auth/internal/config"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/server"
	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/jrsteele09/go-team-auth/storage/memory"
	"github.com/jrsteele09/go-team-auth/storage/redisstore"
	"github.com/jrsteele09/go-team-auth/teamauth"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Error().Err(err).Msg("error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.New()
	if err != nil {
		return errors.Wrap(err, "[run]")
	}
	obs.SetupLogger(c.GetEnv(), c.GetLogLevel())
	displayAppname(c.GetAppName())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := openStorage(c)
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := openBackend(c)
	if err != nil {
		return err
	}

	client, err := teamauth.New(c, b, store, teamauth.WithMetrics(obs.NewMetrics(reg)))
	if err != nil {
		return fmt.Errorf("teamauth.New: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("client.Start: %w", err)
	}
	go logNotices(ctx, client)

	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           server.New(c, client, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- listenAndServe(httpServer) }()

	select {
	case err := <-serveErr:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(httpServer)
}

type closableStorage interface {
	storage.Storage
	io.Closer
}

// redisStorage also owns the connection pool.
type redisStorage struct {
	*redisstore.Store
	rdb *redis.Client
}

func (r redisStorage) Close() error {
	err := r.Store.Close()
	if cerr := r.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

func openStorage(c config.Config) (closableStorage, error) {
	switch c.GetStorageDriver() {
	case config.StorageDriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.GetRedisAddr(),
			Password: c.GetRedisPassword(),
			DB:       c.GetRedisDB(),
		})
		store, err := redisstore.New(rdb, c.GetOrigin())
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redisstore.New: %w", err)
		}
		log.Info().Str("addr", c.GetRedisAddr()).Str("origin", c.GetOrigin()).Msg("using redis storage")
		return redisStorage{Store: store, rdb: rdb}, nil
	default:
		log.Info().Msg("using in-memory storage, tabs in other processes will not be seen")
		return memory.NewOrigin().Handle(), nil
	}
}

func openBackend(c config.Config) (backend.Backend, error) {
	if c.GetBackendURL() == "" {
		return seedDemoBackend(c)
	}
	b, err := httpbackend.New(c.GetBackendURL(), c.GetBackendAnonKey())
	if err != nil {
		return nil, fmt.Errorf("httpbackend.New: %w", err)
	}
	log.Info().Str("url", c.GetBackendURL()).Msg("using remote backend")
	return b, nil
}

func logNotices(ctx context.Context, client *teamauth.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-client.Notices():
			log.Warn().Str("kind", string(n.Kind)).Str("session_id", n.SessionID).Msg(n.Message)
		}
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
