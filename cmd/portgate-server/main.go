package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BrandonDHaskell/Portgate/server/internal/auth"
	"github.com/BrandonDHaskell/Portgate/server/internal/config"
	"github.com/BrandonDHaskell/Portgate/server/internal/db"
	"github.com/BrandonDHaskell/Portgate/server/internal/grpcapi"
	"github.com/BrandonDHaskell/Portgate/server/internal/httpapi"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/notify"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store/memory"
	sqlitestore "github.com/BrandonDHaskell/Portgate/server/internal/portgate/store/sqlite"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "portgate-server:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout).With("app", "portgate-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores
	st, agentStore, closeStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Notifications
	var notifier notify.Publisher = notify.Nop{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Publishing is best effort; the engine runs without Redis.
			logger.Warn("redis unreachable", "addr", cfg.RedisAddr, "err", err)
		}
		notifier = notify.NewRedis(rdb, cfg.RedisChannel)
	}

	// Services
	gate := authz.NewGate(authz.StoreUsers{Store: st})
	svc := service.New(service.Options{
		Store:            st,
		Gate:             gate,
		Logger:           logger,
		Notifier:         notifier,
		OperationTimeout: cfg.OperationTimeout,
	})
	agents := service.NewAgentRegistry(agentStore, gate)

	if cfg.AdminUsername != "" {
		u, err := svc.Users.Bootstrap(ctx, cfg.AdminUsername)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("admin account ready", "user_id", u.ID, "username", u.Username)
	}

	verifier := service.NewAuditVerifier(st, service.VerifierConfig{
		Schedule:  cfg.AuditVerifySchedule,
		FullEvery: cfg.AuditVerifyFullEvery,
	}, logger)
	svc.Audit.AttachVerifier(verifier)
	if err := verifier.Start(ctx); err != nil {
		return err
	}
	defer verifier.Stop()

	// Transports
	opts := []auth.Option{auth.WithIssuer(cfg.JWTIssuer)}
	if cfg.JWTAudience != "" {
		opts = append(opts, auth.WithAudience(cfg.JWTAudience))
	}
	tokens, err := auth.NewVerifier(cfg.JWTSecret, opts...)
	if err != nil {
		return err
	}

	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger,
		Addr:       cfg.HTTPAddr,
		Services:   svc,
		Agents:     agents,
		Verifier:   tokens,
		TrustProxy: cfg.TrustProxy,
	})
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	var grpcSrv *grpcapi.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		grpcSrv = grpcapi.NewServer(grpcapi.Dependencies{
			Logger: logger,
			Access: svc.Access,
			Agents: agents,
		})
		go func() {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr, "known_agents", len(cfg.KnownAgents))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("grpc server error", "err", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.Shutdown(shutdownCtx)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	return nil
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, store.AgentStore, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store; state is lost on exit")
		return memory.New(), memory.NewAgentStore(cfg.KnownAgents), func() {}, nil
	}

	dbCfg := db.Config{
		Path:      cfg.DBPath,
		Env:       cfg.Env,
		ReadConns: cfg.DBReadConns,
	}
	conn, err := db.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.Seed(ctx, conn, db.SeedOptions{KnownAgents: cfg.KnownAgents}); err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}
	version, err := db.SchemaVersion(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}
	readConn, err := db.OpenReader(ctx, dbCfg)
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}
	logger.Info("database ready", "path", cfg.DBPath, "schema_version", version, "read_conns", cfg.DBReadConns)

	writer := db.NewWorker(conn, db.WithTxTimeout(cfg.OperationTimeout))
	closeFn := func() {
		writer.Close()
		closeDB(readConn, logger)
		closeDB(conn, logger)
	}
	return sqlitestore.New(readConn, writer), sqlitestore.NewAgentStore(readConn, writer), closeFn, nil
}

func closeDB(conn *sql.DB, logger *slog.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("db close", "err", err)
	}
}
