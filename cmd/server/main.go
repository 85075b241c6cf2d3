package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/jfely/parley/internal/api"
	"github.com/jfely/parley/internal/auth"
	"github.com/jfely/parley/internal/config"
	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/server"
	"github.com/jfely/parley/internal/stats"
)

const defaultSigningKey = "y3A5kX0M2kslQXPcFmrUTEfN+sFuWB1yC9XUgvTo1rU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	sweepInterval  time.Duration
	staleThreshold time.Duration
	systemUser     string
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&sweepInterval, "sweep-interval", config.DefaultSweepInterval, "how often to scan for stale unread messages")
	flag.DurationVar(&staleThreshold, "stale-threshold", config.DefaultStaleThreshold, "age after which an unread message triggers a reminder")
	flag.StringVar(&systemUser, "system-user", config.DefaultSystemUser, "username of the account system notifications are sent as")
	flag.Parse()

	logger := log.New(os.Stderr, "[parley] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, sweepInterval, staleThreshold, systemUser)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	creds := auth.NewBcryptStore(dbConn)
	tokens := auth.NewTokenIssuer(cfg.SigningKey)

	chatServer, err := server.NewChatServer(logger, dbConn, creds, tokens, statsUpdater, cfg.SystemUser)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewParleyApp(mux, logger, chatServer, dbConn, creds, tokens, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	sentinel := server.NewSentinel(logger, chatServer, cfg.SweepInterval, cfg.StaleThreshold)
	go sentinel.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	sentinel.Stop()

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
