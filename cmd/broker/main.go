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

	"github.com/mbaxter/chat-broker/internal/api"
	"github.com/mbaxter/chat-broker/internal/auth"
	"github.com/mbaxter/chat-broker/internal/broker"
	"github.com/mbaxter/chat-broker/internal/config"
	"github.com/mbaxter/chat-broker/internal/stats"
)

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
	signingSecret  string
	internalToken  string
	allowedOrigins stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[chat-broker] ", log.LstdFlags)

	opts, err := config.FromEnv()
	if err != nil {
		logger.Fatal("config env:", err)
	}

	flag.StringVar(&addr, "addr", opts.ServerAddr, "server address")
	flag.StringVar(&signingSecret, "signing-secret", opts.SigningSecret, "base64 encoded token signing secret")
	flag.StringVar(&internalToken, "internal-token", opts.InternalToken, "shared token for the ingestion hook")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	opts.ServerAddr = addr
	opts.SigningSecret = signingSecret
	opts.InternalToken = internalToken
	if len(allowedOrigins) > 0 {
		opts.AllowedOrigins = allowedOrigins
	}

	cfg, err := config.NewConfig(opts)
	if err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	b, err := broker.NewBroker(logger, cfg, statsUpdater)
	if err != nil {
		logger.Fatal("new broker:", err)
	}

	verifier := auth.NewJWTVerifier(cfg.SigningKey)
	srv := api.NewServer(mux, logger, b, verifier, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go b.Run()

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

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down broker...")
	if err := b.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("broker shutdown:", err)
	}

	logger.Println("shutdown complete")
}
