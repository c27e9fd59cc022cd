package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gobwas/wsgate"
	"github.com/gobwas/wsgate/reactor"
)

func main() {
	path := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg.LogLevel)

	m := wsgate.NewMediator(newApp(cfg.Subprotocols, logger.With().Str("component", "app").Logger()))
	m.Handshaker = wsgate.HTTPHandshaker{
		MaxHeaderSize: cfg.MaxHeaderSize,
		CheckOrigin:   originChecker(cfg.AllowedOrigins),
	}
	m.Dispatcher = &wsgate.MessageParser{
		MaxMessageSize: cfg.MaxMessageSize,
	}
	m.Logger = logger.With().Str("component", "mediator").Logger()

	srv := reactor.NewServer(reactor.Config{
		Addr:           cfg.Addr,
		ReadBufferSize: cfg.ReadBufferSize,
		WriteTimeout:   cfg.WriteTimeout,
	}, m)
	srv.Logger = logger.With().Str("component", "reactor").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AdminAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		go func() {
			adminLog := logger.With().Str("component", "admin").Logger()
			if err := serveAdmin(ctx, cfg.AdminAddr, adminLog); err != nil {
				adminLog.Error().Err(err).Msg("admin server failed")
			}
		}()
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(lvl zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "wsgate").Logger()
}
