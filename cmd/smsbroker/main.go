package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/api/rest"
	"github.com/danilovkiri/dk-go-smsbroker/internal/app"
	"github.com/danilovkiri/dk-go-smsbroker/internal/bot/telegram"
	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/selector"
	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/logger"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/broker"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/processor"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/secretary"
	"golang.org/x/sync/errgroup"
)

func main() {
	// get configuration
	cfg, err := config.NewConfiguration()
	if err != nil {
		logger.InitLog("info").Fatal().Err(err).Msg("")
	}
	log := logger.InitLog(cfg.ServerConfig.LogLevel)
	if err := cfg.ParseFlags(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// initialize storage and admin-facing services
	a, err := app.Init(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("closing storage failed")
		}
	}()

	secretaryService, err := secretary.NewSecretaryService(cfg.SecretConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	providerClient, err := selector.InitProvider(cfg.ProviderConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}

	// initialize main service
	mainService, err := processor.InitService(a.Storage, secretaryService, providerClient, a.Services, a.Locks, cfg.ServerConfig.DefaultQuota, log)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}

	server, err := rest.InitServer(cfg.ServerConfig, mainService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msg("server start attempted")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("server shutdown attempted")
		ctxTO, cancelTO := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTO()
		return server.Shutdown(ctxTO)
	})
	g.Go(func() error {
		return broker.InitBroker(mainService, cfg.QueueConfig, log).ListenAndProcess(gctx)
	})
	// mappings written by smsadmin reach this process through the store
	g.Go(func() error {
		return a.Services.Mapper.Watch(gctx, cfg.QueueConfig.RefreshInterval)
	})
	if cfg.BotConfig.TelegramToken != "" && cfg.BotConfig.AdminID != 0 {
		bot, err := telegram.NewBot(telegram.APIAddress, cfg.BotConfig.TelegramToken, a.Dispatcher, log)
		if err != nil {
			log.Fatal().Err(err).Msg("")
		}
		g.Go(func() error {
			return bot.Run(gctx)
		})
	} else {
		log.Info().Msg("telegram bot not configured (missing token or admin ID)")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown with error")
		return
	}
	log.Info().Msg("server shutdown succeeded")
}
