package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"veriscribe/internal/docclient"
	"veriscribe/internal/ratelimit"
	"veriscribe/internal/usertoken"
	"veriscribe/internal/util"
	"veriscribe/pkg/ai"
	"veriscribe/pkg/store"
	"veriscribe/services/assist/internal/app"
	"veriscribe/services/assist/internal/config"
	"veriscribe/services/assist/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "assist")

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	var provider ai.Provider
	if cfg.AIOffline {
		provider = ai.NewOfflineProvider(20 * time.Millisecond)
	} else {
		provider, err = ai.NewOpenAICompatProvider(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)
		if err != nil {
			util.Fatal("failed to init ai provider", "err", err)
		}
	}

	var limiter app.Limiter
	if cfg.RedisURL != "" && cfg.RateLimit > 0 {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			util.Fatal("failed to parse redis url", "err", err)
		}
		window, err := config.ParseRateWindow(cfg.RateWindow)
		if err != nil {
			util.Fatal("failed to parse rate window", "err", err)
		}
		limiter, err = ratelimit.NewFixedWindowLimiter(redis.NewClient(opts), "assist:rl", cfg.RateLimit, window)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	exchangeTimeout, err := config.ParseExchangeTimeout(cfg.ExchangeTimeout)
	if err != nil {
		util.Fatal("failed to parse exchange timeout", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:           st,
		Provider:        provider,
		Owners:          docclient.NewClient(cfg.PapersURL),
		Limiter:         limiter,
		ExchangeTimeout: exchangeTimeout,
		HistoryLimit:    cfg.HistoryLimit,
		MaxTokens:       cfg.MaxTokens,
		Temperature:     cfg.Temperature,
		ModelVersion:    cfg.AIModel,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses stay open
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("assist server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
