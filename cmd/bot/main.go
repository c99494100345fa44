package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"barassistant/internal/ai"
	"barassistant/internal/assistant"
	"barassistant/internal/bot"
	"barassistant/internal/config"
	"barassistant/internal/history"
	"barassistant/internal/httpapi"
	"barassistant/internal/httpapi/handlers"
	"barassistant/internal/kb"
	"barassistant/internal/queue/rabbitmq"
	"barassistant/internal/ratelimit"
	"barassistant/internal/telegram"
	"barassistant/internal/transcribe"
)

func main() {
	cfg := config.Load()

	if cfg.TelegramToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}

	store, err := history.Open(cfg.DBPath, cfg.MaxHistoryMessages)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	knowledge := kb.New(cfg.KnowledgeDocURL, cfg.KnowledgeCachePath)
	if n, err := knowledge.Load(context.Background()); err != nil {
		log.Printf("knowledge document unavailable, assistant starts without it: %v", err)
	} else {
		log.Printf("knowledge document loaded, %d bytes", n)
	}

	reg := ai.NewRegistry()
	reg.Register("openai", ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel))
	reg.Register("ollama", ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel))
	provider, err := reg.Get(strings.ToLower(cfg.AIProvider))
	if err != nil {
		log.Fatalf("select provider: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "chat", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("redis unavailable, rate limiting disabled: %v", err)
			limiter = nil
		}
	}

	var publisher *rabbitmq.Publisher
	if cfg.RabbitURL != "" {
		publisher, err = rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Printf("rabbitmq unavailable, broadcasts run synchronously: %v", err)
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	tg := telegram.NewClient(cfg.TelegramToken, time.Duration(cfg.PollTimeout+15)*time.Second)
	svc := assistant.New(store, provider, knowledge)

	opts := bot.Options{
		Transport:   tg,
		Store:       store,
		Assistant:   svc,
		Transcriber: transcribe.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.WhisperModel),
		Knowledge:   knowledge,
		Limiter:     limiter,
		OperatorIDs: cfg.OperatorIDs,
		PollTimeout: cfg.PollTimeout,
	}
	if publisher != nil {
		opts.Publisher = publisher
	}
	b := bot.New(opts)

	var pub handlers.Publisher
	if publisher != nil {
		pub = publisher
	}
	h := handlers.NewHandler(store, cfg, tg, pub)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(h, cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("http api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http api: %v", err)
		}
	}()

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("bot stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	log.Printf("bye")
}
