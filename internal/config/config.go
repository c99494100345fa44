package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	// Store
	DBPath             string
	MaxHistoryMessages int

	// Transport
	TelegramToken string
	PollTimeout   int
	OperatorIDs   []int64

	// AI provider
	AIProvider    string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	WhisperModel  string
	OllamaBaseURL string
	OllamaModel   string

	// Knowledge document
	KnowledgeDocURL    string
	KnowledgeCachePath string

	// HTTP API
	HTTPAddr          string
	JWTSecret         string
	AdminPasswordHash string

	// Redis rate limiting (disabled when RedisAddr is empty)
	RedisAddr          string
	RedisPassword      string
	RateLimitPerMinute int

	// RabbitMQ broadcast queue (synchronous fan-out when RabbitURL is empty)
	RabbitURL   string
	RabbitQueue string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// ParseIDList splits a comma-separated id list, skipping blanks and junk.
func ParseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func Load() Config {
	return Config{
		DBPath:             getenv("DB_PATH", "data/barassistant.db"),
		MaxHistoryMessages: getenvInt("MAX_HISTORY_MESSAGES", 20),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		PollTimeout:   getenvInt("POLL_TIMEOUT", 30),
		OperatorIDs:   ParseIDList(os.Getenv("ADMIN_USER_IDS")),

		AIProvider:    getenv("AI_PROVIDER", "openai"),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
		WhisperModel:  getenv("WHISPER_MODEL", "whisper-1"),
		OllamaBaseURL: getenv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:   getenv("OLLAMA_MODEL", "llama3:latest"),

		KnowledgeDocURL:    os.Getenv("KNOWLEDGE_DOC_URL"),
		KnowledgeCachePath: getenv("KNOWLEDGE_CACHE_PATH", "data/knowledge.txt"),

		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		JWTSecret:         getenv("JWT_SECRET", "dev-secret-change-me"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),

		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RateLimitPerMinute: getenvInt("RATE_LIMIT_PER_MINUTE", 20),

		RabbitURL:   os.Getenv("RABBIT_URL"),
		RabbitQueue: getenv("RABBIT_QUEUE", "broadcast_jobs"),
	}
}
