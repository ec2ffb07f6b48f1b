package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	AllowedOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// job queue
	JobTTL           time.Duration
	JobQueueKey      string
	DefaultAgentType string

	// realtime hub
	EnableDBLogging bool
	DBDSN           string
	JWTSecret       string
	HubSendBuffer   int

	// AI provider (worker)
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
	WorkerConcurrency int

	// rabbitMQ (optional cross-process fan-out)
	RabbitURL      string
	RabbitExchange string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}

	origins := validOrigins(splitList(os.Getenv("ALLOWED_ORIGINS")))
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}

	jobTTL := time.Hour
	if n := intEnv("JOB_TTL_SECONDS", 0); n > 0 {
		jobTTL = time.Duration(n) * time.Second
	}

	queueKey := os.Getenv("JOB_QUEUE_KEY")
	if queueKey == "" {
		queueKey = "job_queue"
	}

	agentType := os.Getenv("DEFAULT_AGENT_TYPE")
	if agentType == "" {
		agentType = "gemini-vision"
	}

	// DSN demo:
	// file:colony.db?_pragma=busy_timeout(5000)
	// app:apppass@tcp(127.0.0.1:3306)/colony?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = "file:colony.db"
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}

	sendBuffer := intEnv("HUB_SEND_BUFFER", 64)
	if sendBuffer <= 0 {
		sendBuffer = 64
	}

	aiProvider := os.Getenv("AI_PROVIDER")
	if aiProvider == "" {
		aiProvider = "ollama"
	}

	ollamaBaseURL := os.Getenv("OLLAMA_BASE_URL")
	if ollamaBaseURL == "" {
		ollamaBaseURL = "http://localhost:11434"
	}

	ollamaModel := os.Getenv("OLLAMA_MODEL")
	if ollamaModel == "" {
		ollamaModel = "llama3:latest"
	}

	openRouterBaseURL := os.Getenv("OPENROUTER_BASE_URL")
	if openRouterBaseURL == "" {
		openRouterBaseURL = "https://openrouter.ai/api/v1"
	}
	openRouterModel := os.Getenv("OPENROUTER_MODEL")
	if openRouterModel == "" {
		openRouterModel = "openrouter/auto"
	}

	concurrency := intEnv("WORKER_CONCURRENCY", 2)
	if concurrency <= 0 {
		concurrency = 2
	}
	if concurrency > 50 {
		concurrency = 50
	}

	exchange := os.Getenv("RABBIT_EXCHANGE")
	if exchange == "" {
		exchange = "colony.events"
	}

	return Config{
		Port:           port,
		AllowedOrigins: origins,

		RedisAddr:     redisAddr,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       intEnv("REDIS_DB", 0),

		JobTTL:           jobTTL,
		JobQueueKey:      queueKey,
		DefaultAgentType: agentType,

		EnableDBLogging: os.Getenv("ENABLE_DB_LOGGING") == "true",
		DBDSN:           dsn,
		JWTSecret:       secret,
		HubSendBuffer:   sendBuffer,

		AIProvider:        aiProvider,
		OllamaBaseURL:     ollamaBaseURL,
		OllamaModel:       ollamaModel,
		OpenRouterBaseURL: openRouterBaseURL,
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   openRouterModel,
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),
		WorkerConcurrency: concurrency,

		RabbitURL:      os.Getenv("RABBIT_URL"),
		RabbitExchange: exchange,
	}
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validOrigins keeps "*" and scheme-qualified origins; anything else would
// make the CORS middleware panic at startup.
func validOrigins(in []string) []string {
	var out []string
	for _, o := range in {
		if o == "*" {
			out = append(out, o)
			continue
		}
		lower := strings.ToLower(o)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			log.Printf("[config] ignoring ALLOWED_ORIGINS entry without http(s) scheme: %q", o)
			continue
		}
		out = append(out, strings.TrimRight(o, "/"))
	}
	return out
}
