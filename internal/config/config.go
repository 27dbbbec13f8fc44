package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	CommanderTelegram = "telegram"
	CommanderDummy    = "dummy"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderDummy  = "dummy"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// WorkerConfig holds configuration for the bot worker process.
type WorkerConfig struct {
	Commander            string
	TelegramAPIBase      string
	TelegramFileBase     string
	TelegramBotUsername  string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int

	ModelProvider     string
	OpenAIAPIKey      string
	OpenAIChatCompURL string
	OpenAIModel       string
	OpenAIVisionModel string
	GeminiAPIKey      string
	GeminiModel       string
	GeminiBaseURL     string
	VisionMaxTokens   int
	ProviderTimeout   time.Duration

	HistoryWindow int
	TokenBudget   int
	ResetCooldown time.Duration

	DBPath           string
	PersonaFile      string
	LogLevel         slog.Level
	LogFormat        string
	WorkerInstanceID string

	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
}

// LoadWorkerConfig reads worker configuration from environment variables.
func LoadWorkerConfig() (WorkerConfig, error) {
	commander := envOrDefault("BUCCANEER_COMMANDER", CommanderTelegram)
	switch commander {
	case CommanderTelegram, CommanderDummy:
	default:
		return WorkerConfig{}, fmt.Errorf("BUCCANEER_COMMANDER must be %q or %q, got %q", CommanderTelegram, CommanderDummy, commander)
	}
	modelProvider := envOrDefault("BUCCANEER_MODEL_PROVIDER", ProviderOpenAI)
	switch modelProvider {
	case ProviderOpenAI, ProviderGemini, ProviderDummy:
	default:
		return WorkerConfig{}, fmt.Errorf("BUCCANEER_MODEL_PROVIDER must be one of openai, gemini, dummy, got %q", modelProvider)
	}

	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if commander == CommanderTelegram && telegramToken == "" {
		return WorkerConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when BUCCANEER_COMMANDER=telegram")
	}
	openaiKey := os.Getenv("OPENAI_API_KEY")
	if modelProvider == ProviderOpenAI && openaiKey == "" {
		return WorkerConfig{}, fmt.Errorf("OPENAI_API_KEY is required in environment when BUCCANEER_MODEL_PROVIDER=openai")
	}
	geminiKey := os.Getenv("GEMINI_API_KEY")
	if modelProvider == ProviderGemini && geminiKey == "" {
		return WorkerConfig{}, fmt.Errorf("GEMINI_API_KEY is required in environment when BUCCANEER_MODEL_PROVIDER=gemini")
	}

	logLevel, err := parseLogLevel(envOrDefault("BUCCANEER_LOG_LEVEL", "info"))
	if err != nil {
		return WorkerConfig{}, err
	}
	logFormat := envOrDefault("BUCCANEER_LOG_FORMAT", LogFormatText)
	if logFormat != LogFormatText && logFormat != LogFormatJSON {
		return WorkerConfig{}, fmt.Errorf("BUCCANEER_LOG_FORMAT must be %q or %q, got %q", LogFormatText, LogFormatJSON, logFormat)
	}

	limits := map[string]int{
		"BUCCANEER_VISION_MAX_TOKENS":        300,
		"BUCCANEER_PROVIDER_TIMEOUT_SECONDS": 120,
		"TG_TIMEOUT":                         30,
		"TG_SLEEP_SECONDS":                   1,
		"TG_PENDING_WINDOW_SECONDS":          600,
		"TG_PENDING_MAX_MESSAGES":            50,
		"BUCCANEER_HISTORY_WINDOW":           10,
		"BUCCANEER_TOKEN_BUDGET":             1000,
		"BUCCANEER_RESET_COOLDOWN_SECONDS":   180,
	}
	for key, fallback := range limits {
		n, err := envPositiveInt(key, fallback)
		if err != nil {
			return WorkerConfig{}, err
		}
		limits[key] = n
	}

	return WorkerConfig{
		Commander:            commander,
		TelegramAPIBase:      fmt.Sprintf("https://api.telegram.org/bot%s", telegramToken),
		TelegramFileBase:     fmt.Sprintf("https://api.telegram.org/file/bot%s", telegramToken),
		TelegramBotUsername:  os.Getenv("TELEGRAM_BOT_USERNAME"),
		Timeout:              limits["TG_TIMEOUT"],
		SleepSeconds:         limits["TG_SLEEP_SECONDS"],
		DropPending:          envBoolOrDefault("TG_DROP_PENDING", true),
		PendingWindowSeconds: int64(limits["TG_PENDING_WINDOW_SECONDS"]),
		PendingMaxMessages:   limits["TG_PENDING_MAX_MESSAGES"],

		ModelProvider:     modelProvider,
		OpenAIAPIKey:      openaiKey,
		OpenAIChatCompURL: envOrDefault("OPENAI_CHAT_COMPLETIONS_URL", "https://api.openai.com/v1/chat/completions"),
		OpenAIModel:       envOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
		OpenAIVisionModel: envOrDefault("OPENAI_VISION_MODEL", "gpt-4o"),
		GeminiAPIKey:      geminiKey,
		GeminiModel:       envOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:     os.Getenv("GEMINI_BASE_URL"),
		VisionMaxTokens:   limits["BUCCANEER_VISION_MAX_TOKENS"],
		ProviderTimeout:   time.Duration(limits["BUCCANEER_PROVIDER_TIMEOUT_SECONDS"]) * time.Second,

		HistoryWindow: limits["BUCCANEER_HISTORY_WINDOW"],
		TokenBudget:   limits["BUCCANEER_TOKEN_BUDGET"],
		ResetCooldown: time.Duration(limits["BUCCANEER_RESET_COOLDOWN_SECONDS"]) * time.Second,

		DBPath:           envOrDefault("BUCCANEER_DB_PATH", "./state/buccaneer.db"),
		PersonaFile:      os.Getenv("BUCCANEER_PERSONA_FILE"),
		LogLevel:         logLevel,
		LogFormat:        logFormat,
		WorkerInstanceID: envOrDefault("WORKER_INSTANCE_ID", "W000000"),

		DummyProviderScript:  envOrDefault("BUCCANEER_DUMMY_PROVIDER_SCRIPT", "ok"),
		DummyCommanderScript: envOrDefault("BUCCANEER_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      envOrDefault("BUCCANEER_DUMMY_SEND_SCRIPT", "ok"),
	}, nil
}

func parseLogLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("BUCCANEER_LOG_LEVEL is invalid: %q", v)
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envPositiveInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0, got %d", key, n)
	}
	return n, nil
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
