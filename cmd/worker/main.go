package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdpkg "github.com/stupiduntilnot/buccaneer/internal/commander"
	"github.com/stupiduntilnot/buccaneer/internal/config"
	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
	"github.com/stupiduntilnot/buccaneer/internal/control"
	"github.com/stupiduntilnot/buccaneer/internal/db"
	"github.com/stupiduntilnot/buccaneer/internal/dispatch"
	"github.com/stupiduntilnot/buccaneer/internal/dummy"
	"github.com/stupiduntilnot/buccaneer/internal/gemini"
	"github.com/stupiduntilnot/buccaneer/internal/model"
	"github.com/stupiduntilnot/buccaneer/internal/openai"
	"github.com/stupiduntilnot/buccaneer/internal/persona"
	"github.com/stupiduntilnot/buccaneer/internal/session"
	"github.com/stupiduntilnot/buccaneer/internal/telegram"
)

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// run wires every component and polls until ctx is cancelled.
func run(ctx context.Context, cfg config.WorkerConfig, logger *slog.Logger) error {
	logger = logger.With("worker_id", cfg.WorkerInstanceID)

	journal, err := db.OpenJournal(cfg.DBPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	p, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		return err
	}

	commander, err := newCommander(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init commander: %w", err)
	}
	requester, err := newRequester(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("failed to init model provider: %w", err)
	}

	botUsername := resolveBotUsername(ctx, commander, cfg.TelegramBotUsername, logger)

	registry := session.NewRegistry(session.Config{
		MaxHistory:    cfg.HistoryWindow,
		TokenBudget:   cfg.TokenBudget,
		ResetCooldown: cfg.ResetCooldown,
	})
	dispatcher := dispatch.New(dispatch.Options{
		Registry:  registry,
		Requester: requester,
		Transport: commander,
		Persona:   p,
		Assembler: &ctxpkg.StandardAssembler{},
		Journal:   journal,
		Logger:    logger,
		// Commands addressed to other bots in group chats are plain text.
		BotUsername: botUsername,
	})

	processEventID, err := journal.Record(nil, db.EventProcessStarted, map[string]any{
		"role":        "worker",
		"pid":         os.Getpid(),
		"instance_id": cfg.WorkerInstanceID,
		"provider":    cfg.ModelProvider,
		"source":      cfg.Commander,
	})
	if err != nil {
		logger.Warn("failed to log process.started", "err", err)
	}

	// Resume after the last journaled update, or bootstrap on first run.
	offset, err := journal.NextOffset()
	if err != nil {
		return fmt.Errorf("failed to derive offset: %w", err)
	}
	if offset == 0 && cfg.DropPending {
		bootstrapped, err := bootstrapOffset(ctx, commander, time.Now(), cfg.PendingWindowSeconds, cfg.PendingMaxMessages)
		if err != nil {
			logger.Warn("bootstrap offset failed", "err", err)
		} else {
			offset = bootstrapped
		}
	}

	w := &worker{
		commander:      commander,
		dispatcher:     dispatcher,
		journal:        journal,
		circuit:        control.NewCircuitBreaker(5, 30*time.Second),
		logger:         logger,
		pollTimeout:    cfg.Timeout,
		sleep:          time.Duration(cfg.SleepSeconds) * time.Second,
		processEventID: processEventID,
	}

	logger.Info("worker running",
		"provider", cfg.ModelProvider,
		"source", cfg.Commander,
		"offset", offset,
		"history_window", cfg.HistoryWindow,
	)
	w.run(ctx, offset)
	w.wait()

	if _, err := journal.Record(&processEventID, db.EventProcessStopped, map[string]any{"handled": w.handled.Load()}); err != nil {
		logger.Warn("failed to log process.stopped", "err", err)
	}
	logger.Info("worker stopped", "handled", w.handled.Load())
	return nil
}

// bootstrapOffset skips backlog older than the pending window and keeps at
// most pendingMaxMessages recent updates.
func bootstrapOffset(ctx context.Context, commander cmdpkg.Commander, now time.Time, pendingWindowSeconds int64, pendingMaxMessages int) (int64, error) {
	updates, err := commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := now.Unix() - pendingWindowSeconds

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if len(inWindow) > pendingMaxMessages {
		inWindow = inWindow[len(inWindow)-pendingMaxMessages:]
	}

	return inWindow[0].UpdateID, nil
}

// botIdentity is implemented by commanders that can report the bot's own account.
type botIdentity interface {
	GetMe(ctx context.Context) (cmdpkg.User, error)
}

// resolveBotUsername prefers the configured username and otherwise asks the
// commander. An empty result accepts commands addressed to any bot.
func resolveBotUsername(ctx context.Context, commander cmdpkg.Commander, configured string, logger *slog.Logger) string {
	if configured != "" {
		return configured
	}
	id, ok := commander.(botIdentity)
	if !ok {
		return ""
	}
	me, err := id.GetMe(ctx)
	if err != nil {
		logger.Warn("failed to resolve bot username", "error_class", classifyError(err), "err", err)
		return ""
	}
	return me.Username
}

func newCommander(cfg *config.WorkerConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case config.CommanderTelegram:
		return telegram.NewClient(cfg.TelegramAPIBase, cfg.TelegramFileBase, time.Duration(cfg.Timeout+20)*time.Second), nil
	case config.CommanderDummy:
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newRequester(ctx context.Context, cfg *config.WorkerConfig) (model.Requester, error) {
	switch cfg.ModelProvider {
	case config.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:          cfg.OpenAIAPIKey,
			URL:             cfg.OpenAIChatCompURL,
			TextModel:       cfg.OpenAIModel,
			VisionModel:     cfg.OpenAIVisionModel,
			VisionMaxTokens: cfg.VisionMaxTokens,
			Timeout:         cfg.ProviderTimeout,
		}), nil
	case config.ProviderGemini:
		return gemini.New(ctx, cfg.GeminiAPIKey,
			gemini.WithModel(cfg.GeminiModel),
			gemini.WithVisionMaxTokens(cfg.VisionMaxTokens),
			gemini.WithTimeout(cfg.ProviderTimeout),
			gemini.WithBaseURL(cfg.GeminiBaseURL),
		)
	case config.ProviderDummy:
		return dummy.NewProvider(cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
