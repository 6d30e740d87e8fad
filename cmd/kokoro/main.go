package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kokoro/internal/character"
	"kokoro/internal/chat"
	"kokoro/internal/config"
	"kokoro/internal/diary"
	"kokoro/internal/embedding"
	"kokoro/internal/llm"
	"kokoro/internal/logging"
	"kokoro/internal/plugins"
	"kokoro/internal/server"
	"kokoro/internal/speech"
	"kokoro/internal/store"
	"kokoro/internal/vcp"
)

const version = "1.0.0"

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kokoro",
	Short: "kokoro - AI character chat backend with tool calling",
	Long: `kokoro is a character chat backend. Characters are YAML templates,
conversations persist in SQLite, and the model can call tools mid-reply
through inline tool-request blocks that are parsed from the stream,
executed, and fed back for the next round.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a character in the terminal",
	Long: `Starts an interactive terminal session against the configured
character. Tool calls run exactly as they would over HTTP.`,
	RunE: runChat,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kokoro %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: <data>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// services bundles everything the commands need, with a single Close.
type services struct {
	cfg         *config.Config
	store       *store.Store
	characters  *character.Service
	watcher     *character.Watcher
	chat        *chat.Service
	diary       *diary.Service
	consolidate *diary.Consolidator
	asr         *speech.ASRClient
	tts         *speech.TTSClient
}

func (s *services) Close() {
	if s.consolidate != nil {
		s.consolidate.Stop()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}
	logging.CloseAll()
}

// resolveDir joins a configured directory onto the data directory unless
// it is already absolute.
func resolveDir(dataDir, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(dataDir, dir)
}

func buildServices(ctx context.Context) (*services, error) {
	path := configPath
	if path == "" {
		path = filepath.Join("data", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("kokoro %s starting, data dir: %s", version, cfg.DataDir)

	svcs := &services{cfg: cfg}

	svcs.store, err = store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	svcs.characters, err = character.NewService(resolveDir(cfg.DataDir, cfg.Characters.Dir))
	if err != nil {
		svcs.Close()
		return nil, err
	}
	if cfg.Characters.HotReload {
		svcs.watcher, err = character.NewWatcher(svcs.characters)
		if err != nil {
			logger.Warn("character hot reload unavailable", zap.Error(err))
			svcs.watcher = nil
		} else if err := svcs.watcher.Start(ctx); err != nil {
			logger.Warn("character hot reload failed to start", zap.Error(err))
			svcs.watcher = nil
		}
	}

	client, err := llm.NewClientFromConfig(cfg)
	if err != nil {
		svcs.Close()
		return nil, err
	}
	logger.Info("model client ready", zap.String("model", client.Model()))

	svcs.diary, err = diary.NewService(resolveDir(cfg.DataDir, cfg.Diary.Dir), svcs.store)
	if err != nil {
		svcs.Close()
		return nil, err
	}

	// Embeddings are optional: without a Gemini key or a local Ollama the
	// memory tools are simply not registered.
	var engine embedding.Engine
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" || cfg.Embedding.Provider == "ollama" {
		engine, err = embedding.NewEngine(cfg.Embedding, apiKey)
		if err != nil {
			logger.Warn("embedding engine unavailable, memory tools disabled", zap.Error(err))
			engine = nil
		}
	}

	registry := vcp.NewRegistry()
	dispatcher := vcp.NewDispatcher(registry)
	dispatcher.SetDefaultTimeout(cfg.GetPluginTimeout())

	pluginMgr := plugins.NewManager(registry)
	if err := pluginMgr.RegisterBuiltins(plugins.Builtins{
		Store:       svcs.store,
		Engine:      engine,
		Diary:       svcs.diary,
		CharacterID: cfg.Characters.Default,
	}); err != nil {
		svcs.Close()
		return nil, err
	}
	if err := pluginMgr.LoadDir(resolveDir(cfg.DataDir, cfg.Plugins.Dir)); err != nil {
		logger.Warn("plugin loading failed", zap.Error(err))
	}

	svcs.chat = chat.NewService(client, svcs.characters, pluginMgr, dispatcher, svcs.diary, svcs.store, chat.Options{
		MaxIterations: cfg.Chat.MaxIterations,
		HistoryWindow: cfg.Chat.HistoryWindow,
	})

	svcs.consolidate = diary.NewConsolidator(svcs.diary, svcs.store, client, cfg.Characters.Default, cfg.Diary.ConsolidateCron)
	if err := svcs.consolidate.Start(); err != nil {
		logger.Warn("diary consolidation disabled", zap.Error(err))
		svcs.consolidate = nil
	}

	if cfg.Speech.ASRBaseURL != "" {
		svcs.asr = speech.NewASRClient(cfg.Speech.ASRBaseURL, cfg.GetSpeechTimeout())
	}
	if cfg.Speech.TTSBaseURL != "" {
		svcs.tts = speech.NewTTSClient(cfg.Speech.TTSBaseURL, cfg.Speech.TTSVoice, cfg.GetSpeechTimeout())
	}

	return svcs, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svcs, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	srv := server.New(svcs.cfg, server.Deps{
		Chat:       svcs.chat,
		Characters: svcs.characters,
		Diary:      svcs.diary,
		Store:      svcs.store,
		ASR:        svcs.asr,
		TTS:        svcs.tts,
	})
	return srv.Run(ctx)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svcs, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.Close()

	characterID := svcs.cfg.Characters.Default
	tmpl := svcs.characters.Get(characterID)
	if tmpl == nil {
		return fmt.Errorf("character not found: %s", characterID)
	}

	sessionID := uuid.NewString()
	fmt.Printf("%s (%s) | 输入 /quit 退出, /new 重置会话\n\n", tmpl.Name, characterID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = uuid.NewString()
			fmt.Println("会话已重置。")
			continue
		}

		raw, err := svcs.chat.StreamTurn(ctx, chat.Request{
			SessionID:   sessionID,
			UserID:      "user_default",
			CharacterID: characterID,
			Message:     input,
		}, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "错误: %v\n", err)
			continue
		}
		fmt.Printf("%s\n\n", chat.DisplayText(raw))
	}
	return scanner.Err()
}
