package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avklimov/boardprep/internal/handler"
	appI18n "github.com/avklimov/boardprep/internal/i18n"
	"github.com/avklimov/boardprep/internal/ingest"
	"github.com/avklimov/boardprep/internal/llm"
	"github.com/avklimov/boardprep/internal/model"
	"github.com/avklimov/boardprep/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "boardprep",
		Short: "Oral boards drill from your own study manual, powered by LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve)

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `boardprep --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP drill server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", ":memory:", "SQLite path for session state (in-memory by default; nothing survives a restart)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "Model for question generation")
	f.String("grading-model", "", "Model for answer grading (defaults to --llm-model)")
	f.String("transcribe-model", "whisper-1", "Model for dictation transcription")
	f.IntP("default-count", "n", 5, "Questions per round when the request omits a count")
	f.Duration("session-ttl", 8*time.Hour, "Browser session lifetime")
	f.Int64("max-upload-mb", 32, "Maximum PDF upload size in megabytes")
	f.StringP("lang", "l", "en", "Default UI language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /prep)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("BOARDPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("boardprep")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/boardprep")
	v.AddConfigPath("/etc/boardprep")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	gradingModel := v.GetString("grading-model")
	if gradingModel == "" {
		gradingModel = v.GetString("llm-model")
	}
	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		gradingModel,
		v.GetString("transcribe-model"),
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	cfg := model.Config{
		DefaultCount:  v.GetInt("default-count"),
		MaxUploadMB:   v.GetInt64("max-upload-mb"),
		SessionTTL:    v.GetDuration("session-ttl"),
		Lang:          lang,
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
	}

	h := handler.New(db, llmClient, ingest.New(cfg.MaxUploadMB), cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.SessionMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.SessionMiddleware)
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"llm_url", v.GetString("llm-url"),
		"model", v.GetString("llm-model"),
		"grading_model", gradingModel,
		"transcribe_model", v.GetString("transcribe-model"),
		"lang", lang,
		"default_count", cfg.DefaultCount,
		"session_ttl", cfg.SessionTTL,
		"base_path", basePath,
	)
	return http.ListenAndServe(addr, r)
}
