package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/adaptex/internal/blueprint"
	"github.com/pavelanni/adaptex/internal/calibration"
	"github.com/pavelanni/adaptex/internal/config"
	"github.com/pavelanni/adaptex/internal/handler"
	appI18n "github.com/pavelanni/adaptex/internal/i18n"
	"github.com/pavelanni/adaptex/internal/metrics"
	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/pool"
	"github.com/pavelanni/adaptex/internal/ranking"
	"github.com/pavelanni/adaptex/internal/selector"
	"github.com/pavelanni/adaptex/internal/session"
	"github.com/pavelanni/adaptex/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "adaptex",
		Short: "Adaptive exam engine",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), recalibrateCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `adaptex --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "adaptex.db", "SQLite database path")
	f.StringSliceP("questions", "q", []string{"questions/algebra_en.json"}, "Paths to questions JSON files (repeatable)")
	f.StringSliceP("blueprints", "b", []string{"blueprints"}, "Blueprint TOML files or directories (repeatable)")
	f.StringP("lang", "l", "en", "Default language for API messages (en, ru)")
	f.StringSlice("cors-origins", []string{"http://localhost:3000"}, "Allowed CORS origins")
	f.Duration("shutdown-timeout", 15*time.Second, "Grace period for in-flight requests on shutdown")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finished sessions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "adaptex.db", "SQLite database path")
	f.String("blueprint", "", "Only export sessions of this blueprint")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func recalibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalibrate",
		Short: "Rebuild question calibration from the stored response log",
		RunE:  runRecalibrate,
	}
	f := cmd.Flags()
	f.String("db", "adaptex.db", "SQLite database path")
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

	v.SetEnvPrefix("ADAPTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("adaptex")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/adaptex")
	v.AddConfigPath("/etc/adaptex")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// engines bundles the in-memory services built for serve.
type engines struct {
	pool        *pool.Memory
	calibration *calibration.Engine
	ranking     *ranking.Engine
	sessions    *session.Manager
}

func buildEngines(cfg config.Config, db *store.Store) (*engines, error) {
	questions, err := db.ListQuestions()
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	p, err := pool.NewMemory(questions)
	if err != nil {
		return nil, fmt.Errorf("build question pool: %w", err)
	}

	cal := calibration.New(cfg.Calibration)
	rk := ranking.New(cfg.Ranking)
	sel, err := selector.New(cfg.Selector, p, cal)
	if err != nil {
		return nil, fmt.Errorf("create selector: %w", err)
	}
	mgr, err := session.New(cfg.Session, session.Deps{
		Selector:    sel,
		Pool:        p,
		Calibration: cal,
		Ranking:     rk,
		Recorder:    db,
		Listener:    metrics.Collector{},
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}
	return &engines{pool: p, calibration: cal, ranking: rk, sessions: mgr}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cfg, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Load questions from every file given.
	if err := loadQuestions(db, v.GetStringSlice("questions"), cfg.Selector.Scale); err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	catalog, err := blueprint.Load(cfg.Selector.Scale, v.GetStringSlice("blueprints")...)
	if err != nil {
		return fmt.Errorf("load blueprints: %w", err)
	}

	eng, err := buildEngines(cfg, db)
	if err != nil {
		return err
	}
	if err := restore(db, eng); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	h, err := handler.New(eng.sessions, catalog, eng.ranking, eng.calibration, db)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: v.GetStringSlice("cors-origins"),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Accept-Language", "Content-Type"},
		ExposedHeaders: []string{"Content-Language", "Location"},
		MaxAge:         300,
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)
	r.Handle("/metrics", metrics.Handler())
	metrics.Gauges(
		func() float64 { return float64(eng.sessions.Len()) },
		func() float64 { return float64(eng.calibration.Published()) },
	)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.calibration.Run(gctx) })
	g.Go(func() error { return eng.calibration.RunSweeper(gctx) })
	g.Go(func() error { return eng.ranking.RunCompactor(gctx) })
	g.Go(func() error { return eng.sessions.RunTimeoutSweeper(gctx) })
	if cfg.CheckpointInterval > 0 {
		g.Go(func() error { return runCheckpointer(gctx, db, eng, cfg.CheckpointInterval) })
	}
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"questions", eng.pool.Len(),
			"blueprints", catalog.Len(),
			"sessions", eng.sessions.Len(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	if err := writeCheckpoint(db, eng); err != nil {
		slog.Error("final checkpoint failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bp := v.GetString("blueprint")
	results, err := db.ExportSessions(bp)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	export := model.ExamExport{
		ExportedAt: time.Now().UTC(),
		Blueprint:  bp,
		Results:    results,
	}
	if export.Results == nil {
		export.Results = []model.SessionResult{}
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported sessions", "count", len(results), "output", outPath)
	return nil
}

func runRecalibrate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cfg, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	n, stable, err := recalibrate(cmd.Context(), db, cfg.Calibration)
	if err != nil {
		return err
	}
	slog.Info("recalibration finished", "responses", n, "calibrated_questions", stable)
	return nil
}

func loadQuestions(db *store.Store, paths []string, scale model.DifficultyScale) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("questions file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("questions file changed since last import, skipping to avoid breaking existing sessions",
				"path", path)
			continue
		}

		var questions []model.QuestionImport
		if err := json.Unmarshal(data, &questions); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for i, qi := range questions {
			if err := validateImport(qi, scale); err != nil {
				return fmt.Errorf("%s question %d: %w", path, i, err)
			}
		}

		for _, qi := range questions {
			marks := qi.Marks
			if marks <= 0 {
				marks = 1
			}
			_, err := db.InsertQuestion(model.Question{
				Subject:       qi.Subject,
				Topic:         qi.Topic,
				Subtopic:      qi.Subtopic,
				Text:          qi.Text,
				Choices:       qi.Choices,
				CorrectAnswer: qi.CorrectAnswer,
				Marks:         marks,
				Difficulty:    qi.Difficulty,
			})
			if err != nil {
				return fmt.Errorf("insert question from %s: %w", path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported questions", "path", path, "count", len(questions))
	}

	return nil
}

func validateImport(qi model.QuestionImport, scale model.DifficultyScale) error {
	switch {
	case strings.TrimSpace(qi.Subject) == "":
		return errors.New("missing subject")
	case strings.TrimSpace(qi.Text) == "":
		return errors.New("missing text")
	case strings.TrimSpace(qi.CorrectAnswer) == "":
		return errors.New("missing correct_answer")
	case qi.Subtopic != "" && qi.Topic == "":
		return errors.New("subtopic without topic")
	}
	if _, ok := scale[qi.Difficulty]; !ok {
		return fmt.Errorf("unknown difficulty %q", qi.Difficulty)
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
