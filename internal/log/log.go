// log wires the process logger: a leveled console handler, an optional
// JSON file per run and any extra handlers, fanned out under clog.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// EnvLevel names the environment variable consulted when no level is given.
const EnvLevel = "LOG_LEVEL"

var ErrLogSetup = fmt.Errorf("failed to set up logging")

type Options struct {
	// Level is one of debug, info, warn or error. Empty falls back to
	// $LOG_LEVEL, then info.
	Level string
	// Dir, when set, receives a JSON log file for the run.
	Dir     string
	RunName string
	RunID   string
	// Console defaults to os.Stderr.
	Console io.Writer
	// Extra handlers receive every record alongside the console.
	Extra []slog.Handler
}

// ParseLevel resolves a level name, falling back to $LOG_LEVEL and then
// info.
func ParseLevel(name string) (slog.Level, error) {
	if name == "" {
		name = os.Getenv(EnvLevel)
	}
	if name == "" {
		return slog.LevelInfo, nil
	}
	lvl, err := charmlog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %w", ErrLogSetup, err)
	}
	return slog.Level(lvl), nil
}

// Setup installs the logger on the returned context and as the slog
// default. The returned func closes the run's log file.
func Setup(ctx context.Context, opts Options) (context.Context, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return ctx, func() {}, err
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	handlers := []slog.Handler{
		charmlog.NewWithOptions(console, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
		}),
	}
	handlers = append(handlers, opts.Extra...)

	var (
		file *os.File
		path string
	)
	if opts.Dir != "" {
		file, path, err = createLogFile(opts.Dir, opts.RunName, opts.RunID)
		if err != nil {
			return ctx, func() {}, err
		}
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	if opts.RunID != "" {
		logger = logger.With("run_id", opts.RunID)
	}
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)

	if file == nil {
		return ctx, func() {}, nil
	}
	clog.InfoContext(ctx, "logging run output to file", "path", path)
	return ctx, func() {
		if err := file.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", path, "error", err.Error())
		}
	}, nil
}

// FilePath is where the log file for a run is written.
func FilePath(dir, runName, runID string) string {
	name := slug.Make(runName)
	if runID != "" {
		name = name + "-" + runID
	}
	return filepath.Join(dir, name+".log")
}

func createLogFile(dir, runName, runID string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrLogSetup, err)
	}
	path := FilePath(dir, runName, runID)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrLogSetup, err)
	}
	return f, path, nil
}
