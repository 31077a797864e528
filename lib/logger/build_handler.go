package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// BuildLogHandler wraps an slog.Handler and additionally writes records that
// carry a "build_id" attribute to that build's log file. This gives every
// build a self-contained log without manual instrumentation at call sites.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type BuildLogHandler struct {
	slog.Handler
	logPathFunc func(id string) string // returns path to build.log for a build
	preAttrs    []slog.Attr            // attrs added via WithAttrs (needed to find "build_id")
}

// NewBuildLogHandler creates a handler that wraps the given handler and
// mirrors build-related records into per-build log files.
func NewBuildLogHandler(wrapped slog.Handler, logPathFunc func(id string) string) *BuildLogHandler {
	return &BuildLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
	}
}

// Handle passes the record to the wrapped handler and mirrors it to the
// build's log file when a "build_id" attribute is present.
func (h *BuildLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var buildID string
	for _, a := range h.preAttrs {
		if a.Key == "build_id" {
			buildID = a.Value.String()
			break
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "build_id" {
			buildID = a.Value.String()
			return false
		}
		return true
	})

	if buildID != "" {
		h.writeToBuildLog(buildID, r)
	}
	return nil
}

// writeToBuildLog appends a formatted record to the build's log file.
// Opens and closes the file per write to avoid file handle leaks.
func (h *BuildLogHandler) writeToBuildLog(buildID string, r slog.Record) {
	logPath := h.logPathFunc(buildID)
	if logPath == "" {
		return
	}

	// The build directory must already exist; a missing directory means the
	// "build_id" attr did not refer to a live build. Skip silently to avoid
	// creating orphan directories.
	dir := filepath.Dir(logPath)
	buildDir := filepath.Dir(dir)
	if _, err := os.Stat(buildDir); os.IsNotExist(err) {
		return
	}

	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, a := range h.preAttrs {
		if a.Key != "build_id" {
			line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "build_id" {
			line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		}
		return true
	})
	line += "\n"

	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("failed to create build log directory", "path", dir, "error", err)
		return
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open build log file", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		slog.Warn("failed to write to build log file", "path", logPath, "error", err)
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *BuildLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes. Attrs are
// tracked locally so "build_id" is found even when added via With().
func (h *BuildLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &BuildLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		preAttrs:    newPreAttrs,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *BuildLogHandler) WithGroup(name string) slog.Handler {
	// build_id is always a top-level attr, groups are not searched.
	return &BuildLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		preAttrs:    h.preAttrs,
	}
}
