// Package logging wraps log/slog with the domain-specific helper methods
// used across the ingest, build, and search paths.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with imsearch-specific context.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stderr in the given format ("json" or
// "text") at the given level. cmd/imsearch/cmdutil calls it once the
// logging section of a loaded config is known.
func New(format string, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Noop creates a Logger that discards all log output.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // unreachable
	}))}
}

// WithImageID adds an image id field to the logger.
func (l *Logger) WithImageID(id int64) *Logger {
	return &Logger{Logger: l.Logger.With("image_id", id)}
}

// LogIngest logs a single-image ingest outcome.
func (l *Logger) LogIngest(ctx context.Context, path string, imageID int64, deduped bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingest failed", "path", path, "error", err)
		return
	}
	l.DebugContext(ctx, "ingest completed", "path", path, "image_id", imageID, "deduped", deduped)
}

// LogExtract logs descriptor extraction for one image.
func (l *Logger) LogExtract(ctx context.Context, imageID int64, keypoints int, err error) {
	if err != nil {
		l.WarnContext(ctx, "extraction failed", "image_id", imageID, "error", err)
		return
	}
	l.DebugContext(ctx, "extraction completed", "image_id", imageID, "keypoints", keypoints)
}

// LogBuild logs a segment-build operation.
func (l *Logger) LogBuild(ctx context.Context, segmentID int, descriptorCount int, elapsedSeconds float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "segment build failed", "segment_id", segmentID, "error", err)
		return
	}
	l.InfoContext(ctx, "segment build completed",
		"segment_id", segmentID,
		"descriptor_count", descriptorCount,
		"elapsed_seconds", elapsedSeconds,
	)
}

// LogMerge logs a merge of segments into the master index.
func (l *Logger) LogMerge(ctx context.Context, mode string, segmentCount int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "merge failed", "mode", mode, "segment_count", segmentCount, "error", err)
		return
	}
	l.InfoContext(ctx, "merge completed", "mode", mode, "segment_count", segmentCount)
}

// LogTrain logs coarse-quantizer training.
func (l *Logger) LogTrain(ctx context.Context, buckets int, sampleSize int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "quantizer training failed", "buckets", buckets, "error", err)
		return
	}
	l.InfoContext(ctx, "quantizer trained", "buckets", buckets, "sample_size", sampleSize)
}

// LogSearch logs a query.
func (l *Logger) LogSearch(ctx context.Context, descriptorCount, resultCount int, elapsedMillis float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "descriptor_count", descriptorCount, "error", err)
		return
	}
	l.DebugContext(ctx, "search completed",
		"descriptor_count", descriptorCount,
		"result_count", resultCount,
		"elapsed_ms", elapsedMillis,
	)
}

// LogReload logs an index reload/hot-swap.
func (l *Logger) LogReload(ctx context.Context, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "reload failed", "path", path, "error", err)
		return
	}
	l.InfoContext(ctx, "index reloaded", "path", path)
}
