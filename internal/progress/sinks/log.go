package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/aardwiki/internal/progress"
)

// LogSink emits structured logs for run events. Article events are logged at
// debug level; run milestones at info, failures at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", uuid.UUID(evt.RunID).String()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageArticleDone, progress.StageArticleError:
			fields = append(fields, zap.String("title", evt.Title), zap.Stringer("kind", evt.Kind))
		case progress.StagePoolReset:
			fields = append(fields,
				zap.Int("generation", evt.Generation),
				zap.Int("requeued", evt.Requeued),
				zap.Int("retired", evt.Retired),
			)
		case progress.StageRunStart:
			fields = append(fields, zap.String("lang", evt.Lang))
		}
		if evt.Stage.Terminal() {
			fields = append(fields,
				zap.Int64("processed", evt.Counters.Processed),
				zap.Int64("errors", evt.Counters.Errors),
				zap.Int64("timed_out", evt.Counters.TimedOut),
				zap.Int64("skipped", evt.Counters.Skipped),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(levelFor(evt.Stage), "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageArticleDone, progress.StageArticleError:
		return zapcore.DebugLevel
	case progress.StagePoolReset, progress.StageRunError, progress.StageRunCanceled:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
