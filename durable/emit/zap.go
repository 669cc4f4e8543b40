package emit

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter implements Emitter on top of a zap.Logger.
//
// Failure events (operation_failed, or any event carrying an "error" meta
// key) are logged at Warn, checkpoint batches at Debug, everything else at Info.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger uses zap.NewNop.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger.With(zap.String("component", "durable"))}
}

// Emit logs event as one structured entry.
func (z *ZapEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.String("execution_id", event.ExecutionID))
	if event.OperationID != "" {
		fields = append(fields, zap.String("operation_id", event.OperationID))
	}
	if event.Name != "" {
		fields = append(fields, zap.String("name", event.Name))
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Meta[k]))
	}

	if ce := z.logger.Check(levelOf(event), event.Msg); ce != nil {
		ce.Write(fields...)
	}
}

func levelOf(event Event) zapcore.Level {
	if _, ok := event.Meta["error"]; ok || event.Msg == MsgOperationFailed {
		return zapcore.WarnLevel
	}
	if event.Msg == MsgCheckpointBatch {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
