package observ

import (
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	SetOutput(os.Stdout, zapcore.InfoLevel)
}

// SetOutput redirects structured logs. Each line is a JSON object with "ts",
// "level" and "event" keys followed by the event fields.
func SetOutput(w io.Writer, level zapcore.Level) {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		MessageKey:  "event",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeTime: func(t time.Time, pe zapcore.PrimitiveArrayEncoder) {
			pe.AppendString(t.UTC().Format(time.RFC3339Nano))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	logger.Store(zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level)))
}

// Log writes an info-level event.
func Log(event string, kv map[string]any) {
	logger.Load().Info(event, fields(kv)...)
}

// Warn writes a warn-level event.
func Warn(event string, kv map[string]any) {
	logger.Load().Warn(event, fields(kv)...)
}

// Error writes an error-level event. err is added under "error".
func Error(event string, err error, kv map[string]any) {
	fs := fields(kv)
	if err != nil {
		fs = append(fs, zap.String("error", err.Error()))
	}
	logger.Load().Error(event, fs...)
}

func fields(kv map[string]any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, kv[k]))
	}
	return out
}
