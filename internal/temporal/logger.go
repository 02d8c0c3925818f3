package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter routes Temporal SDK logs through zap
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter wraps logger for client.Options and worker.Options
func NewZapAdapter(logger *zap.Logger) log.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{logger: logger.With(zap.String("component", "temporal"))}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.logger.Debug(msg, fields(keyvals)...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.logger.Info(msg, fields(keyvals)...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.logger.Warn(msg, fields(keyvals)...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.logger.Error(msg, fields(keyvals)...) }

// With satisfies log.WithLogger
func (z *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{logger: z.logger.With(fields(keyvals)...)}
}

// fields converts alternating key/value pairs. A trailing key without a
// value is dropped, as are non-string keys.
func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		out = append(out, field(key, keyvals[i+1]))
	}
	return out
}

// field avoids zap.Any on kinds the JSON encoder cannot handle
func field(key string, val interface{}) (f zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			f = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()
	if val == nil {
		return zap.String(key, "<nil>")
	}
	switch reflect.ValueOf(val).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return zap.String(key, fmt.Sprintf("<%T>", val))
	}
	if err, ok := val.(error); ok {
		return zap.NamedError(key, err)
	}
	return zap.Any(key, val)
}
