package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0o664
)

// ZerologHandler adapts a zerolog.Logger to Logger.
type ZerologHandler struct {
	logger zerolog.Logger
	file   *os.File
}

var _ Logger = (*ZerologHandler)(nil)

func NewZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

// ZerologToWriter builds a timestamped zerolog logger writing JSON lines to w.
func ZerologToWriter(w io.Writer, level zerolog.Level) *ZerologHandler {
	return NewZerolog(zerolog.New(w).Level(level).With().Timestamp().Logger())
}

// ZerologToFile appends JSON lines to the file at path, creating it if needed.
// Call Close to release the file.
func ZerologToFile(path string, level zerolog.Level) (*ZerologHandler, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
	if err != nil {
		return nil, err
	}
	h := ZerologToWriter(zerolog.SyncWriter(f), level)
	h.file = f
	return h, nil
}

func (z *ZerologHandler) Close() error {
	if z.file == nil {
		return nil
	}
	return z.file.Close()
}

func (z *ZerologHandler) Error(msg string, args ...any) {
	withFields(z.logger.Error(), args).Msg(msg)
}

func (z *ZerologHandler) Warn(msg string, args ...any) {
	withFields(z.logger.Warn(), args).Msg(msg)
}

func (z *ZerologHandler) Info(msg string, args ...any) {
	withFields(z.logger.Info(), args).Msg(msg)
}

func (z *ZerologHandler) Debug(msg string, args ...any) {
	withFields(z.logger.Debug(), args).Msg(msg)
}

// withFields converts slog-style key/value pairs into zerolog fields.
// A dangling key is recorded under "!BADKEY", matching slog.
func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
