package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where logs go. Level accepts zap level names; an unknown
// level falls back to info.
type Options struct {
	Dir    string
	Level  string
	Stdout bool
}

func NewLogger(opt Options) (*zap.Logger, error) {
	if err := os.MkdirAll(opt.Dir, 0o755); err != nil {
		return nil, err
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(opt.Dir, "lanwatch.log"),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	})
	if opt.Stdout {
		w = zapcore.NewMultiWriteSyncer(w, zapcore.Lock(os.Stdout))
	}

	lvl := zap.InfoLevel
	if opt.Level != "" {
		if l, err := zapcore.ParseLevel(opt.Level); err == nil {
			lvl = l
		}
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), w, lvl)
	return zap.New(core), nil
}
