package log

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// 初始化全局日志，level为debug/info/warn/error，format为json或console
func Init(level, format string) (err error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)
	logger.Store(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
	return
}

// 替换全局日志（测试中可传入zaptest/observer创建的logger）
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func L() *zap.Logger {
	return logger.Load()
}

func Debug(msg string, fields ...zap.Field) {
	logger.Load().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger.Load().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger.Load().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger.Load().Error(msg, fields...)
}

func Sync() error {
	return logger.Load().Sync()
}
