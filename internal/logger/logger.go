package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	DebugEnabled = false

	current atomic.Pointer[zap.SugaredLogger]

	logFile *lumberjack.Logger
)

func init() {
	current.Store(zap.NewNop().Sugar())
}

// InitLogging sets up logging based on configuration.
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode

	if !DebugEnabled || logPath == "" {
		return nil
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    64, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(logFile), zapcore.DebugLevel)
	SetLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))

	return nil
}

// SetLogger replaces the process-wide logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l.Sugar())
}

// Close flushes and closes the log file if open.
func Close() {
	_ = current.Load().Sync()
	if logFile != nil {
		_ = logFile.Close()
	}
}

func Infof(format string, v ...interface{}) {
	current.Load().Infof(format, v...)
}

// Errorf logs an error message.
func Errorf(format string, v ...interface{}) {
	current.Load().Errorf(format, v...)
}

func Debugf(format string, v ...interface{}) {
	current.Load().Debugf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	current.Load().Warnf(format, v...)
}
