// Package observability contains logging setup and the worker's prometheus
// metrics.
package observability

import (
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`
    // Rotation applies to file outputs
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// SetupLogger builds a zap.Logger from the configuration, sets it as the
// global logger, and redirects the stdlib log package. The caller should
// defer logger.Sync().
func SetupLogger(c LogConfig) (*zap.Logger, error) {
    level := zap.NewAtomicLevel()
    switch strings.ToLower(c.Level) {
    case "debug":
        level.SetLevel(zap.DebugLevel)
    case "warn", "warning":
        level.SetLevel(zap.WarnLevel)
    case "error":
        level.SetLevel(zap.ErrorLevel)
    default:
        level.SetLevel(zap.InfoLevel)
    }

    encCfg := zap.NewProductionEncoderConfig()
    if c.Development {
        encCfg = zap.NewDevelopmentEncoderConfig()
        encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
    }
    var encoder zapcore.Encoder
    if strings.ToLower(c.Format) == "json" {
        encoder = zapcore.NewJSONEncoder(encCfg)
    } else {
        encoder = zapcore.NewConsoleEncoder(encCfg)
    }

    outputs := c.Outputs
    if len(outputs) == 0 {
        outputs = []string{"stdout"}
    }
    var cores []zapcore.Core
    for _, out := range outputs {
        switch strings.ToLower(out) {
        case "stdout":
            cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
        case "stderr":
            cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
        default:
            cores = append(cores, zapcore.NewCore(encoder, fileSyncer(out, c), level))
        }
    }

    opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
    if c.Development {
        opts = append(opts, zap.Development())
    }
    logger := zap.New(zapcore.NewTee(cores...), opts...)
    zap.ReplaceGlobals(logger)
    _, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
    return logger, nil
}

func fileSyncer(path string, c LogConfig) zapcore.WriteSyncer {
    if c.Rotation.Enable {
        name := path
        if strings.TrimSpace(c.Rotation.Filename) != "" {
            name = c.Rotation.Filename
        }
        return zapcore.AddSync(&lumberjack.Logger{
            Filename:   name,
            MaxSize:    orDefault(c.Rotation.MaxSizeMB, 50),
            MaxBackups: orDefault(c.Rotation.MaxBackups, 3),
            MaxAge:     orDefault(c.Rotation.MaxAgeDays, 28),
            Compress:   c.Rotation.Compress,
        })
    }
    if dir := filepath.Dir(path); dir != "." {
        _ = os.MkdirAll(dir, 0o755)
    }
    f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil {
        return zapcore.AddSync(os.Stderr)
    }
    return zapcore.AddSync(f)
}

func orDefault(v, def int) int {
    if v > 0 {
        return v
    }
    return def
}
