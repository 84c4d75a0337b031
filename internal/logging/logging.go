package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志配置
type Options struct {
	Level  string
	Format string // text 或 json

	// File 为空时输出到stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// 未配置时的轮转默认值
const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 10
	defaultMaxAgeDays = 30
)

// Setup 配置全局logger
func Setup(opts Options) (*lumberjack.Logger, error) {
	return Configure(logrus.StandardLogger(), opts)
}

// Configure 设置级别、格式以及日志轮转；返回的lumberjack.Logger可用于手动轮转，未配置文件时为nil
func Configure(logger *logrus.Logger, opts Options) (*lumberjack.Logger, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	if opts.File == "" {
		logger.SetOutput(os.Stderr)
		return nil, nil
	}

	// 确保日志目录存在
	dir := filepath.Dir(opts.File)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, defaultMaxSizeMB),
		MaxBackups: orDefault(opts.MaxBackups, defaultMaxBackups),
		MaxAge:     orDefault(opts.MaxAgeDays, defaultMaxAgeDays),
		Compress:   opts.Compress,
		LocalTime:  true,
	}
	logger.SetOutput(rotator)
	return rotator, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
