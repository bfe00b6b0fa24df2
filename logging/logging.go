// Package logging builds the process logger: console output, an optional
// rotating JSON file and rank aware filtering for distributed runs.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Level     string // debug, info, warn, error
	File      string // rotating JSON log file, optional
	Rank      int
	WorldSize int
	Console   io.Writer // defaults to stderr
}

// New returns a logger for cfg. On non-primary ranks of a distributed run
// only warnings and errors are emitted, unless the level is debug, in which
// case every rank logs and each line carries the rank.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(cfg.Level, "info")))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}

	distributed := cfg.WorldSize > 1
	enabled := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		if lvl < level {
			return false
		}
		if distributed && cfg.Rank != 0 && level != zapcore.DebugLevel {
			return lvl >= zapcore.WarnLevel
		}
		return true
	})

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	consoleConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(console), enabled),
	}

	if cfg.File != "" {
		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.RFC3339TimeEncoder
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(rotating), enabled))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if distributed && level == zapcore.DebugLevel {
		logger = logger.With(zap.Int("rank", cfg.Rank))
	}
	return logger, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// YAMLForLogging renders v as YAML with every list cut to its first two
// items followed by "...", which keeps long class lists out of the log.
func YAMLForLogging(v interface{}) (string, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "marshal for logging")
	}

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return "", errors.Wrapf(err, "reparse for logging")
	}
	truncateSequences(&node)

	out, err := yaml.Marshal(&node)
	if err != nil {
		return "", errors.Wrapf(err, "marshal for logging")
	}
	return string(out), nil
}

func truncateSequences(n *yaml.Node) {
	if n.Kind == yaml.SequenceNode && len(n.Content) > 2 {
		n.Content = append(n.Content[:2], &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "..."})
		// flow style keeps the truncated list on one line
		n.Style = yaml.FlowStyle
	}
	for _, c := range n.Content {
		truncateSequences(c)
	}
}
