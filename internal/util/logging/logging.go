// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the logging setup of easy-qemu.
// It configures log/slog as the default logger used by pkg/ and returns a
// logr.Logger backed by zap for internal/ and cmd/.
//
// Every handler writes to stderr: stdout belongs to the hypervisor once the
// process is replaced.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv is the environment variable holding the log level.
const LevelEnv = "LOGLEVEL"

var ErrInvalidLevel = errors.New("invalid log level")

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (more verbose, human-readable).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// ParseLevel maps a LOGLEVEL value to a slog.Level. The empty string is INFO.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w %q: expected DEBUG, INFO, WARNING or ERROR", ErrInvalidLevel, s)
	}
}

// Setup configures the default slog logger and returns a zap-backed logr.Logger
// at the same level. It must be called early in main().
//
// A logr V(n) call is enabled when slog.LevelInfo-n is at or above the
// configured level, so V(1) shows at DEBUG.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level: opts.Level,
		})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: opts.Level,
		})
	}
	slog.SetDefault(slog.New(handler))

	return zapr.NewLogger(newZap(opts, out))
}

func newZap(opts Options, out io.Writer) *zap.Logger {
	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if opts.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	// slog levels step by 4 per named level, zap levels by 1. logr V(n) maps
	// to zap level -n.
	level := zap.NewAtomicLevelAt(zapcore.Level(int(opts.Level) / 4))
	if opts.Level <= slog.LevelDebug {
		level.SetLevel(zapcore.Level(-2))
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	zapOpts := []zap.Option{zap.ErrorOutput(zapcore.AddSync(out))}
	if opts.Development {
		zapOpts = append(zapOpts, zap.Development(), zap.AddCaller())
	}
	return zap.New(core, zapOpts...)
}

// SetupFromEnv reads LOGLEVEL and sets up logging. An invalid level falls back
// to INFO and the returned error says why.
func SetupFromEnv(development bool) (logr.Logger, error) {
	level, err := ParseLevel(os.Getenv(LevelEnv))
	log := Setup(Options{Development: development, Level: level})
	return log, err
}

// SetupDevelopment sets up logging in development mode.
// Uses text handler and more verbose output.
func SetupDevelopment() logr.Logger {
	return Setup(Options{
		Development: true,
		Level:       slog.LevelDebug,
	})
}
