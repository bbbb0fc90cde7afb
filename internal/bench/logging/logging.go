// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package logging wires the benchmark's log_level knob to a zap logger.
// The contract is "no log sink installed unless explicitly enabled": when
// the level is OFF the returned logger is zap's documented no-op core, so
// call sites pay no formatting cost on the hot path.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the CLI's log_level enumeration (spec §6).
type Level int

const (
	LevelOff Level = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

// ParseLevel maps the CLI's textual log_level values to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "OFF":
		return LevelOff, nil
	case "ERROR":
		return LevelError, nil
	case "WARNING":
		return LevelWarning, nil
	case "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid log_level %q: want OFF|ERROR|WARNING|INFO|DEBUG", s)
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// New builds a *zap.Logger for the given level. Logging always goes to
// stderr so stdout stays available for the human progress line or, in CSV
// mode, pure CSV rows (spec §4.6/§6).
func New(level Level) *zap.Logger {
	if level == LevelOff {
		return zap.NewNop()
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level.zapLevel())
	return zap.New(core)
}
