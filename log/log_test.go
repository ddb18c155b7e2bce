//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package log

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	cases := []struct {
		level string
		want  zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{LevelFatal, zapcore.FatalLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, c := range cases {
		SetLevel(c.level)
		if got := zapLevel.Level(); got != c.want {
			t.Errorf("SetLevel(%q): got %v, want %v", c.level, got, c.want)
		}
	}
	SetLevel(LevelInfo)
}

func TestFreeFunctionsDoNotPanic(t *testing.T) {
	Debug("debug")
	Debugf("debug %d", 1)
	Info("info")
	Infof("info %d", 2)
	Warn("warn")
	Warnf("warn %d", 3)
	Error("error")
	Errorf("error %d", 4)
}
