// Copyright 2024 The gVisor Authors.
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

package log

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger, so that trap
// diagnostics can share a sink with code that already logs through logrus.
type LogrusEmitter struct {
	// Logger is the destination. A nil Logger uses logrus.StandardLogger().
	Logger *logrus.Logger

	// Fields are attached to every entry.
	Fields logrus.Fields
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	l := e.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	entry := l.WithFields(e.Fields).WithTime(timestamp)
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Warning:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
