// Copyright 2026 The gVisor Authors.
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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debugf(format string, v ...any)   { r.add(format, v...) }
func (r *recordingLogger) Infof(format string, v ...any)    { r.add(format, v...) }
func (r *recordingLogger) Warningf(format string, v ...any) { r.add(format, v...) }
func (r *recordingLogger) IsLogging(Level) bool             { return true }

func (r *recordingLogger) add(format string, v ...any) {
	var b strings.Builder
	b.WriteString(format)
	for range v {
		b.WriteString("|arg")
	}
	r.lines = append(r.lines, b.String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewBasicLogger(Info, NewTextEmitter(&buf))
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line emitted at info level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("info line missing: %q", out)
	}
	if !strings.Contains(out, "log_test.go") {
		t.Errorf("caller missing from %q", out)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := NewBasicLogger(Debug, NewJSONEmitter(&buf))
	l.Warningf("queue %d broken", 3)
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if m["msg"] != "queue 3 broken" {
		t.Errorf("msg = %v, want %q", m["msg"], "queue 3 broken")
	}
	if m["level"] != "warning" {
		t.Errorf("level = %v, want warning", m["level"])
	}
}

func TestNewEmitterFormat(t *testing.T) {
	if _, err := NewEmitter("xml", &bytes.Buffer{}); err == nil {
		t.Errorf("NewEmitter(xml) succeeded, want error")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		ok   bool
	}{
		{"warning", Warning, true},
		{"debug", Debug, true},
		{"1", Info, true},
		{"7", Warning, false},
		{"loud", Warning, false},
	} {
		got, err := ParseLevel(tc.in)
		if (err == nil) != tc.ok || (tc.ok && got != tc.want) {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, ok=%v", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func TestRateLimitedLoggerReportsDrops(t *testing.T) {
	rec := &recordingLogger{}
	rl := RateLimitedLogger(rec, time.Hour)
	rl.Warningf("busy")
	rl.Warningf("busy")
	rl.Warningf("busy")
	if len(rec.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(rec.lines), rec.lines)
	}
	if got := rl.(*rateLimitedLogger).dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}
