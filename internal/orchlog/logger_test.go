// Copyright 2025 Tom Barlow
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

package orchlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/amelia-dev/orchestrator/pkg/secrets"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("hello", slog.String("foo", "bar"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log line, got error: %v, body: %s", err, buf.String())
	}
	if entry["foo"] != "bar" {
		t.Errorf("expected field foo=bar, got %v", entry["foo"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected text output to contain message, got %q", buf.String())
	}
}

func TestParseLevel_Trace(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	logger.Log(context.Background(), LevelTrace, "deep trace")
	if !strings.Contains(buf.String(), "deep trace") {
		t.Errorf("expected trace level message to be emitted, got %q", buf.String())
	}
}

func TestWithWorkflow_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	scoped := WithWorkflow(base, "wf-1", "/tmp/wt")
	scoped.Info("started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry[WorkflowIDKey] != "wf-1" || entry[WorktreeKey] != "/tmp/wt" {
		t.Errorf("expected workflow fields, got %v", entry)
	}
}

func TestNew_MaskerRedactsSecretAttrs(t *testing.T) {
	var buf bytes.Buffer
	masker := secrets.NewMasker()
	masker.AddSecret("sk-super-secret")
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf, Masker: masker})

	logger.Info("starting agent", slog.String("api_key", "sk-super-secret"), slog.Int("attempt", 1))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["api_key"] != "***" {
		t.Errorf("expected api_key to be masked, got %v", entry["api_key"])
	}
	if entry["attempt"] != float64(1) {
		t.Errorf("expected non-string attrs to pass through untouched, got %v", entry["attempt"])
	}
	if strings.Contains(buf.String(), "sk-super-secret") {
		t.Errorf("secret leaked into log output: %s", buf.String())
	}
}

func TestWithCorrelationID_EmptyIsNoop(t *testing.T) {
	base := slog.Default()
	if WithCorrelationID(base, "") != base {
		t.Error("expected empty correlation id to return the same logger")
	}
}
