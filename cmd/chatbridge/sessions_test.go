package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/session"
)

func testSessions() []session.Session {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	closed := created.Add(time.Hour)
	return []session.Session{
		{ID: "c-1", VendorID: "+15550100", Channel: channel.SMS, PreviousID: session.InitialID, NextID: "c-2", CreatedAt: created, ClosedAt: &closed, ParticipantToken: "secret"},
		{ID: "c-2", VendorID: "+15550100", Channel: channel.SMS, PreviousID: "c-1", NextID: session.CurrentID, CreatedAt: closed},
	}
}

func TestWriteSessionsTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := writeSessions(&buf, "table", testSessions()); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
	if !strings.Contains(lines[1], "2026-03-01T10:00:00Z") || !strings.HasSuffix(strings.TrimSpace(lines[2]), "-") {
		t.Fatalf("unexpected closed column:\n%s", buf.String())
	}
}

func TestWriteSessionsJSONAndYAML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := writeSessions(&buf, "json", testSessions()); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("participant token leaked: %s", buf.String())
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(decoded) != 2 || decoded[1]["previous_id"] != "c-1" {
		t.Fatalf("unexpected json %v", decoded)
	}

	buf.Reset()
	if err := writeSessions(&buf, "yaml", testSessions()); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	var items []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &items); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if len(items) != 2 || items[0]["next_id"] != "c-2" {
		t.Fatalf("unexpected yaml %v", items)
	}

	if err := writeSessions(&buf, "xml", nil); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
