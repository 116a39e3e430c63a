package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "contacts-consumer", "test", "1.0", "debug")
	l.Info(context.Background(), "consumer.start", "started", slog.String("topic", "contacts"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["event"] != "consumer.start" || line["msg"] != "started" {
		t.Fatalf("unexpected line: %#v", line)
	}
	if _, ok := line["ts"]; !ok {
		t.Fatalf("missing ts: %#v", line)
	}
	if line["service"] != "contacts-consumer" || line["topic"] != "contacts" {
		t.Fatalf("unexpected attrs: %#v", line)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "svc", "test", "", "warn")
	l.Info(context.Background(), "noise", "dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	l.Warn(context.Background(), "kept", "kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn line")
	}
}

func TestMaskSSN(t *testing.T) {
	cases := map[string]string{
		"123-45-6789": "***-**-6789",
		"12":          "**",
		"":            "",
	}
	for in, want := range cases {
		if got := MaskSSN(in); got != want {
			t.Fatalf("MaskSSN(%q) = %q, want %q", in, got, want)
		}
	}
}
