package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestComposeRunSummary(t *testing.T) {
	dir := t.TempDir()
	summary := "Deployment summary (2025-06-01T12:00:00Z)\nRouters: 2\n"
	if err := os.WriteFile(filepath.Join(dir, "deployment-summary.txt"), []byte(summary), 0644); err != nil {
		t.Fatal(err)
	}

	msg, err := ComposeRunSummary(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("ComposeRunSummary() error: %v", err)
	}
	if !strings.HasPrefix(msg.Subject, "otto-bgp: Deployment summary") {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "Routers: 2") {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestComposeRunSummaryMissing(t *testing.T) {
	if _, err := ComposeRunSummary(zap.NewNop(), t.TempDir()); err == nil {
		t.Error("expected error without a summary artifact")
	}
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	sink := FileSink{Dir: dir}

	if err := sink.Send(Message{Subject: "test", Body: "hello\n"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("spool entries = %d, want 1", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Subject: test") {
		t.Errorf("spooled message = %q", data)
	}
}
