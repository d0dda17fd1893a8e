package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestRecordAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	defer w.Close()

	events := []Event{
		{Name: "collect.completed", Router: "edge1", Outcome: "success"},
		{Name: "policy.generated", Router: "edge1", AS: 13335, Outcome: "success"},
		{Name: "apply.rolled_back", Router: "edge1", Outcome: "failure", Detail: "reason=timer"},
	}
	for _, ev := range events {
		if err := w.Record(ev); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var decoded []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		decoded = append(decoded, ev)
	}

	if len(decoded) != 3 {
		t.Fatalf("event count = %d, want 3", len(decoded))
	}
	if decoded[1].AS != 13335 {
		t.Errorf("as = %d, want 13335", decoded[1].AS)
	}
	if decoded[2].Detail != "reason=timer" {
		t.Errorf("detail = %q", decoded[2].Detail)
	}
	for _, ev := range decoded {
		if ev.Timestamp.IsZero() {
			t.Error("event missing timestamp")
		}
	}
}

func TestRecordCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nested", "audit.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	defer w.Close()

	if err := w.Record(Event{Name: "run.started", Outcome: "success"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("audit file not created: %v", err)
	}
}

func TestRecordConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Record(Event{Name: "worker.tick", Outcome: "success"})
			}
		}()
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("interleaved write corrupted a line: %v", err)
		}
		count++
	}
	if count != 500 {
		t.Errorf("event count = %d, want 500", count)
	}
}
