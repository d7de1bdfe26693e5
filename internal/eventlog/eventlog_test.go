package eventlog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.Local)

func TestFormatRecord(t *testing.T) {
	if got := FormatRecord(Event{Kind: Connected, At: at}); got != "new , 2024-05-01 12:00:00.123456\n" {
		t.Fatalf("unexpected connected record %q", got)
	}
	if got := FormatRecord(Event{Kind: Disconnected, At: at}); got != "loss, 2024-05-01 12:00:00.123456\n" {
		t.Fatalf("unexpected disconnected record %q", got)
	}
}

func TestFileAppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "log.txt")
	f := NewFile(path, 0)

	for _, k := range []Kind{Connected, Disconnected, Connected} {
		if err := f.Write(Event{Kind: k, At: at}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), b)
	}
	if !strings.HasPrefix(lines[0], "new , ") || !strings.HasPrefix(lines[1], "loss, ") || !strings.HasPrefix(lines[2], "new , ") {
		t.Fatalf("records out of order: %q", lines)
	}
}

func TestFileTruncatesOnceOverThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	record := int64(len(FormatRecord(Event{Kind: Connected, At: at})))
	threshold := 3 * record
	f := NewFile(path, threshold)

	size := func() int64 {
		st, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		return st.Size()
	}

	// At the threshold the file is kept.
	for i := 0; i < 3; i++ {
		if err := f.Write(Event{Kind: Connected, At: at}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if size() != threshold {
		t.Fatalf("expected %d bytes, got %d", threshold, size())
	}

	// One record past the threshold is the largest the file can get.
	if err := f.Write(Event{Kind: Disconnected, At: at}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if size() != threshold+record {
		t.Fatalf("expected %d bytes, got %d", threshold+record, size())
	}

	// The next write starts a fresh file.
	if err := f.Write(Event{Kind: Connected, At: at}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if size() != record {
		t.Fatalf("expected fresh file of %d bytes, got %d", record, size())
	}
	b, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(b), "new , ") {
		t.Fatalf("fresh file has unexpected content %q", b)
	}
}

func TestFileWriteErrorOnUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	f := NewFile(filepath.Join(blocker, "log.txt"), 0)
	if err := f.Write(Event{Kind: Connected, At: at}); err == nil {
		t.Fatalf("expected error writing below a regular file")
	}
}

type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) Write(ev Event) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestLogContinuesPastFailingSink(t *testing.T) {
	bad := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	l := New(bad, nil, good)

	l.Record(Event{Kind: Connected, At: at, LinkID: "a"})

	if len(bad.events) != 1 || len(good.events) != 1 {
		t.Fatalf("expected both sinks to see the event, got bad=%d good=%d", len(bad.events), len(good.events))
	}
	if good.events[0].LinkID != "a" {
		t.Fatalf("event not forwarded intact: %+v", good.events[0])
	}
}

type fakePublisher struct {
	topic   string
	payload []byte
	retain  bool
}

func (p *fakePublisher) PublishWith(topic string, payload []byte, retain bool) error {
	p.topic, p.payload, p.retain = topic, payload, retain
	return nil
}

func TestStatusSinkPublishesRetainedState(t *testing.T) {
	pub := &fakePublisher{}
	s := NewStatusSink(pub, "homenavi/door-relay/status")

	if err := s.Write(Event{Kind: Disconnected, At: at}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pub.topic != "homenavi/door-relay/status" || !pub.retain {
		t.Fatalf("unexpected publish topic=%q retain=%v", pub.topic, pub.retain)
	}
	var got StatusPayload
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if got.Connected || !got.At.Equal(at) {
		t.Fatalf("unexpected payload %+v", got)
	}
}
