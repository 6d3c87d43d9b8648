package logrelay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

// collect accepts one connection and decodes length-prefixed JSON frames
// into records until the connection closes.
func collect(t *testing.T, ln net.Listener, records chan<- Record) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			t.Errorf("bad frame body: %v", err)
			return
		}
		records <- rec
	}
}

func TestSocketSinkDeliversFramedRecords(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	records := make(chan Record, 8)
	go collect(t, ln, records)

	sink := NewSocketSink(ln.Addr().String())
	defer sink.Close()

	sink.Emit(Record{
		Time:    time.Now().UTC(),
		Level:   "INFO",
		Source:  "eeg-module",
		Message: "worker started",
		Fields:  map[string]any{"worker": "cam"},
	})

	select {
	case rec := <-records:
		if rec.Message != "worker started" || rec.Source != "eeg-module" {
			t.Fatalf("received %+v", rec)
		}
		if rec.Fields["worker"] != "cam" {
			t.Fatalf("fields = %v", rec.Fields)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no record delivered within 3s")
	}

	if got := sink.Dropped(); got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}
}

func TestSocketSinkCountsDropsWhenUnreachable(t *testing.T) {
	t.Parallel()

	// Reserve a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	sink := NewSocketSink(addr)
	defer sink.Close()

	for i := 0; i < 5; i++ {
		sink.Emit(Record{Level: "INFO", Message: "unreachable"})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Dropped() >= 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dropped = %d, want at least 5", sink.Dropped())
}

// recordingSink captures emitted records in memory for handler tests.
type recordingSink struct {
	records []Record
}

func (r *recordingSink) Emit(rec Record) { r.records = append(r.records, rec) }

func TestHandlerForwardsAttrs(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHandler(sink, "eeg-module", slog.LevelInfo)
	logger := slog.New(handler).With("component", "registry")

	logger.Info("worker stopped", "worker", "cam", "state", "STOPPED")
	logger.Debug("ignored below level")

	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Message != "worker stopped" || rec.Level != "INFO" || rec.Source != "eeg-module" {
		t.Fatalf("record = %+v", rec)
	}
	for key, want := range map[string]any{
		"component": "registry",
		"worker":    "cam",
		"state":     "STOPPED",
	} {
		if rec.Fields[key] != want {
			t.Errorf("field %s = %v, want %v", key, rec.Fields[key], want)
		}
	}
}

func TestHandlerEnabledHonorsLevel(t *testing.T) {
	t.Parallel()

	handler := NewHandler(&recordingSink{}, "m", slog.LevelWarn)
	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("INFO enabled under a WARN threshold")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("ERROR disabled under a WARN threshold")
	}
}
