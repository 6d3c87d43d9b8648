// Package logrelay forwards log records to a cross-process collector
// socket. Emit never blocks the caller: records queue through a bounded
// channel and are dropped (and counted) when the transport is down or
// the queue is full.
package logrelay

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync/atomic"
	"time"
)

// Record is one relayed log entry.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink is the collaborator interface the control plane logs through.
type Sink interface {
	Emit(Record)
}

const (
	defaultQueueSize = 1024
	redialInterval   = 2 * time.Second
	writeTimeout     = time.Second
)

// SocketSink relays records over TCP to a log collector. Each record is
// framed as a 4-byte big-endian length followed by the JSON body, the
// framing the collector's stream handler expects.
type SocketSink struct {
	addr    string
	queue   chan Record
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Uint64
}

// NewSocketSink starts the relay goroutine. The sink is usable
// immediately; records emitted before the first successful dial are
// dropped and counted.
func NewSocketSink(addr string) *SocketSink {
	s := &SocketSink{
		addr:    addr,
		queue:   make(chan Record, defaultQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues one record without blocking. A full queue drops the record.
func (s *SocketSink) Emit(rec Record) {
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded because the queue was
// full or the collector unreachable.
func (s *SocketSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the relay goroutine. Queued records not yet written are
// discarded.
func (s *SocketSink) Close() error {
	close(s.done)
	<-s.stopped
	return nil
}

func (s *SocketSink) run() {
	defer close(s.stopped)

	var conn net.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case rec := <-s.queue:
			if conn == nil {
				conn = s.dial()
				if conn == nil {
					s.dropped.Add(1)
					continue
				}
			}
			if err := writeFrame(conn, rec); err != nil {
				_ = conn.Close()
				conn = nil
				s.dropped.Add(1)
			}
		}
	}
}

// dial makes one connection attempt; failures are not retried here, the
// next record triggers the next attempt (bounded, explicit retry).
func (s *SocketSink) dial() net.Conn {
	conn, err := net.DialTimeout("tcp", s.addr, redialInterval)
	if err != nil {
		return nil
	}
	return conn
}

func writeFrame(conn net.Conn, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frame)
	return err
}
