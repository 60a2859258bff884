package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sink decouples the decision path from audit I/O. Emit enqueues and returns
// immediately; a full queue drops the record. The decision path must never
// block on sink failure.
type Sink struct {
	writer  *Writer
	emitter *KafkaEmitter

	queue   chan Record
	once    sync.Once
	done    chan struct{}
	dropped int64
	mu      sync.Mutex
}

func NewSink(writer *Writer, emitter *KafkaEmitter, depth int) *Sink {
	if depth <= 0 {
		depth = 1024
	}
	s := &Sink{
		writer:  writer,
		emitter: emitter,
		queue:   make(chan Record, depth),
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *Sink) Emit(rec Record) {
	select {
	case s.queue <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Sink) drain() {
	for {
		select {
		case <-s.done:
			return
		case rec := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if s.writer != nil {
				if err := s.writer.Append(ctx, rec); err != nil {
					log.Printf("audit append failed: %v", err)
				}
			}
			if s.emitter != nil {
				if err := s.emitter.Emit(ctx, rec); err != nil {
					log.Printf("audit emit failed: %v", err)
				}
			}
			cancel()
		}
	}
}
