package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// DecisionSample is one recorded routing decision: the inputs, the output,
// and whether the deterministic fallback produced it. Kept for offline
// review of classifier quality.
type DecisionSample struct {
	PromptVersion string          `json:"prompt_version"`
	FallbackUsed  bool            `json:"fallback_used"`
	LLMMillis     int64           `json:"llm_ms"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        RouterDecision  `json:"labels"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// SampleSink persists decision samples.
type SampleSink interface {
	WriteSample(ctx context.Context, sample DecisionSample) error
}

const (
	defaultSampleQueueSize = 64
	sampleWriteTimeout     = 10 * time.Second
)

// SampleRecorder is a bounded fire-and-forget queue in front of a
// SampleSink. Record never blocks and never fails the caller: samples are
// dropped when the queue is full, and sink errors are only logged.
type SampleRecorder struct {
	ch   chan DecisionSample
	done chan struct{}
	once sync.Once
}

// NewSampleRecorder starts a single consumer goroutine draining samples into
// sink. Call Close to flush and stop it.
func NewSampleRecorder(sink SampleSink, queueSize int) *SampleRecorder {
	if queueSize <= 0 {
		queueSize = defaultSampleQueueSize
	}
	r := &SampleRecorder{
		ch:   make(chan DecisionSample, queueSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for sample := range r.ch {
			if sink == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), sampleWriteTimeout)
			if err := sink.WriteSample(ctx, sample); err != nil {
				log.Printf("routing: decision sample write failed: %v", err)
			}
			cancel()
		}
	}()
	return r
}

// Record enqueues a sample without blocking. Full queue drops the sample.
func (r *SampleRecorder) Record(sample DecisionSample) {
	select {
	case r.ch <- sample:
	default:
	}
}

// Close drains queued samples and stops the consumer. Safe to call more than
// once.
func (r *SampleRecorder) Close() {
	r.once.Do(func() { close(r.ch) })
	<-r.done
}

// FileSampleSink appends decision samples as JSONL rows.
type FileSampleSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSampleSink(path string) *FileSampleSink {
	return &FileSampleSink{path: path}
}

func (s *FileSampleSink) WriteSample(_ context.Context, sample DecisionSample) error {
	line, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("WriteSample: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("WriteSample: open %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("WriteSample: write: %w", err)
	}
	return nil
}
