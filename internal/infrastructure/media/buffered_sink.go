package media

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultSupportedCodecs covers the capture profiles the recorder produces.
var DefaultSupportedCodecs = []string{"vp8", "vp9", "opus", "h264"}

// BufferedSink is a media sink over an io.Writer with a bounded append
// buffer. It emits SinkOpened once the codec probe passes and SinkReady after
// each append drains, which is the backpressure signal the assembler keys
// off.
type BufferedSink struct {
	w         io.Writer
	supported map[string]bool
	logger    *zap.SugaredLogger

	events  chan ports.SinkEvent
	appends chan []byte
	quit    chan struct{}

	mu     sync.Mutex
	opened bool
	closed bool
}

func NewBufferedSink(w io.Writer, supportedCodecs []string, logger *zap.SugaredLogger) *BufferedSink {
	if len(supportedCodecs) == 0 {
		supportedCodecs = DefaultSupportedCodecs
	}
	supported := make(map[string]bool, len(supportedCodecs))
	for _, c := range supportedCodecs {
		supported[strings.ToLower(strings.TrimSpace(c))] = true
	}
	return &BufferedSink{
		w:         w,
		supported: supported,
		logger:    logger,
		events:    make(chan ports.SinkEvent, 4),
		appends:   make(chan []byte, 1),
		quit:      make(chan struct{}),
	}
}

// Open probes codec support. Every codec in a comma-separated list must be
// supported; an unsupported codec is terminal for playback.
func (s *BufferedSink) Open(ctx context.Context, codec string) error {
	for _, c := range strings.Split(codec, ",") {
		if !s.supported[strings.ToLower(strings.TrimSpace(c))] {
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, c)
		}
	}

	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("sink already opened or closed")
	}
	s.opened = true
	s.mu.Unlock()

	go s.drain()
	s.events <- ports.SinkEvent{Kind: ports.SinkOpened}
	return nil
}

// Append hands one segment to the sink. It blocks only while the bounded
// buffer is full, which the assembler never lets happen (it waits for
// SinkReady between appends).
func (s *BufferedSink) Append(segment []byte) error {
	s.mu.Lock()
	if s.closed || !s.opened {
		s.mu.Unlock()
		return fmt.Errorf("sink is not accepting data")
	}
	s.mu.Unlock()

	// The send must race cleanly with Close: a caller parked on a full buffer
	// is released, not panicked, when the sink shuts down underneath it.
	select {
	case s.appends <- segment:
		return nil
	case <-s.quit:
		return fmt.Errorf("sink is not accepting data")
	}
}

func (s *BufferedSink) Events() <-chan ports.SinkEvent {
	return s.events
}

// Close is idempotent. Pending appends are dropped; no events fire after
// Close returns the sink to its caller.
func (s *BufferedSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	return nil
}

func (s *BufferedSink) drain() {
	for {
		var segment []byte
		select {
		case <-s.quit:
			return
		case segment = <-s.appends:
		}

		_, err := s.w.Write(segment)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		if err != nil {
			s.emit(ports.SinkEvent{Kind: ports.SinkFailed, Err: fmt.Errorf("failed to write segment: %w", err)})
			return
		}
		s.emit(ports.SinkEvent{Kind: ports.SinkReady})
	}
}

func (s *BufferedSink) emit(ev ports.SinkEvent) {
	select {
	case s.events <- ev:
	default:
		if s.logger != nil {
			s.logger.Warnw("sink event dropped, consumer stalled", "kind", ev.Kind)
		}
	}
}
