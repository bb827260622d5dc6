// Package stream consumes the backend's live evaluation feed and delivers it
// as an ordered sequence of typed events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/logging"
	"github.com/mbd888/regshield/internal/metrics"
)

// Status of a stream subscription.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// Terminal reports whether no further events follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// Kind of a stream event.
type Kind string

const (
	// KindProgress carries a progress or status change: the expected total,
	// or an error notice from the feed.
	KindProgress Kind = "progress"
	// KindData carries one evaluation result.
	KindData Kind = "data"
	// KindTerminal is the last event of a subscription.
	KindTerminal Kind = "terminal"
)

// Progress counts delivered data messages against the announced total.
// Total is zero until the feed announces it.
type Progress struct {
	Received int `json:"received"`
	Total    int `json:"total"`
}

// Event is one item delivered to the subscriber.
type Event struct {
	Kind     Kind               `json:"kind"`
	Status   Status             `json:"status"`
	Progress Progress           `json:"progress"`
	Result   *evaluation.Result `json:"result,omitempty"`
	Message  string             `json:"message,omitempty"`
	// TransactionID names the transaction an error notice refers to.
	TransactionID string `json:"transaction_id,omitempty"`
}

// Opener opens the server-push channel.
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (io.ReadCloser, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// message is the union of every shape the feed emits.
type message struct {
	Status        string `json:"status"`
	Total         *int   `json:"total"`
	Error         string `json:"error"`
	TransactionID string `json:"transaction_id"`
}

// Consumer owns at most one active subscription.
type Consumer struct {
	opener Opener
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	active *Subscription
}

// NewConsumer creates a consumer.
func NewConsumer(opener Opener, logger *slog.Logger) *Consumer {
	logger = logging.Component(logger, "stream")
	return &Consumer{opener: opener, logger: logger, buffer: 64}
}

// Start opens the stream. While a subscription is active the existing one
// is returned unchanged.
func (c *Consumer) Start(ctx context.Context) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.active.finished() {
		return c.active
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		events: make(chan Event, c.buffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: c.logger,
		status: StatusConnecting,
	}
	c.active = s
	metrics.ActiveStreams.Inc()
	go s.run(ctx, c.opener)
	return s
}

// Active returns the current subscription, or nil.
func (c *Consumer) Active() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stop stops the current subscription, if any. Safe to call repeatedly.
func (c *Consumer) Stop() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// Status returns the current subscription's status, or idle.
func (c *Consumer) Status() Status {
	if s := c.Active(); s != nil {
		return s.Status()
	}
	return StatusIdle
}

// Subscription is the handle for one stream. Its events channel is closed
// after the terminal event.
type Subscription struct {
	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	stopOnce  sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	stopped  bool
	body     io.ReadCloser
	status   Status
	progress Progress
}

// Events returns the ordered event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the reader has finished and the connection is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Status returns the subscription's current status.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the current progress counters.
func (s *Subscription) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Stop closes the stream. Safe to call from any state, any number of times.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		s.closeBody()
	})
}

func (s *Subscription) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Stopped reports whether Stop was called. Events still buffered after a
// stop should be discarded by the reader.
func (s *Subscription) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Subscription) setBody(b io.ReadCloser) bool {
	s.mu.Lock()
	if !s.stopped {
		s.body = b
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { _ = b.Close() })
	return false
}

// closeBody releases the connection exactly once.
func (s *Subscription) closeBody() {
	s.mu.Lock()
	b := s.body
	s.mu.Unlock()
	if b == nil {
		return
	}
	s.closeOnce.Do(func() { _ = b.Close() })
}

func (s *Subscription) run(ctx context.Context, opener Opener) {
	defer close(s.done)
	defer close(s.events)
	defer metrics.ActiveStreams.Dec()
	defer s.closeBody()
	defer s.cancel()

	body, err := opener.Open(ctx)
	if err != nil {
		if s.Stopped() || ctx.Err() != nil {
			s.finish(StatusStopped, "")
			return
		}
		s.logger.Warn("stream connect failed", "error", err)
		s.finish(StatusError, err.Error())
		return
	}
	if !s.setBody(body) {
		s.finish(StatusStopped, "")
		return
	}
	s.setStatus(StatusStreaming)

	dec := newDecoder(body)
	for {
		payload, err := dec.Next()
		if err != nil {
			switch {
			case s.Stopped() || ctx.Err() != nil:
				s.finish(StatusStopped, "")
			case errors.Is(err, io.EOF):
				s.logger.Warn("stream closed before completion")
				s.finish(StatusError, "stream closed before completion")
			default:
				s.logger.Warn("stream transport failed", "error", err)
				s.finish(StatusError, err.Error())
			}
			return
		}
		if done := s.dispatch(payload); done {
			s.closeBody()
			s.finish(StatusCompleted, "")
			return
		}
	}
}

// dispatch handles one message and reports whether it was the completion
// marker.
func (s *Subscription) dispatch(payload []byte) bool {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		metrics.StreamMessagesTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("discarding malformed stream message", "error", err)
		return false
	}

	switch {
	case m.Error != "":
		metrics.StreamMessagesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("stream reported error", "error", m.Error, "transactionId", m.TransactionID)
		st, p := s.update(func(st *Status, _ *Progress) { *st = StatusError })
		s.send(Event{Kind: KindProgress, Status: st, Progress: p, Message: m.Error, TransactionID: m.TransactionID})
		return false

	case m.Status == "completed":
		metrics.StreamMessagesTotal.WithLabelValues("completed").Inc()
		return true

	case m.Status == "started" || (m.Total != nil && m.TransactionID == ""):
		metrics.StreamMessagesTotal.WithLabelValues("started").Inc()
		st, p := s.update(func(_ *Status, p *Progress) {
			if m.Total != nil {
				p.Total = *m.Total
			}
		})
		s.send(Event{Kind: KindProgress, Status: st, Progress: p})
		return false

	case m.TransactionID != "":
		res, err := evaluation.Decode(payload)
		if err != nil {
			metrics.StreamMessagesTotal.WithLabelValues("malformed").Inc()
			s.logger.Warn("discarding malformed stream result", "error", err)
			return false
		}
		metrics.StreamMessagesTotal.WithLabelValues("data").Inc()
		st, p := s.update(func(st *Status, p *Progress) {
			*st = StatusStreaming
			p.Received++
		})
		s.send(Event{Kind: KindData, Status: st, Progress: p, Result: &res})
		return false
	}

	metrics.StreamMessagesTotal.WithLabelValues("ignored").Inc()
	s.logger.Debug("ignoring stream message", "payload", string(payload))
	return false
}

func (s *Subscription) update(fn func(*Status, *Progress)) (Status, Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status, &s.progress)
	return s.status, s.progress
}

func (s *Subscription) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Subscription) finish(st Status, msg string) {
	status, p := s.update(func(cur *Status, _ *Progress) { *cur = st })
	ev := Event{Kind: KindTerminal, Status: status, Progress: p, Message: msg}
	if st == StatusStopped {
		// Nobody may be reading after a stop.
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// send delivers ev in order, giving up only if the subscription is stopped.
func (s *Subscription) send(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
