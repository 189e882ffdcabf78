package engine

import (
	"context"
	"sync"

	"inferd/pkg/types"
)

type outcome struct {
	resp types.Response
	err  error
}

// Pending is the completion handle returned by Submit. The scheduler
// resolves it exactly once; a caller that gives up simply stops waiting and
// the buffered result is discarded unread.
type Pending struct {
	ch chan outcome
}

func newPending() *Pending {
	return &Pending{ch: make(chan outcome, 1)}
}

// resolve completes the handle. The 1-buffered channel means the scheduler
// never blocks on a detached caller.
func (p *Pending) resolve(resp types.Response, err error) {
	select {
	case p.ch <- outcome{resp: resp, err: err}:
	default:
		// already resolved; a Response is produced exactly once
	}
}

// Wait blocks until the request resolves or ctx expires. Deadline expiry is
// surfaced as a timeout error; the in-flight dispatch is not aborted.
func (p *Pending) Wait(ctx context.Context) (types.Response, error) {
	select {
	case o := <-p.ch:
		return o.resp, o.err
	case <-ctx.Done():
		return types.Response{}, timeoutError{cause: ctx.Err()}
	}
}

// StreamEvent is one item of a token stream. Exactly one of the fields is
// meaningful: a Token, the terminal Final response, or a terminal Err.
type StreamEvent struct {
	Token string
	Final *types.Response
	Err   error
}

// TokenStream is the single-pass, finite sequence returned by
// SubmitStreaming. The producer ends it with exactly one terminator event
// (Final or Err) and then closes the channel; it is not restartable.
type TokenStream struct {
	events     chan StreamEvent
	cancel     chan struct{}
	cancelOnce sync.Once
}

func newTokenStream(buffer int) *TokenStream {
	if buffer <= 0 {
		buffer = 16
	}
	return &TokenStream{
		events: make(chan StreamEvent, buffer),
		cancel: make(chan struct{}),
	}
}

// Events returns the consumer side of the stream. The channel is closed
// after the terminator event.
func (s *TokenStream) Events() <-chan StreamEvent { return s.events }

// Cancel signals the producer to stop emitting and release backend
// resources tied to this request. Safe to call more than once.
func (s *TokenStream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// emit delivers one event, honoring consumer cancellation. Reports false
// when the stream is canceled.
func (s *TokenStream) emit(ev StreamEvent) bool {
	select {
	case <-s.cancel:
		return false
	case s.events <- ev:
		return true
	}
}

// finish sends the terminator and closes the stream.
func (s *TokenStream) finish(ev StreamEvent) {
	s.emit(ev)
	close(s.events)
}
