package engine

import (
	"sync"

	"github.com/kuuji/roomrtc/internal/rtc"
)

// channelSlot owns one logical data channel (fast or reliable) across peer
// rebuilds: it records the impl it is bound to (and that impl's
// pcGeneration), and tells a stale onclose from a torn-down peer's channel
// apart from the live one by impl identity (spec.md §9, "mixed ownership
// of the peer between the engine and the data channels").
type channelSlot struct {
	label     string
	lowThresh uint64

	mu         sync.Mutex
	impl       rtc.DataChannelImpl
	generation int64
	open       bool
	queue      []string
	openWaiters []chan struct{}
}

func newChannelSlot(label string, lowThresh uint64) *channelSlot {
	return &channelSlot{label: label, lowThresh: lowThresh}
}

// bind attaches impl as the slot's current channel for generation gen and
// wires its open/close/bufferedAmountLow handlers. onOpen/onClose are
// engine-level callbacks invoked once the ownership checks pass.
func (s *channelSlot) bind(impl rtc.DataChannelImpl, gen int64, onOpen func(), onClose func(), onMessage func(string)) {
	impl.SetBufferedAmountLowThreshold(s.lowThresh)

	s.mu.Lock()
	s.impl = impl
	s.generation = gen
	s.open = impl.ReadyState() == rtc.DataChannelStateOpen
	s.mu.Unlock()

	impl.OnOpen(func() {
		s.mu.Lock()
		if s.impl != impl {
			s.mu.Unlock()
			return
		}
		s.open = true
		queued := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, msg := range queued {
			_ = impl.SendText(msg)
		}
		if onOpen != nil {
			onOpen()
		}
	})

	impl.OnClose(func() {
		s.mu.Lock()
		if s.impl != impl {
			// Stale close from a torn-down peer's channel — ignore.
			s.mu.Unlock()
			return
		}
		s.open = false
		s.impl = nil
		s.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})

	impl.OnBufferedAmountLow(func() {
		s.mu.Lock()
		waiters := s.openWaiters
		s.openWaiters = nil
		s.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	})

	impl.OnMessage(func(data []byte, _ bool) {
		if s.isOwnerOf(impl) && onMessage != nil {
			onMessage(string(data))
		}
	})
}

// isOwnerOf reports whether impl is still this slot's live channel.
func (s *channelSlot) isOwnerOf(impl rtc.DataChannelImpl) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.impl == impl
}

func (s *channelSlot) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// send implements spec.md §4.4.6: if open, wait out backpressure then send
// synchronously; otherwise enqueue and let the open handler drain it.
func (s *channelSlot) send(text string) {
	s.mu.Lock()
	if !s.open || s.impl == nil {
		s.queue = append(s.queue, text)
		s.mu.Unlock()
		return
	}
	impl := s.impl
	s.mu.Unlock()

	s.waitBackpressure(impl)
	_ = impl.SendText(text)
}

// waitBackpressure blocks until impl's bufferedAmount falls at or below
// the slot's low-water threshold.
func (s *channelSlot) waitBackpressure(impl rtc.DataChannelImpl) {
	for {
		if impl.BufferedAmount() <= s.lowThresh {
			return
		}
		ch := make(chan struct{})
		s.mu.Lock()
		if s.impl != impl {
			s.mu.Unlock()
			return
		}
		s.openWaiters = append(s.openWaiters, ch)
		s.mu.Unlock()
		<-ch
	}
}

// reset unbinds the current impl, marks the slot closed and releases any
// backpressure waiters; queued sends are kept and drained when a channel
// next opens on this slot. Used when the owning peer is torn down so stale
// waiters don't leak.
func (s *channelSlot) reset() {
	s.mu.Lock()
	s.impl = nil
	s.open = false
	waiters := s.openWaiters
	s.openWaiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}
