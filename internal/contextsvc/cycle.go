package contextsvc

import (
	"bytes"
	"runtime"
	"strconv"
)

// beginCycle serialises frame cycles. Callers on other goroutines wait for the
// running cycle, notifications included, to finish. A call from the goroutine
// that owns the running cycle (an observer submitting a frame) would never be
// admitted and gets ErrFrameInProgress instead.
func (s *Service) beginCycle() (end func(), err error) {
	id := goroutineID()
	if s.cycleOwner.Load() == id {
		return nil, ErrFrameInProgress
	}
	s.cycleMu.Lock()
	s.cycleOwner.Store(id)
	return func() {
		s.cycleOwner.Store(0)
		s.cycleMu.Unlock()
	}, nil
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID returns the id of the calling goroutine, read from the header
// line of its stack trace ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("contextsvc: cannot parse goroutine id: " + err.Error())
	}
	return id
}
