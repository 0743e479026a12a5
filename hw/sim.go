package hw

import (
	"sync"
)

// SimRegisterFile is an in-process register file implementing RegisterIO and
// PowerManager. It stands in for the memory-mapped V3D window in tests:
// writes are recorded, and tests trigger the asynchronous completion path by
// hand instead of waiting on real hardware.
type SimRegisterFile struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	writes map[uint32]int

	powerOn          bool
	powerTransitions int

	completion func(binEnd, renderEnd uint32)
	overflow   func()
}

func NewSimRegisterFile() *SimRegisterFile {
	return &SimRegisterFile{
		regs:    make(map[uint32]uint32),
		writes:  make(map[uint32]int),
		powerOn: true,
	}
}

func (s *SimRegisterFile) Read(offset uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.regs[offset]
}

func (s *SimRegisterFile) Write(offset uint32, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes[offset]++

	if offset == CT0CS || offset == CT1CS {
		// Reset and run bits are write-to-clear on hardware; don't latch.
		return
	}

	s.regs[offset] = value
}

// Writes reports how many times a register has been written.
func (s *SimRegisterFile) Writes(offset uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writes[offset]
}

func (s *SimRegisterFile) SetPower(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.powerOn != on {
		s.powerTransitions++
	}
	s.powerOn = on
}

func (s *SimRegisterFile) PowerTransitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.powerTransitions
}

// SetCompletionHandler registers the interrupt-context completion sink. The
// handler receives the two retired control-list end addresses.
func (s *SimRegisterFile) SetCompletionHandler(fn func(binEnd, renderEnd uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completion = fn
}

// SetOverflowHandler registers the binner out-of-memory sink.
func (s *SimRegisterFile) SetOverflowHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.overflow = fn
}

// CompleteFrame models the frame-done interrupt: the currently latched
// control-list end addresses retire, and both current-address registers
// advance to their ends.
func (s *SimRegisterFile) CompleteFrame() {
	s.mu.Lock()
	binEnd := s.regs[CT0EA]
	renderEnd := s.regs[CT1EA]
	s.regs[CT0CA] = binEnd
	s.regs[CT1CA] = renderEnd
	fn := s.completion
	s.mu.Unlock()

	if fn != nil {
		fn(binEnd, renderEnd)
	}
}

// SignalOverflow models the binner out-of-memory interrupt.
func (s *SimRegisterFile) SignalOverflow() {
	s.mu.Lock()
	fn := s.overflow
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// AdvanceProgress bumps the current-address registers, simulating a pipeline
// that is still making forward progress.
func (s *SimRegisterFile) AdvanceProgress(binDelta, renderDelta uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regs[CT0CA] += binDelta
	s.regs[CT1CA] += renderDelta
}
