// Package bff implements the BFF (Brainfuck-with-Friends) interpreter: a
// two-head, ten-opcode language executed on a bounded, linear byte tape.
// Execute never allocates after entry and always terminates.
package bff

// Opcodes, by their ASCII byte value.
const (
	OpHead0Left  byte = 0x3C // <
	OpHead0Right byte = 0x3E // >
	OpHead1Left  byte = 0x7B // {
	OpHead1Right byte = 0x7D // }
	OpMinus      byte = 0x2D // -
	OpPlus       byte = 0x2B // +
	OpDot        byte = 0x2E // .
	OpComma      byte = 0x2C // ,
	OpOpenLoop   byte = 0x5B // [
	OpCloseLoop  byte = 0x5D // ]
)

// HaltReason identifies why an Execute call stopped.
type HaltReason uint32

const (
	HaltEndOfTape HaltReason = iota
	HaltMaxSteps
	HaltUnmatchedBracket
	HaltNoInstructions
)

func (h HaltReason) String() string {
	switch h {
	case HaltEndOfTape:
		return "END_OF_TAPE"
	case HaltMaxSteps:
		return "MAX_STEPS"
	case HaltUnmatchedBracket:
		return "UNMATCHED_BRACKET"
	case HaltNoInstructions:
		return "NO_INSTRUCTIONS"
	default:
		return "UNKNOWN"
	}
}

// StatsRecordSize is the wire size of a Stats record: seven little-endian
// uint32 fields (steps, head0, head1, math, copy, loop, halt reason).
const StatsRecordSize = 28

// Stats summarizes a completed execution.
type Stats struct {
	Steps      uint32
	Head0Count uint32
	Head1Count uint32
	MathCount  uint32
	CopyCount  uint32
	LoopCount  uint32
	HaltReason HaltReason
}

// Wrote reports whether the execution observed any math or copy operation,
// the write-back gate used by callers deciding whether to commit a tape.
func (s Stats) Wrote() bool {
	return s.MathCount+s.CopyCount > 0
}

// Encode serializes s into the 28-byte little-endian record layout.
func (s Stats) Encode() [StatsRecordSize]byte {
	var out [StatsRecordSize]byte
	putU32(out[0:4], s.Steps)
	putU32(out[4:8], s.Head0Count)
	putU32(out[8:12], s.Head1Count)
	putU32(out[12:16], s.MathCount)
	putU32(out[16:20], s.CopyCount)
	putU32(out[20:24], s.LoopCount)
	putU32(out[24:28], uint32(s.HaltReason))
	return out
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// ExecConfig configures a single Execute call.
type ExecConfig struct {
	// Head1Offset is head1's starting position within the tape, taken
	// modulo the tape length. The zero value starts head1 at 0, on top of
	// head0; config.Default sets it to the region size R (the start of
	// region B), not the UI's documented 32.
	Head1Offset uint32
	// MaxSteps bounds stepCount before a forced halt.
	MaxSteps uint32
}

// HasInstructions reports whether data contains at least one of the ten
// opcode bytes. Execute uses this as a fast pre-check: a tape with no
// opcodes would otherwise walk to HaltEndOfTape producing no writes and no
// interesting counts, so Execute short-circuits instead.
func HasInstructions(data []byte) bool {
	for _, b := range data {
		switch b {
		case OpHead0Left, OpHead0Right, OpHead1Left, OpHead1Right,
			OpMinus, OpPlus, OpDot, OpComma, OpOpenLoop, OpCloseLoop:
			return true
		}
	}
	return false
}

// execState holds the ephemeral interpreter registers for one Execute call.
type execState struct {
	tape  []byte
	L     int
	ip    int
	head0 int
	head1 int

	head0Count uint32
	head1Count uint32
	mathCount  uint32
	copyCount  uint32
	loopCount  uint32

	failed     bool
	haltReason HaltReason
}

func wrap(x, l int) int {
	m := x % l
	if m < 0 {
		m += l
	}
	return m
}

// matchForward scans from ip (a '[' position) toward higher addresses,
// counting nested brackets, and returns the matching ']' position. It never
// wraps; reaching the end of the tape without closing the bracket reports
// ok=false.
func matchForward(tape []byte, ip, l int) (pos int, ok bool) {
	depth := 1
	pos = ip
	for {
		pos++
		if pos >= l {
			return 0, false
		}
		switch tape[pos] {
		case OpOpenLoop:
			depth++
		case OpCloseLoop:
			depth--
		}
		if depth == 0 {
			return pos, true
		}
	}
}

// matchBackward is matchForward's mirror for ']' scanning toward lower
// addresses.
func matchBackward(tape []byte, ip, l int) (pos int, ok bool) {
	depth := 1
	pos = ip
	for {
		pos--
		if pos < 0 {
			return 0, false
		}
		switch tape[pos] {
		case OpCloseLoop:
			depth++
		case OpOpenLoop:
			depth--
		}
		if depth == 0 {
			return pos, true
		}
	}
}

// dispatch executes the opcode at s.tape[s.ip]. Bytes that are not one of
// the ten opcodes are no-ops; dispatch does nothing for them, and the
// caller still counts the step and advances ip.
func dispatch(s *execState) {
	switch s.tape[s.ip] {
	case OpHead0Left:
		s.head0 = wrap(s.head0-1, s.L)
		s.head0Count++
	case OpHead0Right:
		s.head0 = wrap(s.head0+1, s.L)
		s.head0Count++
	case OpHead1Left:
		s.head1 = wrap(s.head1-1, s.L)
		s.head1Count++
	case OpHead1Right:
		s.head1 = wrap(s.head1+1, s.L)
		s.head1Count++
	case OpMinus:
		s.tape[s.head0]--
		s.mathCount++
	case OpPlus:
		s.tape[s.head0]++
		s.mathCount++
	case OpDot:
		s.tape[s.head1] = s.tape[s.head0]
		s.copyCount++
	case OpComma:
		s.tape[s.head0] = s.tape[s.head1]
		s.copyCount++
	case OpOpenLoop:
		s.loopCount++
		if s.tape[s.head0] == 0 {
			pos, ok := matchForward(s.tape, s.ip, s.L)
			if !ok {
				s.failed = true
				s.haltReason = HaltUnmatchedBracket
				return
			}
			s.ip = pos
		}
	case OpCloseLoop:
		s.loopCount++
		if s.tape[s.head0] != 0 {
			pos, ok := matchBackward(s.tape, s.ip, s.L)
			if !ok {
				s.failed = true
				s.haltReason = HaltUnmatchedBracket
				return
			}
			s.ip = pos
		}
	}
}

// Execute runs the BFF interpreter on tape in place and returns the
// resulting Stats. tape must have even length (2R); head1 starts at
// cfg.Head1Offset mod len(tape). Execute never allocates after entry, never
// panics, and always terminates in at most cfg.MaxSteps+len(tape) steps.
func Execute(tape []byte, cfg ExecConfig) Stats {
	l := len(tape)
	if l == 0 || !HasInstructions(tape) {
		return Stats{HaltReason: HaltNoInstructions}
	}

	s := &execState{
		tape:  tape,
		L:     l,
		head0: 0,
		head1: wrap(int(cfg.Head1Offset), l),
	}

	var steps uint32
	haltReason := HaltEndOfTape
	for {
		if steps >= cfg.MaxSteps {
			haltReason = HaltMaxSteps
			break
		}
		dispatch(s)
		steps++
		if s.failed {
			haltReason = s.haltReason
			break
		}
		s.ip++
		if s.ip >= l {
			haltReason = HaltEndOfTape
			break
		}
	}

	return Stats{
		Steps:      steps,
		Head0Count: s.head0Count,
		Head1Count: s.head1Count,
		MathCount:  s.mathCount,
		CopyCount:  s.copyCount,
		LoopCount:  s.loopCount,
		HaltReason: haltReason,
	}
}
