// Package escape scans terminal output for title-setting OSC sequences.
//
// The Interceptor is a resumable state machine: it may be fed arbitrary
// chunks of a byte stream and carries partial sequences across calls. Title
// sequences (OSC 0, 1 and 2, terminated by BEL or ESC \) are removed from the
// forwarded stream and their payloads reported; every other byte, including
// every other escape sequence, is forwarded unchanged.
package escape

import (
	"bytes"
	"strings"
)

// State is the scanner state between two bytes.
type State int

const (
	// Passthrough forwards bytes immediately.
	Passthrough State = iota
	// SeqOpen saw ESC and waits for ']'.
	SeqOpen
	// SeqIntro saw "ESC ]" and is matching "0;", "1;" or "2;".
	SeqIntro
	// SeqBody accumulates a title payload until BEL or ESC \.
	SeqBody
	// SeqTerm saw ESC inside a payload and waits for '\'.
	SeqTerm
)

func (s State) String() string {
	switch s {
	case Passthrough:
		return "passthrough"
	case SeqOpen:
		return "seq-open"
	case SeqIntro:
		return "seq-intro"
	case SeqBody:
		return "seq-body"
	case SeqTerm:
		return "seq-term"
	default:
		return "unknown"
	}
}

const (
	esc = 0x1b
	bel = 0x07

	// MaxPayload bounds the buffered title payload. Longer titles are
	// truncated but the sequence is still suppressed.
	MaxPayload = 4096
)

// Interceptor extracts title payloads from an output stream.
// It is not safe for concurrent use.
type Interceptor struct {
	state   State
	held    []byte // introducer bytes withheld until the sequence is classified
	payload []byte
}

// New creates an Interceptor in the Passthrough state.
func New() *Interceptor {
	return &Interceptor{
		held:    make([]byte, 0, 4),
		payload: make([]byte, 0, 128),
	}
}

// State returns the current scanner state.
func (in *Interceptor) State() State {
	return in.state
}

// Idle reports whether no sequence is in progress, i.e. whether it is safe
// to inject bytes into the output stream.
func (in *Interceptor) Idle() bool {
	return in.state == Passthrough
}

// Feed scans chunk, appends the bytes to forward onto dst and returns the
// extended slice together with the payloads of the title sequences that
// completed inside this chunk, in order.
func (in *Interceptor) Feed(dst, chunk []byte) ([]byte, []string) {
	var titles []string

	for i := 0; i < len(chunk); {
		b := chunk[i]

		switch in.state {
		case Passthrough:
			// Copy the run up to the next ESC in one go.
			j := bytes.IndexByte(chunk[i:], esc)
			if j < 0 {
				return append(dst, chunk[i:]...), titles
			}
			dst = append(dst, chunk[i:i+j]...)
			in.held = append(in.held[:0], esc)
			in.state = SeqOpen
			i += j + 1
			continue

		case SeqOpen:
			if b != ']' {
				dst = in.flush(dst)
				continue // reprocess b as plain output
			}
			in.held = append(in.held, b)
			in.state = SeqIntro

		case SeqIntro:
			switch {
			case len(in.held) == 2 && (b == '0' || b == '1' || b == '2'):
				in.held = append(in.held, b)
			case len(in.held) == 3 && b == ';':
				in.held = in.held[:0]
				in.payload = in.payload[:0]
				in.state = SeqBody
			default:
				dst = in.flush(dst)
				continue
			}

		case SeqBody:
			switch b {
			case bel:
				titles = append(titles, in.complete())
			case esc:
				in.state = SeqTerm
			default:
				if len(in.payload) < MaxPayload {
					in.payload = append(in.payload, b)
				}
			}

		case SeqTerm:
			if b == '\\' {
				titles = append(titles, in.complete())
				break
			}
			// ESC without '\' abandons the title and opens a new sequence.
			in.payload = in.payload[:0]
			in.held = append(in.held[:0], esc)
			in.state = SeqOpen
			if b == esc {
				// The payload's ESC is dropped with the title; this one
				// opens the new sequence.
				break
			}
			continue
		}
		i++
	}
	return dst, titles
}

// Reset discards any incomplete sequence, e.g. when the stream ended in the
// middle of one. It reports whether anything was discarded.
func (in *Interceptor) Reset() bool {
	discarded := in.state != Passthrough
	in.held = in.held[:0]
	in.payload = in.payload[:0]
	in.state = Passthrough
	return discarded
}

// flush forwards the withheld introducer bytes of a sequence that turned out
// not to be a title and returns to Passthrough.
func (in *Interceptor) flush(dst []byte) []byte {
	dst = append(dst, in.held...)
	in.held = in.held[:0]
	in.state = Passthrough
	return dst
}

func (in *Interceptor) complete() string {
	title := strings.ToValidUTF8(string(in.payload), "�")
	in.payload = in.payload[:0]
	in.state = Passthrough
	return title
}
