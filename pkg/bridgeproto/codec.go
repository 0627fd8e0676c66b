package bridgeproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds a single frame; upstream messages are JSON, never
// binary, so this is generous headroom rather than a tight limit.
const maxLineBytes = 10 << 20

// Encoder writes one JSON object per line to an underlying writer. Encode
// calls are serialized by an internal mutex, so several goroutines may share
// one Encoder and each frame is written whole, keeping the bridge socket's
// single-writer contract.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
	enc *json.Encoder
}

// NewEncoder wraps w. json.Encoder already appends a trailing "\n" after
// each Encode call, which is exactly the frame delimiter this protocol
// wants.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, enc: json.NewEncoder(w)}
}

// EncodeCommand writes a single command frame.
func (e *Encoder) EncodeCommand(c Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(c)
}

// EncodeEvent writes a single event frame.
func (e *Encoder) EncodeEvent(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(ev)
}

// Decoder reads one JSON object per line from an underlying reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r with a line-oriented scanner sized for large frames.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: s}
}

// NextCommand reads and decodes the next command frame. It returns io.EOF
// when the stream is exhausted.
func (d *Decoder) NextCommand() (Command, error) {
	line, err := d.nextLine()
	if err != nil {
		return Command{}, err
	}
	var c Command
	if err := json.Unmarshal(line, &c); err != nil {
		return Command{}, fmt.Errorf("bridgeproto: decode command: %w", err)
	}
	return c, nil
}

// NextEvent reads and decodes the next event frame. It returns io.EOF when
// the stream is exhausted.
func (d *Decoder) NextEvent() (Event, error) {
	line, err := d.nextLine()
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("bridgeproto: decode event: %w", err)
	}
	return ev, nil
}

func (d *Decoder) nextLine() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		trimmed := trimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		out := make([]byte, len(trimmed))
		copy(out, trimmed)
		return out, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
