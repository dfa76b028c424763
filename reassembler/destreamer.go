// Package reassembler implements the chunked-message reassembler (spec
// C4): a per-message-id byte accumulator for CHUNK/END_CHUNK frame
// sequences, with a single cached idle instance per connection plus a map
// for concurrently in-flight ids. Grounded on the original Connection.java
// MsgDestreamer / destreamer pooling scheme.
package reassembler

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/Meander-Cloud/go-p2plink/wire"
)

var (
	// ErrChunkProtocolError is returned when END_CHUNK arrives for an id
	// with no prior CHUNK — tolerated as a single-shot message per
	// spec.md section 4.4 rather than treated as connection-fatal.
	ErrChunkProtocolError = errors.New("reassembler: end-chunk with no prior chunk")
)

// Destreamer accumulates the payload bytes of one chunked message.
type Destreamer struct {
	id  uint16
	buf bytes.Buffer
}

func newDestreamer() *Destreamer {
	return &Destreamer{}
}

func (d *Destreamer) reset(id uint16) {
	d.id = id
	d.buf.Reset()
}

// AddChunk appends bytes from a CHUNK frame.
func (d *Destreamer) AddChunk(payload []byte) error {
	if _, err := d.buf.Write(payload); err != nil {
		return fmt.Errorf("reassembler: id=%d: %w", d.id, err)
	}
	return nil
}

// Finish appends the final END_CHUNK payload and returns the fully
// reassembled bytes. The caller is responsible for handing the result to
// the serialization engine (wire.DecodeEnvelope).
func (d *Destreamer) Finish(payload []byte) ([]byte, error) {
	if err := d.AddChunk(payload); err != nil {
		return nil, err
	}
	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	return out, nil
}

// Pool tracks reassembly state for one connection: at most one idle
// Destreamer cached, plus a map for additional concurrent message ids.
type Pool struct {
	mu      sync.Mutex
	idle    *Destreamer
	active  map[uint16]*Destreamer
}

func NewPool() *Pool {
	return &Pool{
		active: make(map[uint16]*Destreamer),
	}
}

// OnChunk routes a CHUNK frame to the destreamer for its message id,
// allocating one (from the idle slot if available) on first sight.
func (p *Pool) OnChunk(id uint16, payload []byte) error {
	p.mu.Lock()
	d, found := p.active[id]
	if !found {
		d = p.take(id)
		p.active[id] = d
	}
	p.mu.Unlock()

	return d.AddChunk(payload)
}

// OnEndChunk routes an END_CHUNK frame, removing the destreamer from the
// active map and returning the reassembled message. If no prior CHUNK was
// seen for id, a fresh destreamer is used so the call still succeeds (a
// single-frame "chunked" message), and ErrChunkProtocolError is returned
// alongside the (valid) reassembled bytes so callers can choose to log but
// still deliver, per spec.md section 4.4.
func (p *Pool) OnEndChunk(id uint16, payload []byte) ([]byte, error) {
	p.mu.Lock()
	d, found := p.active[id]
	if !found {
		d = p.take(id)
	} else {
		delete(p.active, id)
	}
	p.mu.Unlock()

	out, err := d.Finish(payload)

	p.give(d)

	if !found {
		if err != nil {
			return nil, err
		}
		return out, ErrChunkProtocolError
	}
	return out, err
}

// take returns the idle destreamer reset for id, or allocates a new one.
func (p *Pool) take(id uint16) *Destreamer {
	if p.idle != nil {
		d := p.idle
		p.idle = nil
		d.reset(id)
		return d
	}
	d := newDestreamer()
	d.reset(id)
	return d
}

// give returns d to the idle slot if empty, otherwise drops it (at most
// one idle destreamer cached per connection, per spec.md section 4.4/3).
func (p *Pool) give(d *Destreamer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.idle == nil {
		p.idle = d
	}
}

// ActiveCount reports the number of in-flight reassemblies, for tests and
// diagnostics.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// DecodeReassembled is a convenience wrapper delivering the reassembled
// bytes through the serialization engine stand-in.
func DecodeReassembled(buf []byte) (*wire.Envelope, error) {
	return wire.DecodeEnvelope(buf)
}
