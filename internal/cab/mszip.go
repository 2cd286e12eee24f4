package cab

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// MSZIP blocks are raw deflate streams behind a "CK" marker. Each block is
// inflated with the previous 32 KiB of output as its preset dictionary.
const mszipHistory = 32768

type mszipDecoder struct {
	history []byte
	inflate io.ReadCloser
}

func (m *mszipDecoder) decode(payload []byte, size int) ([]byte, error) {
	if len(payload) < 2 || payload[0] != 'C' || payload[1] != 'K' {
		return nil, fmt.Errorf("%w: mszip block is missing its CK marker", ErrFormat)
	}
	src := bytes.NewReader(payload[2:])
	if m.inflate == nil {
		m.inflate = flate.NewReaderDict(src, m.history)
	} else if err := m.inflate.(flate.Resetter).Reset(src, m.history); err != nil {
		return nil, fmt.Errorf("mszip: reset inflater: %w", err)
	}

	out := make([]byte, size)
	if _, err := io.ReadFull(m.inflate, out); err != nil {
		return nil, fmt.Errorf("%w: inflate mszip block: %v", ErrFormat, err)
	}

	m.history = append(m.history, out...)
	if over := len(m.history) - mszipHistory; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	return out, nil
}
