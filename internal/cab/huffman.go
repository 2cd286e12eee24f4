package cab

import (
	"errors"
	"fmt"
)

const (
	huffMaxBits  = 16
	huffFastBits = 10
)

var errBadCode = errors.New("invalid huffman code")

// huffman decodes a canonical prefix code read MSB first. Codes up to
// huffFastBits long resolve with one table lookup; longer codes fall back
// to a walk over the per-length counts.
type huffman struct {
	counts  [huffMaxBits + 1]uint16
	symbols []uint16
	// fast entries pack symbol<<5 | length; zero means "take the slow path".
	fast [1 << huffFastBits]uint32
}

// build prepares the decoder for the given code lengths. All-zero lengths
// produce an empty code that fails on first use; incomplete codes are
// accepted, over-subscribed ones are not.
func (h *huffman) build(lengths []byte) error {
	h.counts = [huffMaxBits + 1]uint16{}
	n := 0
	for _, l := range lengths {
		if l > huffMaxBits {
			return fmt.Errorf("%w: code length %d", ErrFormat, l)
		}
		if l > 0 {
			h.counts[l]++
			n++
		}
	}

	left := 1
	for l := 1; l <= huffMaxBits; l++ {
		left <<= 1
		left -= int(h.counts[l])
		if left < 0 {
			return fmt.Errorf("%w: over-subscribed huffman code", ErrFormat)
		}
	}

	var offsets [huffMaxBits + 2]int
	for l := 1; l <= huffMaxBits; l++ {
		offsets[l+1] = offsets[l] + int(h.counts[l])
	}
	if cap(h.symbols) < n {
		h.symbols = make([]uint16, n)
	}
	h.symbols = h.symbols[:n]
	for sym, l := range lengths {
		if l > 0 {
			h.symbols[offsets[l]] = uint16(sym)
			offsets[l]++
		}
	}

	h.fast = [1 << huffFastBits]uint32{}
	var next [huffMaxBits + 1]int
	code := 0
	for l := 1; l <= huffMaxBits; l++ {
		code = (code + int(h.counts[l-1])) << 1
		next[l] = code
	}
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		c := next[l]
		next[l]++
		if int(l) > huffFastBits {
			continue
		}
		shift := huffFastBits - int(l)
		for i := c << shift; i < (c+1)<<shift; i++ {
			h.fast[i] = uint32(sym)<<5 | uint32(l)
		}
	}
	return nil
}

func (h *huffman) decode(br *bitReader) (int, error) {
	if err := br.fill(huffMaxBits); err != nil {
		return 0, err
	}
	if e := h.fast[br.peek(huffFastBits)]; e != 0 {
		br.remove(uint(e & 31))
		return int(e >> 5), nil
	}

	v := br.peek(huffMaxBits)
	code, first, index := 0, 0, 0
	for l := 1; l <= huffMaxBits; l++ {
		code |= int(v>>(huffMaxBits-l)) & 1
		count := int(h.counts[l])
		if code-first < count {
			br.remove(uint(l))
			return int(h.symbols[index+code-first]), nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, fmt.Errorf("%w: %w", ErrFormat, errBadCode)
}
