package cab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	lzxMinMatch         = 2
	lzxNumChars         = 256
	lzxFrameSize        = 32768
	lzxPretreeSize      = 20
	lzxAlignedSize      = 8
	lzxPrimaryLengths   = 7
	lzxLengthTreeSize   = 249
	lzxMinWindowBits    = 15
	lzxMaxWindowBits    = 21
	lzxMaxPositionSlots = 51

	lzxBlockVerbatim     = 1
	lzxBlockAligned      = 2
	lzxBlockUncompressed = 3

	// Bytes of zero padding the bit reader may invent past the end of input.
	lzxMaxOverrun = 16
)

// lzxPositionSlots maps window bits to the number of match position slots.
var lzxPositionSlots = [lzxMaxWindowBits + 1]int{15: 30, 16: 32, 17: 34, 18: 36, 19: 38, 20: 42, 21: 50}

var lzxExtraBits, lzxPositionBase [lzxMaxPositionSlots]uint32

func init() {
	var base uint32
	for i := range lzxExtraBits {
		var extra uint32
		if i >= 4 {
			extra = min(uint32(i-2)/2, 17)
		}
		lzxExtraBits[i] = extra
		lzxPositionBase[i] = base
		base += 1 << extra
	}
}

// bitReader consumes 16-bit little-endian words MSB first.
type bitReader struct {
	r       io.ByteReader
	buf     uint64
	n       uint
	overrun int
}

func (b *bitReader) fill(need uint) error {
	for b.n < need {
		var word uint16
		for i := range 2 {
			c, err := b.r.ReadByte()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					return err
				}
				// Huffman lookahead can run past the last word; pad with zeros.
				b.overrun++
				if b.overrun > lzxMaxOverrun {
					return fmt.Errorf("%w: lzx input ends early", ErrFormat)
				}
				c = 0
			}
			word |= uint16(c) << (8 * i)
		}
		b.buf |= uint64(word) << (48 - b.n)
		b.n += 16
	}
	return nil
}

func (b *bitReader) peek(n uint) uint32 { return uint32(b.buf >> (64 - n)) }

func (b *bitReader) remove(n uint) {
	b.buf <<= n
	b.n -= n
}

func (b *bitReader) read(n uint) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if err := b.fill(n); err != nil {
		return 0, err
	}
	v := b.peek(n)
	b.remove(n)
	return v, nil
}

// reset drops any buffered bits so the next read starts at the underlying
// byte position.
func (b *bitReader) reset() {
	b.buf, b.n = 0, 0
}

// lzxReader decompresses one LZX folder. Output is produced in 32 KiB frames;
// the input bit stream realigns to a 16-bit boundary after each frame.
type lzxReader struct {
	in  bitReader
	raw io.ByteReader

	window     []byte
	pos        int
	frameStart int
	slots      int

	remaining int64 // output bytes still owed
	offset    int64 // output bytes produced before the current frame

	headerRead   bool
	intelSize    int32
	intelStarted bool

	r0, r1, r2 uint32

	blockType      int
	blockLength    int
	blockRemaining int

	mainLens    []byte
	lengthLens  [lzxLengthTreeSize]byte
	alignedLens [lzxAlignedSize]byte
	preLens     [lzxPretreeSize]byte

	main, length, aligned, pretree huffman

	out     []byte
	scratch []byte
}

func newLZXReader(r io.ByteReader, windowBits int, size int64) (*lzxReader, error) {
	if windowBits < lzxMinWindowBits || windowBits > lzxMaxWindowBits {
		return nil, fmt.Errorf("%w: lzx window of %d bits", ErrFormat, windowBits)
	}
	slots := lzxPositionSlots[windowBits]
	return &lzxReader{
		in:        bitReader{r: r},
		raw:       r,
		window:    make([]byte, 1<<windowBits),
		slots:     slots,
		remaining: size,
		r0:        1,
		r1:        1,
		r2:        1,
		mainLens:  make([]byte, lzxNumChars+slots*8),
	}, nil
}

func (z *lzxReader) Read(p []byte) (int, error) {
	for len(z.out) == 0 {
		if z.remaining <= 0 {
			return 0, io.EOF
		}
		if err := z.decodeFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, z.out)
	z.out = z.out[n:]
	return n, nil
}

func (z *lzxReader) decodeFrame() error {
	size := int(min(int64(lzxFrameSize), z.remaining))

	if !z.headerRead {
		z.headerRead = true
		intel, err := z.in.read(1)
		if err != nil {
			return err
		}
		if intel == 1 {
			hi, err := z.in.read(16)
			if err != nil {
				return err
			}
			lo, err := z.in.read(16)
			if err != nil {
				return err
			}
			z.intelSize = int32(hi<<16 | lo)
		}
	}

	if z.pos == len(z.window) {
		z.pos = 0
	}
	z.frameStart = z.pos
	end := z.pos + size
	if end > len(z.window) {
		return fmt.Errorf("%w: lzx frame overruns the window", ErrFormat)
	}

	for z.pos < end {
		if z.blockRemaining == 0 {
			if z.blockType == lzxBlockUncompressed && z.blockLength&1 == 1 {
				if _, err := z.raw.ReadByte(); err != nil {
					return fmt.Errorf("%w: lzx padding: %v", ErrFormat, unexpected(err))
				}
			}
			if err := z.readBlockHeader(); err != nil {
				return err
			}
		}

		run := min(z.blockRemaining, end-z.pos)
		start := z.pos
		var err error
		switch z.blockType {
		case lzxBlockUncompressed:
			err = z.copyStored(run)
		default:
			err = z.decodeMatches(run)
		}
		if err != nil {
			return err
		}
		produced := z.pos - start
		if produced > z.blockRemaining {
			return fmt.Errorf("%w: lzx match runs past the end of its block", ErrFormat)
		}
		z.blockRemaining -= produced
	}
	if z.pos != end {
		return fmt.Errorf("%w: lzx match crosses a frame boundary", ErrFormat)
	}

	// Realign the bit stream for the next frame.
	z.in.remove(z.in.n & 15)

	frame := z.window[z.frameStart:end]
	z.out = frame
	if z.intelStarted && z.intelSize != 0 && z.offset/lzxFrameSize <= 32768 && size > 10 {
		z.scratch = append(z.scratch[:0], frame...)
		translateE8(z.scratch, z.offset, z.intelSize)
		z.out = z.scratch
	}
	z.offset += int64(size)
	z.remaining -= int64(size)
	return nil
}

func (z *lzxReader) readBlockHeader() error {
	blockType, err := z.in.read(3)
	if err != nil {
		return err
	}
	hi, err := z.in.read(16)
	if err != nil {
		return err
	}
	lo, err := z.in.read(8)
	if err != nil {
		return err
	}
	length := int(hi<<8 | lo)
	if length == 0 {
		return fmt.Errorf("%w: empty lzx block", ErrFormat)
	}

	switch blockType {
	case lzxBlockAligned:
		for i := range z.alignedLens {
			v, err := z.in.read(3)
			if err != nil {
				return err
			}
			z.alignedLens[i] = byte(v)
		}
		if err := z.aligned.build(z.alignedLens[:]); err != nil {
			return err
		}
		fallthrough
	case lzxBlockVerbatim:
		if err := z.readLengths(z.mainLens, 0, lzxNumChars); err != nil {
			return err
		}
		if err := z.readLengths(z.mainLens, lzxNumChars, len(z.mainLens)); err != nil {
			return err
		}
		if err := z.main.build(z.mainLens); err != nil {
			return err
		}
		if z.mainLens[0xE8] != 0 {
			z.intelStarted = true
		}
		if err := z.readLengths(z.lengthLens[:], 0, lzxLengthTreeSize); err != nil {
			return err
		}
		if err := z.length.build(z.lengthLens[:]); err != nil {
			return err
		}
	case lzxBlockUncompressed:
		z.intelStarted = true
		// 1 to 16 bits of padding precede the stored offsets.
		if z.in.n == 0 {
			if err := z.in.fill(16); err != nil {
				return err
			}
		}
		z.in.reset()
		var stored [12]byte
		for i := range stored {
			b, err := z.raw.ReadByte()
			if err != nil {
				return fmt.Errorf("%w: lzx stored offsets: %v", ErrFormat, unexpected(err))
			}
			stored[i] = b
		}
		z.r0 = binary.LittleEndian.Uint32(stored[0:])
		z.r1 = binary.LittleEndian.Uint32(stored[4:])
		z.r2 = binary.LittleEndian.Uint32(stored[8:])
	default:
		return fmt.Errorf("%w: lzx block type %d", ErrFormat, blockType)
	}

	z.blockType = int(blockType)
	z.blockLength = length
	z.blockRemaining = length
	return nil
}

// readLengths decodes code lengths lens[first:last] as deltas against their
// previous values, using a freshly transmitted pretree.
func (z *lzxReader) readLengths(lens []byte, first, last int) error {
	for i := range z.preLens {
		v, err := z.in.read(4)
		if err != nil {
			return err
		}
		z.preLens[i] = byte(v)
	}
	if err := z.pretree.build(z.preLens[:]); err != nil {
		return err
	}

	for x := first; x < last; {
		sym, err := z.pretree.decode(&z.in)
		if err != nil {
			return err
		}
		var run int
		var value byte
		switch sym {
		case 17:
			n, err := z.in.read(4)
			if err != nil {
				return err
			}
			run = int(n) + 4
		case 18:
			n, err := z.in.read(5)
			if err != nil {
				return err
			}
			run = int(n) + 20
		case 19:
			n, err := z.in.read(1)
			if err != nil {
				return err
			}
			run = int(n) + 4
			delta, err := z.pretree.decode(&z.in)
			if err != nil {
				return err
			}
			if delta > 16 {
				return fmt.Errorf("%w: lzx length delta %d", ErrFormat, delta)
			}
			value = byte((int(lens[x]) + 17 - delta) % 17)
		default:
			lens[x] = byte((int(lens[x]) + 17 - sym) % 17)
			x++
			continue
		}
		if x+run > last {
			return fmt.Errorf("%w: lzx length run overflows its table", ErrFormat)
		}
		for i := 0; i < run; i++ {
			lens[x] = value
			x++
		}
	}
	return nil
}

func (z *lzxReader) copyStored(n int) error {
	for i := 0; i < n; i++ {
		b, err := z.raw.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: lzx stored block: %v", ErrFormat, unexpected(err))
		}
		z.window[z.pos] = b
		z.pos++
	}
	return nil
}

// decodeMatches decodes literals and matches until at least n bytes have
// been written. The last match may overshoot n.
func (z *lzxReader) decodeMatches(n int) error {
	target := z.pos + n
	for z.pos < target {
		sym, err := z.main.decode(&z.in)
		if err != nil {
			return err
		}
		if sym < lzxNumChars {
			z.window[z.pos] = byte(sym)
			z.pos++
			continue
		}

		sym -= lzxNumChars
		length := sym & lzxPrimaryLengths
		if length == lzxPrimaryLengths {
			footer, err := z.length.decode(&z.in)
			if err != nil {
				return err
			}
			length += footer
		}
		length += lzxMinMatch

		offset, err := z.matchOffset(sym >> 3)
		if err != nil {
			return err
		}
		if err := z.copyMatch(int(offset), length); err != nil {
			return err
		}
	}
	return nil
}

// matchOffset resolves a position slot to a match distance and updates the
// repeated-offset registers.
func (z *lzxReader) matchOffset(slot int) (uint32, error) {
	switch slot {
	case 0:
		return z.r0, nil
	case 1:
		z.r0, z.r1 = z.r1, z.r0
		return z.r0, nil
	case 2:
		z.r0, z.r2 = z.r2, z.r0
		return z.r0, nil
	}
	if slot >= z.slots {
		return 0, fmt.Errorf("%w: lzx position slot %d", ErrFormat, slot)
	}

	extra := uint(lzxExtraBits[slot])
	offset := lzxPositionBase[slot] - 2
	if z.blockType == lzxBlockAligned && extra >= 3 {
		if extra > 3 {
			v, err := z.in.read(extra - 3)
			if err != nil {
				return 0, err
			}
			offset += v << 3
		}
		a, err := z.aligned.decode(&z.in)
		if err != nil {
			return 0, err
		}
		offset += uint32(a)
	} else {
		v, err := z.in.read(extra)
		if err != nil {
			return 0, err
		}
		offset += v
	}

	z.r2, z.r1, z.r0 = z.r1, z.r0, offset
	return offset, nil
}

func (z *lzxReader) copyMatch(offset, length int) error {
	written := z.offset + int64(z.pos-z.frameStart)
	if offset <= 0 || offset > len(z.window) || int64(offset) > written {
		return fmt.Errorf("%w: lzx match offset %d out of range", ErrFormat, offset)
	}
	if z.pos+length > len(z.window) {
		return fmt.Errorf("%w: lzx match overruns the window", ErrFormat)
	}
	src := z.pos - offset
	if src < 0 {
		src += len(z.window)
	}
	for i := 0; i < length; i++ {
		z.window[z.pos] = z.window[src]
		z.pos++
		src++
		if src == len(z.window) {
			src = 0
		}
	}
	return nil
}

// translateE8 undoes the x86 call-target transform on one output frame.
// pos is the stream offset of data[0].
func translateE8(data []byte, pos int64, fileSize int32) {
	cur := int32(pos)
	end := len(data) - 10
	for i := 0; i < end; {
		if data[i] != 0xE8 {
			i++
			cur++
			continue
		}
		abs := int32(binary.LittleEndian.Uint32(data[i+1:]))
		if abs >= -cur && abs < fileSize {
			rel := abs + fileSize
			if abs >= 0 {
				rel = abs - cur
			}
			binary.LittleEndian.PutUint32(data[i+1:], uint32(rel))
		}
		i += 5
		cur += 5
	}
}
