package cab

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// reader tracks the byte position of a forward-only cabinet stream.
type reader struct {
	r   *bufio.Reader
	pos int64
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *reader) ReadByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, err
	}
	r.pos++
	return b, nil
}

func (r *reader) readFull(p []byte) error {
	_, err := io.ReadFull(r, p)
	return err
}

// cstring reads a NUL-terminated string of at most 256 bytes.
func (r *reader) cstring() (string, error) {
	var buf []byte
	for len(buf) <= 256 {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", fmt.Errorf("unterminated string at offset %d", r.pos)
}

func (r *reader) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	d, err := r.r.Discard(int(n))
	r.pos += int64(d)
	return err
}

// skipTo advances to the absolute offset off. Cabinet structures are laid
// out front to back, so moving backwards is an error.
func (r *reader) skipTo(off int64) error {
	if off < r.pos {
		return fmt.Errorf("offset %d is behind the read position %d", off, r.pos)
	}
	return r.skip(off - r.pos)
}

// blockReader yields the CFDATA blocks of one folder.
type blockReader struct {
	r         *reader
	remaining int
	reserve   int
}

// next returns the compressed payload of the next block and the size it
// expands to. It returns io.EOF after the folder's last block.
func (b *blockReader) next() ([]byte, int, error) {
	if b.remaining == 0 {
		return nil, 0, io.EOF
	}
	b.remaining--

	var hdr dataHeader
	if err := binary.Read(b.r, binary.LittleEndian, &hdr); err != nil {
		return nil, 0, fmt.Errorf("%w: read data block header: %v", ErrFormat, unexpected(err))
	}
	if hdr.Uncompressed > maxBlockSize {
		return nil, 0, fmt.Errorf("%w: data block expands to %d bytes", ErrFormat, hdr.Uncompressed)
	}
	if err := b.r.skip(int64(b.reserve)); err != nil {
		return nil, 0, fmt.Errorf("%w: skip data block reserve: %v", ErrFormat, unexpected(err))
	}
	payload := make([]byte, hdr.Compressed)
	if err := b.r.readFull(payload); err != nil {
		return nil, 0, fmt.Errorf("%w: read data block: %v", ErrFormat, unexpected(err))
	}
	return payload, int(hdr.Uncompressed), nil
}

// blockDecoder expands one CFDATA payload into exactly size bytes.
type blockDecoder func(payload []byte, size int) ([]byte, error)

// frameReader decodes a folder block by block for codecs whose blocks are
// self-delimiting.
type frameReader struct {
	blocks *blockReader
	decode blockDecoder
	buf    []byte
}

func (f *frameReader) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		payload, size, err := f.blocks.next()
		if err != nil {
			return 0, err
		}
		if f.buf, err = f.decode(payload, size); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func decodeStored(payload []byte, size int) ([]byte, error) {
	if len(payload) != size {
		return nil, fmt.Errorf("%w: stored block holds %d bytes, header says %d", ErrFormat, len(payload), size)
	}
	return payload, nil
}

// payloadReader presents the payloads of a folder's blocks as one
// continuous byte stream, which is how LZX sees its input.
type payloadReader struct {
	blocks *blockReader
	buf    []byte
}

func (p *payloadReader) ReadByte() (byte, error) {
	for len(p.buf) == 0 {
		payload, _, err := p.blocks.next()
		if err != nil {
			return 0, err
		}
		p.buf = payload
	}
	b := p.buf[0]
	p.buf = p.buf[1:]
	return b, nil
}
