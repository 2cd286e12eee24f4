// Package cab reads Microsoft cabinet archives as a forward-only stream, so
// a cabinet can be extracted straight out of an installer stream or a zip
// entry without seeking. Stored, MSZIP and LZX folders are supported.
package cab

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf8"
)

var (
	// ErrFormat reports a structurally invalid cabinet.
	ErrFormat = errors.New("cab: malformed cabinet")
	// ErrUnsupported reports a valid cabinet using a feature this package
	// does not implement, such as Quantum compression or multi-volume sets.
	ErrUnsupported = errors.New("cab: unsupported cabinet")
)

const (
	signature = "MSCF"

	flagPrevCabinet    = 0x0001
	flagNextCabinet    = 0x0002
	flagReservePresent = 0x0004

	attrNameIsUTF8 = 0x80

	// Files whose data starts in a previous cabinet or continues in the next.
	folderContinuedFromPrev    = 0xFFFD
	folderContinuedToNext      = 0xFFFE
	folderContinuedPrevAndNext = 0xFFFF

	maxBlockSize = 32768
)

// Compression identifies the codec of a folder.
type Compression uint16

const (
	CompressNone    Compression = 0
	CompressMSZIP   Compression = 1
	CompressQuantum Compression = 2
	CompressLZX     Compression = 3
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressMSZIP:
		return "mszip"
	case CompressQuantum:
		return "quantum"
	case CompressLZX:
		return "lzx"
	default:
		return fmt.Sprintf("compression(%d)", uint16(c))
	}
}

// File is a cabinet member.
type File struct {
	Name string
	Size uint32

	folder int
	offset uint32
}

// On-disk records, little-endian and unpadded.
type (
	cabHeader struct {
		Reserved1   uint32
		CabinetSize uint32
		Reserved2   uint32
		FilesOffset uint32
		Reserved3   uint32
		Minor       uint8
		Major       uint8
		Folders     uint16
		Files       uint16
		Flags       uint16
		SetID       uint16
		Index       uint16
	}
	folderEntry struct {
		Start    uint32
		Blocks   uint16
		Compress uint16
	}
	fileEntry struct {
		Size   uint32
		Offset uint32
		Folder uint16
		Date   uint16
		Time   uint16
		Attrs  uint16
	}
	dataHeader struct {
		Checksum     uint32
		Compressed   uint16
		Uncompressed uint16
	}
)

type folder struct {
	start    int64
	blocks   int
	compress uint16
}

func (f folder) method() Compression { return Compression(f.compress & 0x000F) }

// windowBits is the LZX window size exponent packed into the high byte.
func (f folder) windowBits() int { return int(f.compress>>8) & 0x1F }

// Cabinet is an opened cabinet whose member data has not been read yet.
type Cabinet struct {
	Files []File

	r           *reader
	folders     []folder
	dataReserve int
	walked      bool
}

// NewReader parses the cabinet header and file table from r. Member data is
// consumed later by Walk.
func NewReader(r io.Reader) (*Cabinet, error) {
	rd := &reader{r: bufio.NewReaderSize(r, 64<<10)}

	sig := make([]byte, 4)
	if err := rd.readFull(sig); err != nil {
		return nil, fmt.Errorf("%w: read signature: %v", ErrFormat, err)
	}
	if string(sig) != signature {
		return nil, fmt.Errorf("%w: bad signature %q", ErrFormat, sig)
	}

	var hdr cabHeader
	if err := binary.Read(rd, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrFormat, err)
	}
	if hdr.Major != 1 {
		return nil, fmt.Errorf("%w: version %d.%d", ErrUnsupported, hdr.Major, hdr.Minor)
	}
	if hdr.Flags&(flagPrevCabinet|flagNextCabinet) != 0 {
		return nil, fmt.Errorf("%w: cabinet is part of a multi-volume set", ErrUnsupported)
	}

	c := &Cabinet{r: rd}
	folderReserve := 0
	if hdr.Flags&flagReservePresent != 0 {
		var res struct {
			Header uint16
			Folder uint8
			Data   uint8
		}
		if err := binary.Read(rd, binary.LittleEndian, &res); err != nil {
			return nil, fmt.Errorf("%w: read reserve sizes: %v", ErrFormat, err)
		}
		folderReserve, c.dataReserve = int(res.Folder), int(res.Data)
		if err := rd.skip(int64(res.Header)); err != nil {
			return nil, fmt.Errorf("%w: skip header reserve: %v", ErrFormat, err)
		}
	}

	for i := 0; i < int(hdr.Folders); i++ {
		var fe folderEntry
		if err := binary.Read(rd, binary.LittleEndian, &fe); err != nil {
			return nil, fmt.Errorf("%w: read folder %d: %v", ErrFormat, i, err)
		}
		if err := rd.skip(int64(folderReserve)); err != nil {
			return nil, fmt.Errorf("%w: skip folder reserve: %v", ErrFormat, err)
		}
		c.folders = append(c.folders, folder{start: int64(fe.Start), blocks: int(fe.Blocks), compress: fe.Compress})
	}

	if err := rd.skipTo(int64(hdr.FilesOffset)); err != nil {
		return nil, fmt.Errorf("%w: seek to file table: %v", ErrFormat, err)
	}
	for i := 0; i < int(hdr.Files); i++ {
		f, err := readFile(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: read file %d: %v", ErrFormat, i, err)
		}
		if f.folder >= len(c.folders) {
			return nil, fmt.Errorf("%w: file %s references folder %d of %d", ErrFormat, f.Name, f.folder, len(c.folders))
		}
		c.Files = append(c.Files, f)
	}
	return c, nil
}

func readFile(rd *reader) (File, error) {
	var fe fileEntry
	if err := binary.Read(rd, binary.LittleEndian, &fe); err != nil {
		return File{}, err
	}
	name, err := rd.cstring()
	if err != nil {
		return File{}, err
	}
	switch fe.Folder {
	case folderContinuedFromPrev, folderContinuedToNext, folderContinuedPrevAndNext:
		return File{}, fmt.Errorf("%w: %s spans cabinets", ErrUnsupported, name)
	}
	if fe.Attrs&attrNameIsUTF8 != 0 && !utf8.ValidString(name) {
		return File{}, fmt.Errorf("file name %q is not valid UTF-8", name)
	}
	return File{Name: name, Size: fe.Size, folder: int(fe.Folder), offset: fe.Offset}, nil
}

// WalkFunc receives each member in storage order. r yields exactly f.Size
// bytes; anything left unread is skipped.
type WalkFunc func(f File, r io.Reader) error

// Walk decompresses every folder in storage order and calls fn for each
// member. A cabinet can be walked only once.
func (c *Cabinet) Walk(fn WalkFunc) error {
	if c.walked {
		return errors.New("cab: cabinet already walked")
	}
	c.walked = true

	order := make([]int, len(c.folders))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return c.folders[order[i]].start < c.folders[order[j]].start
	})

	for _, idx := range order {
		var members []File
		for _, f := range c.Files {
			if f.folder == idx {
				members = append(members, f)
			}
		}
		if len(members) == 0 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool { return members[i].offset < members[j].offset })
		if err := c.walkFolder(c.folders[idx], members, fn); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cabinet) walkFolder(fo folder, members []File, fn WalkFunc) error {
	if err := c.r.skipTo(fo.start); err != nil {
		return fmt.Errorf("%w: seek to folder data: %v", ErrFormat, err)
	}
	blocks := &blockReader{r: c.r, remaining: fo.blocks, reserve: c.dataReserve}

	var total int64
	for _, m := range members {
		total = max(total, int64(m.offset)+int64(m.Size))
	}

	var src io.Reader
	switch fo.method() {
	case CompressNone:
		src = &frameReader{blocks: blocks, decode: decodeStored}
	case CompressMSZIP:
		src = &frameReader{blocks: blocks, decode: (&mszipDecoder{}).decode}
	case CompressLZX:
		lzx, err := newLZXReader(&payloadReader{blocks: blocks}, fo.windowBits(), total)
		if err != nil {
			return err
		}
		src = lzx
	default:
		return fmt.Errorf("%w: %s compression", ErrUnsupported, fo.method())
	}

	var pos int64
	for _, m := range members {
		if int64(m.offset) < pos {
			return fmt.Errorf("%w: %s overlaps the previous member", ErrFormat, m.Name)
		}
		if _, err := io.CopyN(io.Discard, src, int64(m.offset)-pos); err != nil {
			return fmt.Errorf("cab: skip to %s: %w", m.Name, unexpected(err))
		}
		lr := &io.LimitedReader{R: src, N: int64(m.Size)}
		if err := fn(m, lr); err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, lr); err != nil {
			return fmt.Errorf("cab: read %s: %w", m.Name, unexpected(err))
		}
		if lr.N > 0 {
			return fmt.Errorf("cab: read %s: %w", m.Name, io.ErrUnexpectedEOF)
		}
		pos = int64(m.offset) + int64(m.Size)
	}
	return nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
