// Package msi reads Windows Installer packages: the string pool, the
// File/Component/Directory tables that place each file on disk, and the
// cabinet streams that carry file data.
package msi

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/richardlehane/mscfb"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrFormat reports a package whose tables cannot be decoded.
	ErrFormat = errors.New("msi: malformed installer package")
	// ErrNoTable reports a lookup of a table the package does not define.
	ErrNoTable = errors.New("msi: no such table")
)

// Column type bits.
const (
	typeValid       = 0x0100
	typeLocalizable = 0x0200
	typeString      = 0x0800
	typeNullable    = 0x1000
	typeKey         = 0x2000

	longRefsFlag = 0x80000000
	cabSignature = "MSCF"
)

// Column describes one column of a table.
type Column struct {
	Name string
	Type int
}

func (c Column) binary() bool { return c.Type&^typeNullable == typeString|typeValid }

func (c Column) width(refSize int) int {
	switch {
	case c.binary():
		return 2
	case c.Type&typeString != 0:
		return refSize
	case c.Type&0xFF <= 2:
		return 2
	default:
		return 4
	}
}

// Package is an opened installer database.
type Package struct {
	Codepage int

	tables  map[string][]byte
	streams map[string]*mscfb.File
	columns map[string][]Column
	strings []string
	refSize int
}

// Open parses the compound file in ra and loads the string pool and the
// table schema. Table data is decoded on demand.
func Open(ra io.ReaderAt) (*Package, error) {
	doc, err := mscfb.New(ra)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	p := &Package{
		tables:  map[string][]byte{},
		streams: map[string]*mscfb.File{},
		columns: map[string][]Column{},
	}
	for {
		f, err := doc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if len(f.Path) != 0 || f.FileInfo().IsDir() {
			continue
		}
		name, table := decodeStreamName(f.Name)
		if !table {
			p.streams[name] = f
			continue
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("%w: read table %s: %v", ErrFormat, name, err)
		}
		p.tables[name] = data
	}

	if err := p.loadStrings(); err != nil {
		return nil, err
	}
	if err := p.loadColumns(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Package) loadStrings() error {
	pool, ok := p.tables["_StringPool"]
	if !ok || len(pool) < 4 {
		return fmt.Errorf("%w: missing string pool", ErrFormat)
	}
	data := p.tables["_StringData"]

	header := binary.LittleEndian.Uint32(pool)
	p.Codepage = int(header &^ longRefsFlag)
	p.refSize = 2
	if header&longRefsFlag != 0 {
		p.refSize = 3
	}
	dec := decoderFor(p.Codepage)

	// Index 0 is the null string.
	p.strings = []string{""}
	off := 0
	for i := 4; i+4 <= len(pool); {
		n := int(binary.LittleEndian.Uint16(pool[i:]))
		refs := binary.LittleEndian.Uint16(pool[i+2:])
		i += 4
		if n == 0 && refs != 0 {
			// Strings over 64 KiB store their length in the following entry.
			if i+4 > len(pool) {
				return fmt.Errorf("%w: truncated long string entry", ErrFormat)
			}
			n = int(binary.LittleEndian.Uint16(pool[i:])) | int(binary.LittleEndian.Uint16(pool[i+2:]))<<16
			i += 4
		}
		if off+n > len(data) {
			return fmt.Errorf("%w: string %d overruns the string data", ErrFormat, len(p.strings))
		}
		s, err := dec(data[off : off+n])
		if err != nil {
			return fmt.Errorf("%w: decode string %d: %v", ErrFormat, len(p.strings), err)
		}
		p.strings = append(p.strings, s)
		off += n
	}
	return nil
}

// decoderFor maps a package codepage onto a text decoder. Codepage 0 marks
// a language-neutral package whose strings are usually plain ASCII.
func decoderFor(codepage int) func([]byte) (string, error) {
	var enc encoding.Encoding
	switch codepage {
	case 65001:
		return func(b []byte) (string, error) { return string(b), nil }
	case 437:
		enc = charmap.CodePage437
	case 850:
		enc = charmap.CodePage850
	case 866:
		enc = charmap.CodePage866
	case 874:
		enc = charmap.Windows874
	case 1250:
		enc = charmap.Windows1250
	case 1251:
		enc = charmap.Windows1251
	case 1253:
		enc = charmap.Windows1253
	case 1254:
		enc = charmap.Windows1254
	case 1255:
		enc = charmap.Windows1255
	case 1256:
		enc = charmap.Windows1256
	case 1257:
		enc = charmap.Windows1257
	case 1258:
		enc = charmap.Windows1258
	default:
		enc = charmap.Windows1252
	}
	d := enc.NewDecoder()
	return func(b []byte) (string, error) {
		if codepage == 0 && utf8.Valid(b) {
			return string(b), nil
		}
		out, err := d.Bytes(b)
		return string(out), err
	}
}

func (p *Package) str(ref uint32) (string, error) {
	if int(ref) >= len(p.strings) {
		return "", fmt.Errorf("%w: string reference %d out of range", ErrFormat, ref)
	}
	return p.strings[ref], nil
}

// _Columns is the one table whose schema is fixed rather than stored.
func (p *Package) loadColumns() error {
	schema := []Column{
		{Name: "Table", Type: typeValid | typeString | typeKey | 64},
		{Name: "Number", Type: typeValid | typeKey | 2},
		{Name: "Name", Type: typeValid | typeString | 64},
		{Name: "Type", Type: typeValid | 2},
	}
	t, err := p.decode("_Columns", schema)
	if err != nil {
		return err
	}

	numbers := map[string]map[string]int32{}
	for _, row := range t.Rows {
		table, name := row.String("Table"), row.String("Name")
		number, _ := row.Int("Number")
		typ, ok := row.Int("Type")
		if table == "" || name == "" || !ok {
			return fmt.Errorf("%w: incomplete column definition %s.%s", ErrFormat, table, name)
		}
		p.columns[table] = append(p.columns[table], Column{Name: name, Type: int(typ)})
		if numbers[table] == nil {
			numbers[table] = map[string]int32{}
		}
		numbers[table][name] = number
	}
	for table, cols := range p.columns {
		order := numbers[table]
		sort.SliceStable(cols, func(i, j int) bool { return order[cols[i].Name] < order[cols[j].Name] })
	}
	return nil
}

// Table holds the decoded rows of one table.
type Table struct {
	Name    string
	Columns []Column
	Rows    []Row
}

// Row is one record. Values are string, int32 or nil for null.
type Row struct {
	table  *Table
	values []any
}

func (r Row) value(col string) any {
	for i, c := range r.table.Columns {
		if c.Name == col {
			return r.values[i]
		}
	}
	return nil
}

// String returns the value of a string column, or "" when it is null.
func (r Row) String(col string) string {
	s, _ := r.value(col).(string)
	return s
}

// Int returns the value of an integer column and whether it is non-null.
func (r Row) Int(col string) (int32, bool) {
	v, ok := r.value(col).(int32)
	return v, ok
}

// Table decodes the named table.
func (p *Package) Table(name string) (*Table, error) {
	cols, ok := p.columns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, name)
	}
	return p.decode(name, cols)
}

// decode reads a table stored column by column.
func (p *Package) decode(name string, cols []Column) (*Table, error) {
	t := &Table{Name: name, Columns: cols}
	data := p.tables[name]
	rowSize := 0
	for _, c := range cols {
		rowSize += c.width(p.refSize)
	}
	if rowSize == 0 || len(data)%rowSize != 0 {
		return nil, fmt.Errorf("%w: table %s holds %d bytes for rows of %d", ErrFormat, name, len(data), rowSize)
	}

	n := len(data) / rowSize
	t.Rows = make([]Row, n)
	for i := range t.Rows {
		t.Rows[i] = Row{table: t, values: make([]any, len(cols))}
	}
	off := 0
	for ci, c := range cols {
		w := c.width(p.refSize)
		for ri := 0; ri < n; ri++ {
			var raw uint32
			for b := w - 1; b >= 0; b-- {
				raw = raw<<8 | uint32(data[off+b])
			}
			off += w
			v, err := p.value(c, raw)
			if err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", name, c.Name, err)
			}
			t.Rows[ri].values[ci] = v
		}
	}
	return t, nil
}

func (p *Package) value(c Column, raw uint32) (any, error) {
	switch {
	case c.binary():
		// Binary cells only mark that a stream exists.
		return nil, nil
	case c.Type&typeString != 0:
		if raw == 0 {
			return nil, nil
		}
		return p.str(raw)
	case raw == 0:
		return nil, nil
	case c.width(p.refSize) == 2:
		return int32(raw) - 0x8000, nil
	default:
		return int32(raw ^ 0x80000000), nil
	}
}

// File is an entry of the File table with its resolved install path.
type File struct {
	// Key is the File table key, which is also the member name inside the
	// cabinet that carries the file.
	Key       string
	Component string
	// Path is slash-separated and relative to the installation root.
	Path     string
	Size     int64
	Sequence int
}

// Files lists every file the package installs, ordered by sequence.
func (p *Package) Files() ([]File, error) {
	dirs, err := p.directories()
	if err != nil {
		return nil, err
	}

	components, err := p.Table("Component")
	if err != nil {
		return nil, err
	}
	compDir := make(map[string]string, len(components.Rows))
	for _, row := range components.Rows {
		compDir[row.String("Component")] = row.String("Directory_")
	}

	table, err := p.Table("File")
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(table.Rows))
	for _, row := range table.Rows {
		key, comp := row.String("File"), row.String("Component_")
		dir, ok := compDir[comp]
		if !ok {
			return nil, fmt.Errorf("%w: file %s belongs to unknown component %q", ErrFormat, key, comp)
		}
		dirPath, ok := dirs[dir]
		if !ok {
			return nil, fmt.Errorf("%w: component %s installs to unknown directory %q", ErrFormat, comp, dir)
		}
		size, _ := row.Int("FileSize")
		seq, _ := row.Int("Sequence")
		files = append(files, File{
			Key:       key,
			Component: comp,
			Path:      path.Join(dirPath, longName(row.String("FileName"))),
			Size:      int64(size),
			Sequence:  int(seq),
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Sequence < files[j].Sequence })
	return files, nil
}

// directories resolves every Directory key to its install-relative path.
// Root directories map to "".
func (p *Package) directories() (map[string]string, error) {
	table, err := p.Table("Directory")
	if err != nil {
		return nil, err
	}
	type entry struct{ parent, name string }
	rows := make(map[string]entry, len(table.Rows))
	for _, row := range table.Rows {
		rows[row.String("Directory")] = entry{
			parent: row.String("Directory_Parent"),
			name:   targetDir(row.String("DefaultDir")),
		}
	}

	resolved := make(map[string]string, len(rows))
	var resolve func(key string, depth int) (string, error)
	resolve = func(key string, depth int) (string, error) {
		if dir, ok := resolved[key]; ok {
			return dir, nil
		}
		e, ok := rows[key]
		if !ok {
			return "", fmt.Errorf("%w: unknown directory %q", ErrFormat, key)
		}
		if depth > len(rows) {
			return "", fmt.Errorf("%w: directory %q has a cyclic parent chain", ErrFormat, key)
		}
		var out string
		if e.parent != "" && e.parent != key {
			parent, err := resolve(e.parent, depth+1)
			if err != nil {
				return "", err
			}
			// path.Join drops "." segments, which mean "same as parent".
			out = path.Join(parent, e.name)
			if out == "." {
				out = ""
			}
		}
		resolved[key] = out
		return out, nil
	}
	for key := range rows {
		if _, err := resolve(key, 0); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// targetDir picks the target long name from a DefaultDir value of the form
// "target[:source]" where each part is "short|long" or a single name.
func targetDir(defaultDir string) string {
	target, _, _ := strings.Cut(defaultDir, ":")
	return longName(target)
}

func longName(name string) string {
	if _, long, ok := strings.Cut(name, "|"); ok {
		return long
	}
	return name
}

// Cabinets returns the names of embedded streams that hold cabinets.
func (p *Package) Cabinets() ([]string, error) {
	var names []string
	for name, f := range p.streams {
		if f.Size < int64(len(cabSignature)) {
			continue
		}
		sig := make([]byte, len(cabSignature))
		if _, err := f.ReadAt(sig, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: read stream %s: %v", ErrFormat, name, err)
		}
		if string(sig) == cabSignature {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stream opens an embedded stream for sequential reading.
func (p *Package) Stream(name string) (io.Reader, error) {
	f, ok := p.streams[name]
	if !ok {
		return nil, fmt.Errorf("msi: no stream %q", name)
	}
	if f.Size > 0 {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("msi: rewind stream %s: %w", name, err)
		}
	}
	return bufio.NewReaderSize(f, 64<<10), nil
}
