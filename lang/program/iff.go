package program

import (
	"bytes"
	"compress/lzw"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// On-disk format (spec.md §6.2): an IFF form of type TAPE. VERS, CODE and
// STRS are the chunks spec.md names explicitly; FILS, SMAP and EXPT are
// this reimplementation's own chunks, needed to round-trip the source map
// and module export boundaries spec.md §6.2 does not itself enumerate but
// whose round-trip the testable properties require ("serialize ∘
// deserialize = id on Program values"). Unknown chunks are skipped on read,
// so this stays forward-compatible with a minimal VERS/CODE/STRS-only
// writer.
const (
	formID = "FORM"
	typeID = "TAPE"

	chunkVers = "VERS"
	chunkCode = "CODE"
	chunkStrs = "STRS"
	chunkFils = "FILS"
	chunkSmap = "SMAP"
	chunkExpt = "EXPT"
)

// VersionMajor/VersionMinor are the program file format version this
// implementation writes. A minor-version mismatch on read is tolerated; a
// major-version mismatch fails with UnsupportedVersion (spec.md §6.2).
const (
	VersionMajor = 1
	VersionMinor = 0
)

// UnsupportedVersion reports a program file whose major version this build
// does not understand.
type UnsupportedVersion struct {
	Major, Minor uint32
}

func (e *UnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported program file version %d.%d (this build supports major version %d)", e.Major, e.Minor, VersionMajor)
}

// Serialize writes p as an IFF TAPE form.
func Serialize(p *Program) ([]byte, error) {
	var vers bytes.Buffer
	binary.Write(&vers, binary.BigEndian, uint32(VersionMajor))
	binary.Write(&vers, binary.BigEndian, uint32(VersionMinor))

	code, err := lzwCompress(p.Code)
	if err != nil {
		return nil, err
	}
	strs, err := lzwCompress([]byte(strings.Join(p.Strings, "\x00")))
	if err != nil {
		return nil, err
	}
	fils, err := lzwCompress([]byte(strings.Join(p.Files, "\x00")))
	if err != nil {
		return nil, err
	}
	smap, err := lzwCompress(encodeSourceMap(p.SourceMap, p.SymBits))
	if err != nil {
		return nil, err
	}
	expt, err := lzwCompress(encodeExports(p.Exports))
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	body.WriteString(typeID)
	writeChunk(&body, chunkVers, vers.Bytes())
	writeChunk(&body, chunkCode, code)
	writeChunk(&body, chunkStrs, strs)
	writeChunk(&body, chunkFils, fils)
	writeChunk(&body, chunkSmap, smap)
	writeChunk(&body, chunkExpt, expt)

	var out bytes.Buffer
	out.WriteString(formID)
	binary.Write(&out, binary.BigEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Deserialize reads back a program written by Serialize.
func Deserialize(data []byte) (*Program, error) {
	r := bytes.NewReader(data)
	if err := expectTag(r, formID); err != nil {
		return nil, err
	}
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("program: truncated form header: %w", err)
	}
	if err := expectTag(r, typeID); err != nil {
		return nil, err
	}

	chunks := make(map[string][]byte)
	for {
		id, data, err := readChunk(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks[id] = data
	}

	vers, ok := chunks[chunkVers]
	if !ok || len(vers) < 8 {
		return nil, fmt.Errorf("program: missing or truncated %s chunk", chunkVers)
	}
	major := binary.BigEndian.Uint32(vers[0:4])
	minor := binary.BigEndian.Uint32(vers[4:8])
	if major != VersionMajor {
		return nil, &UnsupportedVersion{Major: major, Minor: minor}
	}

	code, err := lzwDecompress(chunks[chunkCode])
	if err != nil {
		return nil, err
	}
	strs, err := lzwDecompress(chunks[chunkStrs])
	if err != nil {
		return nil, err
	}
	fils, err := lzwDecompress(chunks[chunkFils])
	if err != nil {
		return nil, err
	}
	smap, err := lzwDecompress(chunks[chunkSmap])
	if err != nil {
		return nil, err
	}
	expt, err := lzwDecompress(chunks[chunkExpt])
	if err != nil {
		return nil, err
	}

	sourceMap, symBits, err := decodeSourceMap(smap)
	if err != nil {
		return nil, err
	}
	exports, err := decodeExports(expt)
	if err != nil {
		return nil, err
	}

	return &Program{
		Code:      code,
		Files:     splitNonEmpty(fils),
		Strings:   splitNonEmpty(strs),
		SymBits:   symBits,
		SourceMap: sourceMap,
		Exports:   exports,
	}, nil
}

func splitNonEmpty(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\x00")
}

func writeChunk(w *bytes.Buffer, id string, data []byte) {
	w.WriteString(id)
	binary.Write(w, binary.BigEndian, uint32(len(data)))
	w.Write(data)
	if len(data)%2 == 1 {
		w.WriteByte(0)
	}
}

func readChunk(r *bytes.Reader) (id string, data []byte, err error) {
	idb := make([]byte, 4)
	if _, err := io.ReadFull(r, idb); err != nil {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("program: truncated chunk id: %w", err)
	}
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return "", nil, fmt.Errorf("program: truncated chunk size: %w", err)
	}
	data = make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, fmt.Errorf("program: truncated chunk data: %w", err)
	}
	if size%2 == 1 {
		r.ReadByte()
	}
	return string(idb), data, nil
}

func expectTag(r *bytes.Reader, want string) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("program: truncated %s tag: %w", want, err)
	}
	if string(got) != want {
		return fmt.Errorf("program: expected %q tag, got %q", want, got)
	}
	return nil
}

// lzwCompress/lzwDecompress use the GIF-flavored LZW variant spec.md §6.2
// asks for: LSB-first bit packing, 8-bit literal width.
func lzwCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lzw.NewWriter(&buf, lzw.LSB, 8)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lzwDecompress(data []byte) ([]byte, error) {
	r := lzw.NewReader(bytes.NewReader(data), lzw.LSB, 8)
	defer r.Close()
	return io.ReadAll(r)
}

func encodeSourceMap(sm SourceMap, symBits uint) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(symBits))
	encodeRLETable(&buf, sm.Files)
	encodeRLETable(&buf, sm.Positions)
	return buf.Bytes()
}

func decodeSourceMap(data []byte) (SourceMap, uint, error) {
	r := bytes.NewReader(data)
	var symBits uint32
	if err := binary.Read(r, binary.BigEndian, &symBits); err != nil {
		return SourceMap{}, 0, fmt.Errorf("program: truncated source map: %w", err)
	}
	files, err := decodeRLETable(r)
	if err != nil {
		return SourceMap{}, 0, err
	}
	positions, err := decodeRLETable(r)
	if err != nil {
		return SourceMap{}, 0, err
	}
	return SourceMap{Files: files, Positions: positions}, uint(symBits), nil
}

func encodeRLETable(buf *bytes.Buffer, table []RLE) {
	binary.Write(buf, binary.BigEndian, uint32(len(table)))
	for _, e := range table {
		binary.Write(buf, binary.BigEndian, int64(e.Value))
		binary.Write(buf, binary.BigEndian, int64(e.Run))
	}
}

func decodeRLETable(r *bytes.Reader) ([]RLE, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("program: truncated RLE table length: %w", err)
	}
	out := make([]RLE, n)
	for i := range out {
		var value, run int64
		if err := binary.Read(r, binary.BigEndian, &value); err != nil {
			return nil, fmt.Errorf("program: truncated RLE entry: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &run); err != nil {
			return nil, fmt.Errorf("program: truncated RLE entry: %w", err)
		}
		out[i] = RLE{Value: int(value), Run: int(run)}
	}
	return out, nil
}

func encodeExports(exports []Export) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(exports)))
	for _, e := range exports {
		binary.Write(&buf, binary.BigEndian, uint32(len(e.Module)))
		buf.WriteString(e.Module)
		binary.Write(&buf, binary.BigEndian, uint32(e.BoundaryOff))
	}
	return buf.Bytes()
}

func decodeExports(data []byte) ([]Export, error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("program: truncated export table length: %w", err)
	}
	out := make([]Export, n)
	for i := range out {
		var nameLen uint32
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("program: truncated export name length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("program: truncated export name: %w", err)
		}
		var off uint32
		if err := binary.Read(r, binary.BigEndian, &off); err != nil {
			return nil, fmt.Errorf("program: truncated export boundary: %w", err)
		}
		out[i] = Export{Module: string(name), BoundaryOff: int(off)}
	}
	return out, nil
}
