package etl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// dataProvider yields the entries of one sorted run, in order, one at a
// time. A Collector holds one provider per run plus, when the buffer never
// spilled, a single in-RAM provider for the hot path.
type dataProvider interface {
	Next() (k, v []byte, err error)
	// Dispose releases the provider's resources (closing and removing its
	// backing file, if any) and reports how many bytes it freed.
	Dispose() (uint64, error)
}

// memoryProvider serves a run directly out of an already-sorted in-memory
// buffer. It is the hot path for Collectors whose total input never
// exceeded the flush threshold: no run file is ever written.
type memoryProvider struct {
	buf *buffer
	pos int
}

func (p *memoryProvider) Next() ([]byte, []byte, error) {
	if p.pos >= p.buf.Len() {
		return nil, nil, io.EOF
	}
	e := p.buf.Get(p.pos)
	p.pos++
	return e.key, e.value, nil
}

func (p *memoryProvider) Dispose() (uint64, error) { return 0, nil }

// fileProvider serves a run that was spilled to disk as a sequence of
// varint-length-prefixed key/value pairs: uvarint(len(k)) || k ||
// uvarint(len(v)) || v, repeated, rather than a general-purpose
// serialization format — runs are write-once, read-once, so there is
// nothing to gain from anything heavier.
type fileProvider struct {
	path string
	f    *os.File
	r    *bufio.Reader
}

// flushToDisk writes buf (already sorted by the caller) to a new temp file
// under dir, returning a fileProvider positioned at its
// start.
func flushToDisk(dir string, prefix string, runIdx int, buf *buffer) (dataProvider, error) {
	f, err := os.CreateTemp(dir, fmt.Sprintf("%s-run-%d-*.tmp", prefix, runIdx))
	if err != nil {
		return nil, fmt.Errorf("etl: creating run file: %w", err)
	}
	w := bufio.NewWriter(f)
	var lenBuf [binary.MaxVarintLen64]byte
	for i := 0; i < buf.Len(); i++ {
		e := buf.Get(i)
		if err := writeVarintBytes(w, lenBuf[:], e.key); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, storageFullOr(err)
		}
		if err := writeVarintBytes(w, lenBuf[:], e.value); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, storageFullOr(err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, storageFullOr(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &fileProvider{path: f.Name(), f: f, r: bufio.NewReader(f)}, nil
}

func writeVarintBytes(w *bufio.Writer, lenBuf []byte, b []byte) error {
	n := binary.PutUvarint(lenBuf, uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func storageFullOr(err error) error {
	if os.IsNotExist(err) {
		return err
	}
	if pe, ok := err.(*os.PathError); ok {
		return fmt.Errorf("%w: %v", ErrStorageFull, pe)
	}
	return err
}

func (p *fileProvider) Next() ([]byte, []byte, error) {
	k, err := readVarintBytes(p.r)
	if err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptRun, err)
	}
	v, err := readVarintBytes(p.r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptRun, err)
	}
	return k, v, nil
}

func readVarintBytes(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *fileProvider) Dispose() (uint64, error) {
	var size uint64
	if fi, err := p.f.Stat(); err == nil {
		size = uint64(fi.Size())
	}
	if err := p.f.Close(); err != nil {
		return size, err
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return size, err
	}
	return size, nil
}
