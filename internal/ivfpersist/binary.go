package ivfpersist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Writer serializes a segment or master index file in the order:
// header, bucket directory, postings area.
type Writer struct {
	w         io.Writer
	byteOrder binary.ByteOrder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, byteOrder: binary.LittleEndian}
}

func (bw *Writer) WriteHeader(h *FileHeader) error {
	h.Magic = MagicNumber
	h.Version = Version
	return binary.Write(bw.w, bw.byteOrder, h)
}

func (bw *Writer) WriteDirectory(dir []DirectoryEntry) error {
	for _, e := range dir {
		if err := binary.Write(bw.w, bw.byteOrder, e); err != nil {
			return err
		}
	}
	return nil
}

func (bw *Writer) WritePostings(postings []Posting) error {
	for _, p := range postings {
		if err := binary.Write(bw.w, bw.byteOrder, p.ImageID); err != nil {
			return err
		}
		if _, err := bw.w.Write(p.Code[:]); err != nil {
			return err
		}
	}
	return nil
}

// Reader deserializes a segment or master index file written by Writer.
type Reader struct {
	r         io.Reader
	byteOrder binary.ByteOrder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, byteOrder: binary.LittleEndian}
}

func (br *Reader) ReadHeader() (*FileHeader, error) {
	var h FileHeader
	if err := binary.Read(br.r, br.byteOrder, &h); err != nil {
		return nil, err
	}
	if h.Magic != MagicNumber {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, h.Version)
	}
	return &h, nil
}

func (br *Reader) ReadDirectory(numBuckets int) ([]DirectoryEntry, error) {
	dir := make([]DirectoryEntry, numBuckets)
	for i := range dir {
		if err := binary.Read(br.r, br.byteOrder, &dir[i]); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

func (br *Reader) ReadPostings(count int) ([]Posting, error) {
	postings := make([]Posting, count)
	for i := range postings {
		if err := binary.Read(br.r, br.byteOrder, &postings[i].ImageID); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(br.r, postings[i].Code[:]); err != nil {
			return nil, err
		}
	}
	return postings, nil
}

// SaveToFile writes via writeFunc to a temp file in filename's directory,
// flushes and syncs it, then atomically renames it into place. Readers
// never observe a partially written file.
func SaveToFile(filename string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = ""
	return nil
}

// LoadFromFile opens filename and streams it through readFunc with a
// buffered reader.
func LoadFromFile(filename string, readFunc func(io.Reader) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewReaderSize(f, 256*1024)
	return readFunc(buf)
}
