package ivfpersist

import (
	"encoding/binary"

	"golang.org/x/exp/mmap"
)

// MappedIndex is an on-disk master index loaded in "on-disk" merge mode:
// the bucket directory is held in memory, but posting lists are read
// lazily from the postings section of the index file via mmap, so process
// memory stays proportional to bucket count rather than corpus size.
type MappedIndex struct {
	Header    FileHeader
	Directory []DirectoryEntry
	data      *mmap.ReaderAt
}

// OpenMapped memory-maps path and loads its header and directory eagerly.
func OpenMapped(path string) (*MappedIndex, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	idx := &MappedIndex{data: r}
	headerBuf := make([]byte, headerSize)
	if _, err := r.ReadAt(headerBuf, 0); err != nil {
		_ = r.Close()
		return nil, err
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	idx.Header = h

	dirBuf := make([]byte, int(h.NumBuckets)*directoryEntrySize)
	if _, err := r.ReadAt(dirBuf, int64(h.DirectoryOffset)); err != nil {
		_ = r.Close()
		return nil, err
	}
	idx.Directory = make([]DirectoryEntry, h.NumBuckets)
	for i := range idx.Directory {
		base := i * directoryEntrySize
		idx.Directory[i] = DirectoryEntry{
			Offset: binary.LittleEndian.Uint64(dirBuf[base : base+8]),
			Count:  binary.LittleEndian.Uint32(dirBuf[base+8 : base+12]),
		}
	}

	return idx, nil
}

// Bucket reads and decodes the posting list for bucket id, on demand.
func (idx *MappedIndex) Bucket(id int) ([]Posting, error) {
	e := idx.Directory[id]
	if e.Count == 0 {
		return nil, nil
	}
	buf := make([]byte, int(e.Count)*postingSize)
	if _, err := idx.data.ReadAt(buf, int64(idx.Header.PostingsOffset)+int64(e.Offset)); err != nil {
		return nil, err
	}
	postings := make([]Posting, e.Count)
	for i := range postings {
		base := i * postingSize
		postings[i].ImageID = binary.LittleEndian.Uint32(buf[base : base+4])
		copy(postings[i].Code[:], buf[base+4:base+postingSize])
	}
	return postings, nil
}

func (idx *MappedIndex) Close() error { return idx.data.Close() }

const (
	headerSize         = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 4 + 16
	directoryEntrySize = 8 + 4
	postingSize         = 4 + 32
)

func decodeHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.NumBuckets = binary.LittleEndian.Uint32(b[8:12])
	h.DescriptorDim = binary.LittleEndian.Uint32(b[12:16])
	h.DescriptorCnt = binary.LittleEndian.Uint64(b[16:24])
	h.DirectoryOffset = binary.LittleEndian.Uint64(b[24:32])
	h.PostingsOffset = binary.LittleEndian.Uint64(b[32:40])
	h.Checksum = binary.LittleEndian.Uint32(b[40:44])
	if h.Magic != MagicNumber {
		return h, ErrInvalidMagic
	}
	if h.Version != Version {
		return h, ErrInvalidVersion
	}
	return h, nil
}
