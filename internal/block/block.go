// Package block implements the immutable, memory-mapped sorted key/value
// block file: the unit of on-disk storage a table's root index points into.
package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/leengari/pagedb/internal/codec"
	"golang.org/x/sys/unix"
)

// Magic is the 8-byte ASCII literal at offset 0 of every block file.
const Magic = "BLOCK   "

const (
	MinSize          = 1024
	TargetMinSize    = 2 * 1024 * 1024
	TargetMaxSize    = 8 * 1024 * 1024
	MaxSize          = 16 * 1024 * 1024
	entryHeaderBytes = 8 // k_len(4) + v_len(4)
	indexEntryBytes  = 8 // entpos(4) + k_len(4)
)

// ErrCorrupt wraps any validation failure encountered opening a block.
var ErrCorrupt = errors.New("block: corrupt or invalid block file")

// ErrSizeOutOfRange is returned when a block file's size falls outside
// [MinSize, MaxSize].
var ErrSizeOutOfRange = errors.New("block: file size out of bounds")

// FileName returns the on-disk file name for a block with the given id.
func FileName(fileID uint64) string {
	return fmt.Sprintf("block.%x", fileID)
}

// KV is a single key/value pair, used for the write path and ReadAll.
type KV struct {
	Key   []byte
	Value []byte
}

type indexEntry struct {
	entPos uint32
	keyLen uint32
}

// Block is an opened, memory-mapped, read-only block file.
type Block struct {
	path   string
	fileID uint64
	file   *os.File
	data   []byte
	size   int64
	arrPos uint32
	nKeys  uint32
}

// Open opens and mmaps the block file at path for read-only access,
// validating its magic, trailer, and whole-file CRC32.
func Open(path string, fileID uint64) (*Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: stat %s: %w", path, err)
	}
	size := st.Size()
	if size < MinSize || size > MaxSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrSizeOutOfRange, path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: mmap %s: %w", path, err)
	}

	b := &Block{path: path, fileID: fileID, file: f, data: data, size: size}

	if err := b.validate(); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

func (b *Block) validate() error {
	if !bytes.Equal(b.data[:len(Magic)], []byte(Magic)) {
		return fmt.Errorf("%w: %s: bad magic", ErrCorrupt, b.path)
	}

	wantCRC := binary.LittleEndian.Uint32(b.data[b.size-4:])
	gotCRC := crc32.ChecksumIEEE(b.data[:b.size-4])
	if wantCRC != gotCRC {
		return fmt.Errorf("%w: %s: whole-file CRC mismatch", ErrCorrupt, b.path)
	}

	// DTRL is the final frame before the 4-byte whole-file CRC: its total
	// on-wire size is HeaderSize(8) + payload(8: arrpos+n_keys) + CRC(4).
	const dtrlFrameSize = codec.HeaderSize + 8 + codec.TrailerSize
	tailStart := b.size - 4 - dtrlFrameSize
	if tailStart < int64(len(Magic)) {
		return fmt.Errorf("%w: %s: file too small for trailer", ErrCorrupt, b.path)
	}

	tag, payload, _, err := codec.ParseFrame(b.data[tailStart : b.size-4])
	if err != nil {
		return fmt.Errorf("%w: %s: trailer frame: %v", ErrCorrupt, b.path, err)
	}
	if tag != "DTRL" || len(payload) != 8 {
		return fmt.Errorf("%w: %s: expected DTRL trailer, got %q", ErrCorrupt, b.path, tag)
	}

	b.arrPos = binary.LittleEndian.Uint32(payload[0:4])
	b.nKeys = binary.LittleEndian.Uint32(payload[4:8])

	if b.size < int64(b.arrPos)+int64(b.nKeys)*indexEntryBytes {
		return fmt.Errorf("%w: %s: index array runs past end of file", ErrCorrupt, b.path)
	}

	return nil
}

// Close unmaps and releases the block's file handle. Infallible by policy:
// errors are swallowed, matching the drop-path contract for block/log
// resources.
func (b *Block) Close() error {
	if b.data != nil {
		_ = unix.Munmap(b.data)
		b.data = nil
	}
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	return nil
}

// FileID returns the block's file id.
func (b *Block) FileID() uint64 { return b.fileID }

// NumKeys returns the number of key/value pairs in the block.
func (b *Block) NumKeys() int { return int(b.nKeys) }

func (b *Block) index(i int) (indexEntry, error) {
	pos := int64(b.arrPos) + int64(i)*indexEntryBytes
	if pos+indexEntryBytes > b.size {
		return indexEntry{}, fmt.Errorf("%w: index entry %d out of range", ErrCorrupt, i)
	}
	return indexEntry{
		entPos: binary.LittleEndian.Uint32(b.data[pos : pos+4]),
		keyLen: binary.LittleEndian.Uint32(b.data[pos+4 : pos+8]),
	}, nil
}

func (b *Block) entryLengths(entPos uint32) (kLen, vLen uint32, err error) {
	if int64(entPos)+entryHeaderBytes > b.size {
		return 0, 0, fmt.Errorf("%w: entry header out of range", ErrCorrupt)
	}
	kLen = binary.LittleEndian.Uint32(b.data[entPos : entPos+4])
	vLen = binary.LittleEndian.Uint32(b.data[entPos+4 : entPos+8])
	return kLen, vLen, nil
}

func (b *Block) keyAt(entPos, kLen uint32) ([]byte, error) {
	start := int64(entPos) + entryHeaderBytes
	if start+int64(kLen) > b.size {
		return nil, fmt.Errorf("%w: key out of range", ErrCorrupt)
	}
	return b.data[start : start+int64(kLen)], nil
}

func (b *Block) valueAt(entPos, kLen, vLen uint32) ([]byte, error) {
	start := int64(entPos) + entryHeaderBytes + int64(kLen)
	end := start + int64(vLen)
	if end > b.size {
		return nil, fmt.Errorf("%w: value out of range", ErrCorrupt)
	}
	return b.data[start:end], nil
}

// Lookup finds key via binary search over the sorted index array, returning
// its value and true, or (nil, false) if absent. O(log n).
func (b *Block) Lookup(key []byte) ([]byte, bool, error) {
	lo, hi := 0, int(b.nKeys)
	for lo < hi {
		mid := (lo + hi) / 2
		idx, err := b.index(mid)
		if err != nil {
			return nil, false, err
		}
		kLen, vLen, err := b.entryLengths(idx.entPos)
		if err != nil {
			return nil, false, err
		}
		testKey, err := b.keyAt(idx.entPos, kLen)
		if err != nil {
			return nil, false, err
		}

		switch bytes.Compare(testKey, key) {
		case 0:
			value, err := b.valueAt(idx.entPos, kLen, vLen)
			return value, true, err
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil, false, nil
}

// ReadAll returns every (key, value) pair in ascending key order.
func (b *Block) ReadAll() ([]KV, error) {
	out := make([]KV, 0, b.nKeys)
	for i := 0; i < int(b.nKeys); i++ {
		idx, err := b.index(i)
		if err != nil {
			return nil, err
		}
		kLen, vLen, err := b.entryLengths(idx.entPos)
		if err != nil {
			return nil, err
		}
		key, err := b.keyAt(idx.entPos, kLen)
		if err != nil {
			return nil, err
		}
		value, err := b.valueAt(idx.entPos, kLen, vLen)
		if err != nil {
			return nil, err
		}
		out = append(out, KV{Key: key, Value: value})
	}
	return out, nil
}

// WriteBlock writes a new, immutable block file at dir/FileName(fileID) from
// a sorted, non-empty sequence of key/value pairs, via exclusive create. It
// returns the key of the last pair written (the block's last_key).
func WriteBlock(dir string, fileID uint64, pairs []KV) ([]byte, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("block: cannot write an empty block")
	}

	path := filepath.Join(dir, FileName(fileID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("block: create %s: %w", path, err)
	}
	defer f.Close()

	hasher := crc32.NewIEEE()
	w := io.MultiWriter(f, hasher)

	if _, err := w.Write([]byte(Magic)); err != nil {
		return nil, fmt.Errorf("block: write magic to %s: %w", path, err)
	}

	entPos := uint32(len(Magic))
	idxs := make([]indexEntry, 0, len(pairs))

	for _, p := range pairs {
		payload := make([]byte, 0, entryHeaderBytes+len(p.Key)+len(p.Value))
		payload = putUint32(payload, uint32(len(p.Key)))
		payload = putUint32(payload, uint32(len(p.Value)))
		payload = append(payload, p.Key...)
		payload = append(payload, p.Value...)

		frame, err := codec.Encode("DATA", payload)
		if err != nil {
			return nil, fmt.Errorf("block: encode DATA frame: %w", err)
		}
		if _, err := w.Write(frame); err != nil {
			return nil, fmt.Errorf("block: write DATA frame to %s: %w", path, err)
		}

		idxs = append(idxs, indexEntry{entPos: entPos, keyLen: uint32(len(p.Key))})
		entPos += uint32(len(frame))
	}

	arrPos := entPos + codec.HeaderSize

	idxPayload := make([]byte, 0, len(idxs)*indexEntryBytes)
	for _, e := range idxs {
		idxPayload = putUint32(idxPayload, e.entPos)
		idxPayload = putUint32(idxPayload, e.keyLen)
	}
	// Open rejects files smaller than MinSize, so a small block has its DIDX
	// payload zero-padded past the n_keys entries until the whole file reaches
	// MinSize. Readers locate entries through arrpos and n_keys only.
	const tailBytes = codec.HeaderSize + codec.TrailerSize + // DIDX framing
		codec.HeaderSize + 8 + codec.TrailerSize + // DTRL frame
		4 // whole-file CRC
	if short := MinSize - (int(entPos) + len(idxPayload) + tailBytes); short > 0 {
		idxPayload = append(idxPayload, make([]byte, short)...)
	}
	didxFrame, err := codec.Encode("DIDX", idxPayload)
	if err != nil {
		return nil, fmt.Errorf("block: encode DIDX frame: %w", err)
	}
	if _, err := w.Write(didxFrame); err != nil {
		return nil, fmt.Errorf("block: write DIDX frame to %s: %w", path, err)
	}

	dtrlPayload := putUint32(nil, arrPos)
	dtrlPayload = putUint32(dtrlPayload, uint32(len(pairs)))
	dtrlFrame, err := codec.Encode("DTRL", dtrlPayload)
	if err != nil {
		return nil, fmt.Errorf("block: encode DTRL frame: %w", err)
	}
	if _, err := w.Write(dtrlFrame); err != nil {
		return nil, fmt.Errorf("block: write DTRL frame to %s: %w", path, err)
	}

	finalCRC := hasher.Sum32()
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], finalCRC)
	if _, err := f.Write(crcBuf[:]); err != nil {
		return nil, fmt.Errorf("block: write final CRC to %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("block: sync %s: %w", path, err)
	}

	return pairs[len(pairs)-1].Key, nil
}

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
