package hnsw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"
	"github.com/klauspost/compress/s2"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/internal/searcher"
	"github.com/quiverdb/quiver/persistence"
)

// hnsw.bin layout, little-endian:
//
//	magic   "QHNW" (4 bytes)
//	version u8
//	clen    u64    length of the s2-compressed section
//	section clen bytes
//	crc32   u32    over everything above
//
// The decompressed section:
//
//	dim u32, m u32, efc u32, count u64, entry u32
//	count × { id u64, layer u16, (layer+1) × { n u16, n × idx u32 } }
//
// Neighbor references are indices into the node records in file order.
// Vectors are NOT persisted; they are resolved from the vector store
// on load. The file is a cache: any defect makes the caller rebuild
// the graph from the store instead.

const (
	graphMagic   = "QHNW"
	graphVersion = 1
)

// ErrGraphFileInvalid is wrapped by every load failure that should
// trigger a rebuild rather than abort the open.
var ErrGraphFileInvalid = errors.New("hnsw: graph file invalid")

// SaveFile persists the graph atomically to path. Tombstoned nodes are
// compacted away: records are written for live nodes only, with edges
// into tombstones dropped.
func (ix *Index) SaveFile(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	// Dense remap of live node indices to file order.
	remap := make(map[uint32]uint32, len(ix.byID))
	order := make([]uint32, 0, len(ix.byID))
	for idx := range ix.nodes {
		if ix.tombs.Test(uint(idx)) {
			continue
		}
		remap[uint32(idx)] = uint32(len(order))
		order = append(order, uint32(idx))
	}

	entry := uint32(noEntryPoint)
	if ix.ep != noEntryPoint && !ix.tombs.Test(uint(ix.ep)) {
		entry = remap[ix.ep]
	} else if len(order) > 0 {
		// Entry point was tombstoned; promote the live node with the
		// highest layer, matching what load would have to do anyway.
		best := order[0]
		for _, idx := range order[1:] {
			if ix.nodes[idx].layer > ix.nodes[best].layer {
				best = idx
			}
		}
		entry = remap[best]
	}

	raw := make([]byte, 0, 24+len(order)*32)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(ix.dim))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(ix.params.M))
	raw = binary.LittleEndian.AppendUint32(raw, uint32(ix.params.EfConstruction))
	raw = binary.LittleEndian.AppendUint64(raw, uint64(len(order)))
	raw = binary.LittleEndian.AppendUint32(raw, entry)

	for _, idx := range order {
		n := ix.nodes[idx]
		raw = binary.LittleEndian.AppendUint64(raw, n.id)
		raw = binary.LittleEndian.AppendUint16(raw, uint16(n.layer))
		for level := 0; level <= n.layer; level++ {
			live := make([]uint32, 0, len(n.conns[level]))
			for _, nb := range n.conns[level] {
				if mapped, ok := remap[nb]; ok {
					live = append(live, mapped)
				}
			}
			raw = binary.LittleEndian.AppendUint16(raw, uint16(len(live)))
			for _, nb := range live {
				raw = binary.LittleEndian.AppendUint32(raw, nb)
			}
		}
	}

	compressed := s2.Encode(nil, raw)

	return persistence.AtomicWriteFile(path, func(f *os.File) error {
		cw := persistence.NewChecksumWriter(f)
		if _, err := cw.Write([]byte(graphMagic)); err != nil {
			return err
		}
		if _, err := cw.Write([]byte{graphVersion}); err != nil {
			return err
		}
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(compressed)))
		if _, err := cw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := cw.Write(compressed); err != nil {
			return err
		}

		var footer [4]byte
		binary.LittleEndian.PutUint32(footer[:], cw.Sum())
		_, err := f.Write(footer[:])
		return err
	})
}

// LoadFile reconstructs an index from path, resolving each node's
// vector through vectors. Every failure wraps ErrGraphFileInvalid so
// the caller can fall back to a rebuild; only a missing file is
// returned as-is.
func LoadFile(path string, dist distance.Func, vectors func(id uint64) ([]float32, bool)) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	const headerSize = 4 + 1 + 8
	if len(data) < headerSize+4 {
		return nil, fmt.Errorf("%w: short file", ErrGraphFileInvalid)
	}

	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if persistence.Checksum(body) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrGraphFileInvalid)
	}

	if string(body[0:4]) != graphMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrGraphFileInvalid)
	}
	if body[4] != graphVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrGraphFileInvalid, body[4])
	}
	clen := binary.LittleEndian.Uint64(body[5:13])
	if uint64(len(body)-headerSize) != clen {
		return nil, fmt.Errorf("%w: section length mismatch", ErrGraphFileInvalid)
	}

	raw, err := s2.Decode(nil, body[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrGraphFileInvalid, err)
	}

	return decodeGraph(raw, dist, vectors)
}

type graphReader struct {
	buf []byte
	off int
	err error
}

func (r *graphReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated section", ErrGraphFileInvalid)
		return false
	}
	return true
}

func (r *graphReader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *graphReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *graphReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func decodeGraph(raw []byte, dist distance.Func, vectors func(id uint64) ([]float32, bool)) (*Index, error) {
	r := &graphReader{buf: raw}

	dim := int(r.u32())
	params := Params{M: int(r.u32()), EfConstruction: int(r.u32())}
	count := r.u64()
	entry := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if dim <= 0 || params.M <= 1 {
		return nil, fmt.Errorf("%w: bad parameters", ErrGraphFileInvalid)
	}

	ix, err := New(dim, params, dist)
	if err != nil {
		return nil, err
	}

	ix.nodes = make([]*node, 0, count)
	for i := uint64(0); i < count; i++ {
		id := r.u64()
		layer := int(r.u16())
		if r.err != nil {
			return nil, r.err
		}

		vec, ok := vectors(id)
		if !ok || len(vec) != dim {
			return nil, fmt.Errorf("%w: node %d has no stored vector", ErrGraphFileInvalid, id)
		}
		cp := make([]float32, len(vec))
		copy(cp, vec)

		n := &node{id: id, vector: cp, layer: layer, conns: make([][]uint32, layer+1)}
		for level := 0; level <= layer; level++ {
			cnt := int(r.u16())
			conns := make([]uint32, cnt)
			for j := 0; j < cnt; j++ {
				nb := r.u32()
				if uint64(nb) >= count {
					return nil, fmt.Errorf("%w: neighbor %d out of range", ErrGraphFileInvalid, nb)
				}
				conns[j] = nb
			}
			n.conns[level] = conns
		}
		if r.err != nil {
			return nil, r.err
		}

		if _, dup := ix.byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrGraphFileInvalid, id)
		}
		ix.byID[id] = uint32(len(ix.nodes))
		ix.nodes = append(ix.nodes, n)
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrGraphFileInvalid)
	}

	if count == 0 {
		ix.ep = noEntryPoint
		return ix, nil
	}
	if uint64(entry) >= count {
		return nil, fmt.Errorf("%w: entry point out of range", ErrGraphFileInvalid)
	}
	ix.ep = entry
	ix.maxLayer = ix.nodes[entry].layer
	ix.tombs = bitset.New(uint(count))
	ix.visited = searcher.NewPool(int(count))

	return ix, nil
}
