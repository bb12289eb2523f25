package vectorstore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), 4)
	require.NoError(t, err)
	defer s.Close()

	vec := []float32{1.5, -2.25, 3.125, 0}
	off, err := s.Put(7, vec)
	require.NoError(t, err)
	assert.Zero(t, off%4)

	got, ok, err := s.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	// Bit-identical: no lossy path.
	assert.Equal(t, vec, got)

	_, ok, err = s.Get(8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutDimensionChecked(t *testing.T) {
	s, err := Open(t.TempDir(), 4)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(1, []float32{1, 2})
	assert.Error(t, err)
}

func TestUpsertRepointsOffset(t *testing.T) {
	s, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer s.Close()

	off1, err := s.Put(1, []float32{1, 1})
	require.NoError(t, err)
	off2, err := s.Put(1, []float32{2, 2})
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2, "upsert appends new bytes")

	got, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{2, 2}, got)
	assert.Equal(t, 1, s.Count())
}

func TestDelete(t *testing.T) {
	s, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(1, []float32{1, 1})
	require.NoError(t, err)

	assert.True(t, s.Delete(1))
	assert.False(t, s.Delete(1), "second delete is false, not an error")

	_, ok, err := s.Get(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Inserting past the initial 16 MiB capacity must trigger exactly one
// resize to at least 64 MiB, and every vector written before the
// resize must stay retrievable at its original id.
func TestGrowthPreservesVectors(t *testing.T) {
	if testing.Short() {
		t.Skip("writes >16 MiB")
	}

	dim := 1024 // 4 KiB per record
	s, err := Open(t.TempDir(), dim)
	require.NoError(t, err)
	defer s.Close()

	vec := make([]float32, dim)
	perRecord := int64(dim) * 4
	n := int(InitialCapacity/perRecord) + 10

	for i := 0; i < n; i++ {
		vec[0] = float32(i)
		_, err := s.Put(uint64(i), vec)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, s.Grows(), "exactly one resize")
	assert.GreaterOrEqual(t, s.Capacity(), int64(64<<20))

	for i := 0; i < n; i++ {
		got, ok, err := s.Get(uint64(i))
		require.NoError(t, err)
		require.True(t, ok, "id %d", i)
		assert.Equal(t, float32(i), got[0])
	}
}

func TestIndexMirrorRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 3)
	require.NoError(t, err)
	_, err = s.Put(1, []float32{1, 2, 3})
	require.NoError(t, err)
	_, err = s.Put(2, []float32{4, 5, 6})
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s2, err := Open(dir, 3)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 2, s2.Count())
	got, ok, err := s2.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{4, 5, 6}, got)
}

func TestInconsistentIndexFatal(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 3)
	require.NoError(t, err)
	_, err = s.Put(1, []float32{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	// Point id 1 past the end of the data file.
	idx := filepath.Join(dir, IndexFileName)
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], 1)
	binary.LittleEndian.PutUint64(buf[8:16], 1<<40)
	require.NoError(t, os.WriteFile(idx, buf, 0o644))

	_, err = Open(dir, 3)
	require.ErrorIs(t, err, ErrIndexInconsistent)
}

func TestMisalignedIndexFatal(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 3)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	idx := filepath.Join(dir, IndexFileName)
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], 1)
	binary.LittleEndian.PutUint64(buf[8:16], 2) // not 4-byte aligned
	require.NoError(t, os.WriteFile(idx, buf, 0o644))

	_, err = Open(dir, 3)
	require.ErrorIs(t, err, ErrIndexInconsistent)
}

func TestReadViewZeroCopy(t *testing.T) {
	s, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(9, []float32{3, 4})
	require.NoError(t, err)

	s.Read(func(v View) {
		vec, ok := v.VectorAt(9)
		require.True(t, ok)
		assert.Equal(t, []float32{3, 4}, vec)
		assert.Equal(t, 2, v.Dimension())

		_, ok = v.VectorAt(10)
		assert.False(t, ok)
	})
}

func TestConcurrentReadersWithWriter(t *testing.T) {
	s, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	defer s.Close()

	vec := make([]float32, 8)
	for i := 0; i < 64; i++ {
		vec[0] = float32(i)
		_, err := s.Put(uint64(i), vec)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				got, ok, err := s.Get(uint64(i % 64))
				assert.NoError(t, err)
				if ok {
					assert.Equal(t, float32(i%64), got[0])
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 64; i < 256; i++ {
			vec := make([]float32, 8)
			vec[0] = float32(i)
			_, err := s.Put(uint64(i), vec)
			assert.NoError(t, err)
		}
	}()

	wg.Wait()
}
