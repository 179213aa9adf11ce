package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	size := int64(1024)
	mem := NewMemory(size)

	require.EqualValues(t, size, mem.Size())
	require.Len(t, mem.data, int(size))
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("hello cyclone")
	n, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)
	require.Equal(t, len(testData), n)

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)
	require.Equal(t, len(testData), n)
	require.Equal(t, testData, readBuf)
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	require.NoError(t, err)
	require.Equal(t, 20, n)

	_, err = mem.WriteAt([]byte("test"), 98)
	require.NoError(t, err)

	_, err = mem.WriteAt([]byte("test"), 101)
	require.Error(t, err)
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	testData := []byte("Hello, World!")
	_, err := mem.WriteAt(testData, 0)
	require.NoError(t, err)

	require.NoError(t, mem.Discard(0, 5))

	readBuf := make([]byte, len(testData))
	_, err = mem.ReadAt(readBuf, 0)
	require.NoError(t, err)

	require.Equal(t, make([]byte, 5), readBuf[:5])
	require.Equal(t, testData[5:], readBuf[5:])
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	stats := mem.Stats()
	require.Equal(t, "memory", stats["type"])
	require.Equal(t, int64(1024), stats["size"])
}

func TestMemoryShardRangeCoversConcurrentAccess(t *testing.T) {
	mem := NewMemory(4 * ShardSize)
	defer mem.Close()

	start, end := mem.shardRange(ShardSize-10, 20)
	require.Equal(t, 0, start)
	require.Equal(t, 1, end)
}

func BenchmarkMemoryRead(b *testing.B) {
	mem := NewMemory(1024 * 1024)
	defer mem.Close()

	buf := make([]byte, 4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		mem.ReadAt(buf, offset)
	}
}

func BenchmarkMemoryWrite(b *testing.B) {
	mem := NewMemory(1024 * 1024)
	defer mem.Close()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		mem.WriteAt(buf, offset)
	}
}
