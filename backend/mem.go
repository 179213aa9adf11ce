// Package backend provides example storage backends for hosting a
// cyclone.Handler: an in-memory, sharded-lock byte store, used as the
// cyclone-echo demo's capture store, without depending on any particular
// storage engine.
package backend

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// ShardSize is the size of each memory shard (64KB), balancing lock
// contention against shard-table overhead for 4K random I/O.
const ShardSize = 64 * 1024

// Memory is a RAM-backed interfaces.Backend using sharded locking so
// concurrent handlers on different offsets don't serialize on one mutex.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a memory backend of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt implements interfaces.Backend.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}

	return n, nil
}

// WriteAt implements interfaces.Backend.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("backend: write beyond end of store")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	return n, nil
}

// Size implements interfaces.Backend.
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements interfaces.Backend.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements interfaces.Backend. The memory backend has nothing to
// flush.
func (m *Memory) Flush() error {
	return nil
}

// Discard implements interfaces.DiscardBackend.
func (m *Memory) Discard(offset, length int64) error {
	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}
	actualLen := end - offset

	startShard, endShard := m.shardRange(offset, actualLen)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	return nil
}

// Stats returns a point-in-time view of the backend's shape, for demo CLI
// output.
func (m *Memory) Stats() map[string]any {
	return map[string]any{
		"type":       "memory",
		"size":       m.size,
		"num_shards": len(m.shards),
		"shard_size": ShardSize,
	}
}

var (
	_ interfaces.Backend        = (*Memory)(nil)
	_ interfaces.DiscardBackend = (*Memory)(nil)
)
