package hardware

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/framerelay/pkg/logging"
)

// Size classes in bytes
const (
	smallBufferSize  = 4096
	mediumBufferSize = 16384
	largeBufferSize  = 65536
)

// AudioBuffer is a reusable block of slot memory
type AudioBuffer struct {
	Data []byte
	Size int
	pool *AudioBufferPool
}

// Reset clears the buffer data and resets size for reuse
func (ab *AudioBuffer) Reset() {
	clear(ab.Data[:cap(ab.Data)])
	ab.Size = 0
}

// Release returns the buffer to its pool for reuse
func (ab *AudioBuffer) Release() {
	if ab.pool != nil {
		ab.pool.PutBuffer(ab)
	}
}

// AudioBufferPool hands out period buffers from size-classed pools. It
// implements relay.Allocator.
type AudioBufferPool struct {
	smallPool  *sync.Pool
	mediumPool *sync.Pool
	largePool  *sync.Pool

	smallHits   int64
	mediumHits  int64
	largeHits   int64
	smallMiss   int64
	mediumMiss  int64
	largeMiss   int64
	oversized   int64
	outstanding int64

	maxBufferSize    int
	enableStatistics bool
}

var globalAudioPool *AudioBufferPool
var poolOnce sync.Once

// GetGlobalAudioPool returns the process-wide pool
func GetGlobalAudioPool() *AudioBufferPool {
	poolOnce.Do(func() {
		globalAudioPool = NewAudioBufferPool(largeBufferSize, true)
		go globalAudioPool.statisticsReporter(30 * time.Second)
	})
	return globalAudioPool
}

func newClassPool(p *AudioBufferPool, size int, miss *int64) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			if p.enableStatistics {
				atomic.AddInt64(miss, 1)
			}
			return &AudioBuffer{
				Data: make([]byte, size),
				pool: p,
			}
		},
	}
}

// NewAudioBufferPool creates a pool. Requests above maxBufferSize are
// allocated directly and never pooled.
func NewAudioBufferPool(maxBufferSize int, enableStats bool) *AudioBufferPool {
	if maxBufferSize <= 0 || maxBufferSize > largeBufferSize {
		maxBufferSize = largeBufferSize
	}
	pool := &AudioBufferPool{
		maxBufferSize:    maxBufferSize,
		enableStatistics: enableStats,
	}
	pool.smallPool = newClassPool(pool, smallBufferSize, &pool.smallMiss)
	pool.mediumPool = newClassPool(pool, mediumBufferSize, &pool.mediumMiss)
	pool.largePool = newClassPool(pool, largeBufferSize, &pool.largeMiss)
	return pool
}

// GetBuffer retrieves a buffer of exactly size bytes
func (p *AudioBufferPool) GetBuffer(size int) *AudioBuffer {
	if size <= 0 {
		logging.Debugf("bufferpool", "invalid buffer size requested: %d", size)
		return &AudioBuffer{Data: []byte{}, pool: p}
	}

	atomic.AddInt64(&p.outstanding, 1)

	if size > p.maxBufferSize {
		atomic.AddInt64(&p.oversized, 1)
		return &AudioBuffer{
			Data: make([]byte, size),
			Size: size,
			pool: p,
		}
	}

	var buffer *AudioBuffer
	switch {
	case size <= smallBufferSize:
		buffer = p.smallPool.Get().(*AudioBuffer)
		if p.enableStatistics {
			atomic.AddInt64(&p.smallHits, 1)
		}
	case size <= mediumBufferSize:
		buffer = p.mediumPool.Get().(*AudioBuffer)
		if p.enableStatistics {
			atomic.AddInt64(&p.mediumHits, 1)
		}
	default:
		buffer = p.largePool.Get().(*AudioBuffer)
		if p.enableStatistics {
			atomic.AddInt64(&p.largeHits, 1)
		}
	}

	if cap(buffer.Data) < size {
		buffer.Data = make([]byte, size)
	}
	buffer.Data = buffer.Data[:size]
	buffer.Size = size
	return buffer
}

// PutBuffer returns a buffer to the pool matching its capacity
func (p *AudioBufferPool) PutBuffer(buffer *AudioBuffer) {
	if buffer == nil || cap(buffer.Data) == 0 {
		return
	}
	atomic.AddInt64(&p.outstanding, -1)

	buffer.Reset()
	buffer.pool = p

	switch c := cap(buffer.Data); {
	case c == smallBufferSize:
		p.smallPool.Put(buffer)
	case c == mediumBufferSize:
		p.mediumPool.Put(buffer)
	case c == largeBufferSize:
		p.largePool.Put(buffer)
	default:
		// odd-sized buffers are left to the garbage collector
	}
}

// Get implements relay.Allocator
func (p *AudioBufferPool) Get(size int) []byte {
	return p.GetBuffer(size).Data
}

// Put implements relay.Allocator
func (p *AudioBufferPool) Put(buf []byte) {
	p.PutBuffer(&AudioBuffer{Data: buf, Size: len(buf), pool: p})
}

// Outstanding returns the number of buffers handed out and not returned
func (p *AudioBufferPool) Outstanding() int64 {
	return atomic.LoadInt64(&p.outstanding)
}

// GetStatistics returns current pool utilization statistics
func (p *AudioBufferPool) GetStatistics() map[string]int64 {
	if !p.enableStatistics {
		return map[string]int64{}
	}

	return map[string]int64{
		"small_hits":  atomic.LoadInt64(&p.smallHits),
		"medium_hits": atomic.LoadInt64(&p.mediumHits),
		"large_hits":  atomic.LoadInt64(&p.largeHits),
		"small_miss":  atomic.LoadInt64(&p.smallMiss),
		"medium_miss": atomic.LoadInt64(&p.mediumMiss),
		"large_miss":  atomic.LoadInt64(&p.largeMiss),
		"oversized":   atomic.LoadInt64(&p.oversized),
		"outstanding": atomic.LoadInt64(&p.outstanding),
	}
}

// statisticsReporter periodically logs pool statistics
func (p *AudioBufferPool) statisticsReporter(every time.Duration) {
	if !p.enableStatistics {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for range ticker.C {
		stats := p.GetStatistics()

		totalHits := stats["small_hits"] + stats["medium_hits"] + stats["large_hits"]
		totalMiss := stats["small_miss"] + stats["medium_miss"] + stats["large_miss"]
		if totalHits == 0 {
			continue
		}
		reused := float64(totalHits-totalMiss) / float64(totalHits) * 100
		logging.Debugf("bufferpool", "%d requests, %.1f%% reused, %d outstanding (S:%d/%d M:%d/%d L:%d/%d)",
			totalHits, reused, stats["outstanding"],
			stats["small_hits"], stats["small_miss"],
			stats["medium_hits"], stats["medium_miss"],
			stats["large_hits"], stats["large_miss"])
	}
}
