package event

import (
	"sync"

	"tickstream/internal/domain"
)

const (
	defaultBatchCap = 64
	// Batches that grew past this are left to the GC instead of being pooled.
	maxPooledCap = 4096
)

// TickBatch carries the raw ticks extracted from one inbound websocket message.
type TickBatch struct {
	Ticks []domain.RawTick
}

// Add appends a tick to the batch.
func (b *TickBatch) Add(t domain.RawTick) {
	b.Ticks = append(b.Ticks, t)
}

func (b *TickBatch) Len() int {
	return len(b.Ticks)
}

// tickBatchPool provides sync.Pool for per-message batch allocation.
// Use this to reduce GC pressure in the ingest hotpath.
//
// Usage:
//
//	b := AcquireTickBatch()
//	b.Add(tick)
//	// ... append to the raw topic ...
//	ReleaseTickBatch(b) // Return to pool after processing
var tickBatchPool = sync.Pool{
	New: func() interface{} {
		return &TickBatch{Ticks: make([]domain.RawTick, 0, defaultBatchCap)}
	},
}

// AcquireTickBatch gets an empty TickBatch from the pool.
func AcquireTickBatch() *TickBatch {
	return tickBatchPool.Get().(*TickBatch)
}

// ReleaseTickBatch returns a TickBatch to the pool.
// The batch is truncated before being pooled and must not be used afterwards.
func ReleaseTickBatch(b *TickBatch) {
	if b == nil || cap(b.Ticks) > maxPooledCap {
		return
	}
	clear(b.Ticks)
	b.Ticks = b.Ticks[:0]
	tickBatchPool.Put(b)
}

// Warmup pre-allocates batches to reduce GC pressure at startup.
// It acquires and releases a set of batches.
func Warmup() {
	const batchSize = 64

	batches := make([]*TickBatch, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		batches = append(batches, AcquireTickBatch())
	}
	for _, b := range batches {
		ReleaseTickBatch(b)
	}
}
