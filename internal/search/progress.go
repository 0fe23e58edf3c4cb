package search

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Progress observes a running search. ChunkDone is called from worker
// goroutines and must be safe for concurrent use.
type Progress interface {
	Started(queries, records, chunks int)
	ChunkDone(chunk, records int)
}

// NopProgress ignores all events.
type NopProgress struct{}

func (NopProgress) Started(queries, records, chunks int) {}
func (NopProgress) ChunkDone(chunk, records int)         {}

// LogProgress reports chunk completion through a logger.
type LogProgress struct {
	Logger *zap.Logger

	total  atomic.Int64
	scored atomic.Int64
}

func (p *LogProgress) Started(queries, records, chunks int) {
	p.total.Store(int64(records))
	p.scored.Store(0)
	p.Logger.Info("scoring encrypted corpus",
		zap.Int("queries", queries),
		zap.Int("records", records),
		zap.Int("chunks", chunks))
}

func (p *LogProgress) ChunkDone(chunk, records int) {
	done := p.scored.Add(int64(records))
	p.Logger.Info("chunk scored",
		zap.Int("chunk", chunk),
		zap.Int64("scored", done),
		zap.Int64("total", p.total.Load()))
}
