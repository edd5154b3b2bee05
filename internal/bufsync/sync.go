// Package bufsync brings the engine's incremental parse state in line with
// an editor buffer using the cursor-and-marker feed commands.
package bufsync

import (
	"context"

	"github.com/samiralibabic/merlind/internal/merlin"
	"github.com/samiralibabic/merlind/internal/metrics"
)

const DefaultChunkSize = 1024

// Buffer is the editor text, addressed by character offset.
type Buffer interface {
	Len() int
	Slice(from, to int) string
}

// Feeder is the subset of the engine client the synchronizer drives.
type Feeder interface {
	SeekStart(ctx context.Context) (merlin.Cursor, error)
	TellStart(ctx context.Context) (merlin.Cursor, error)
	TellSource(ctx context.Context, text string) (merlin.Cursor, error)
	TellMarker(ctx context.Context) (merlin.Cursor, error)
	TellEOF(ctx context.Context) (merlin.Cursor, error)
}

type Synchronizer struct {
	ChunkSize int
}

func New(chunkSize int) *Synchronizer {
	return &Synchronizer{ChunkSize: chunkSize}
}

// Result describes one synchronization.
type Result struct {
	// Cursor is the last cursor the engine reported.
	Cursor merlin.Cursor
	Target int
	// Fed is the offset the engine has been fed up to.
	Fed    int
	Chunks int
	EOF    bool
}

// SyncTo feeds buf[0:target] in one piece, then keeps feeding chunks of the
// rest of the buffer while the engine's marker asks for more input. If the
// marker is still set once the buffer is exhausted, end of input is sent.
func (s *Synchronizer) SyncTo(ctx context.Context, f Feeder, buf Buffer, target int) (Result, error) {
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	end := buf.Len()
	target = clamp(target, 0, end)
	res := Result{Target: target}

	if _, err := f.SeekStart(ctx); err != nil {
		return res, err
	}
	if _, err := f.TellStart(ctx); err != nil {
		return res, err
	}
	cur, err := f.TellSource(ctx, buf.Slice(0, target))
	if err != nil {
		return res, err
	}
	metrics.SyncFeeds.WithLabelValues("prefix").Inc()
	res.Cursor, res.Fed = cur, target

	cur, err = f.TellMarker(ctx)
	if err != nil {
		return res, err
	}
	res.Cursor = cur

	for cur.Marker && res.Fed < end {
		next := min(res.Fed+chunk, end)
		cur, err = f.TellSource(ctx, buf.Slice(res.Fed, next))
		if err != nil {
			return res, err
		}
		metrics.SyncFeeds.WithLabelValues("chunk").Inc()
		res.Cursor, res.Fed = cur, next
		res.Chunks++
	}
	if cur.Marker {
		cur, err = f.TellEOF(ctx)
		if err != nil {
			return res, err
		}
		metrics.SyncFeeds.WithLabelValues("eof").Inc()
		res.Cursor = cur
		res.EOF = true
	}
	return res, nil
}

// Sync synchronizes the whole buffer.
func (s *Synchronizer) Sync(ctx context.Context, f Feeder, buf Buffer) (Result, error) {
	return s.SyncTo(ctx, f, buf, buf.Len())
}
