// Package updater mirrors the external statistics database into the
// internal one: hash-diff replication through bounded pipeline stages,
// then derived rollups (tribe aggregates, periodic rankings,
// changelogs, disqualification sync).
package updater

import "context"

// msgKind discriminates pipeline messages. A batch carries rows; a
// short-next marker warns that the following batch holds fewer items
// than the batch size; EOF closes the stream.
type msgKind int

const (
	msgBatch msgKind = iota
	msgShortNext
	msgEOF
)

type msg[T any] struct {
	kind  msgKind
	batch []T
}

// pipe is a bounded queue between two pipeline stages.
type pipe[T any] chan msg[T]

func newPipe[T any](size int) pipe[T] {
	return make(pipe[T], size)
}

func (p pipe[T]) put(ctx context.Context, m msg[T]) error {
	select {
	case p <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p pipe[T]) putBatch(ctx context.Context, batch []T) error {
	return p.put(ctx, msg[T]{kind: msgBatch, batch: batch})
}

// putShort warns the consumer and sends a batch holding fewer items
// than the batch size.
func (p pipe[T]) putShort(ctx context.Context, batch []T) error {
	if err := p.put(ctx, msg[T]{kind: msgShortNext}); err != nil {
		return err
	}
	return p.put(ctx, msg[T]{kind: msgBatch, batch: batch})
}

func (p pipe[T]) putEOF(ctx context.Context) error {
	return p.put(ctx, msg[T]{kind: msgEOF})
}

func (p pipe[T]) get(ctx context.Context) (msg[T], error) {
	select {
	case m := <-p:
		return m, nil
	case <-ctx.Done():
		return msg[T]{}, ctx.Err()
	}
}

// hashPair is one (row id, crc32 of concatenated columns) entry of a
// hash cache. Divergent hashes under the same id mean the row must be
// re-fetched.
type hashPair struct {
	ID  int64
	CRC int64
}
