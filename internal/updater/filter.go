package updater

import "context"

// deleteGate is the "too many rows to delete" threshold: when the
// destination holds this many ids the source no longer has, the run
// assumes the upstream database is being rebuilt and skips deletion.
const deleteGate = 100_000

// shouldDelete applies the mass-delete gate to a deletion set size.
func shouldDelete(rows int) bool { return rows < deleteGate }

type side int

const (
	sideInternal side = iota
	sideExternal
)

// hashFilter pairs destination hashes against source hashes. Each side
// stores unmatched entries in its own map; when the opposite side
// delivers the same id, diverging hashes emit a refetch record and the
// entry is dropped either way.
//
// The side whose map grows three times larger than the other is paused
// until the ratio drops below 1.5, keeping memory bounded when the two
// scans progress at different speeds. The resume threshold is lower
// than the pause threshold on purpose, so the flag does not oscillate.
type hashFilter struct {
	batchSize int

	internal map[int64]int64
	external map[int64]int64

	pausedInternal bool
	pausedExternal bool
}

func newHashFilter(batchSize int) *hashFilter {
	return &hashFilter{
		batchSize: batchSize,
		internal:  make(map[int64]int64),
		external:  make(map[int64]int64),
	}
}

// ingest merges one batch arriving from a side and returns the refetch
// records it produced. A refetch record always carries the external
// (new) hash, whichever side completed the pair.
func (f *hashFilter) ingest(from side, batch []hashPair) []hashPair {
	own, other := f.internal, f.external
	if from == sideExternal {
		own, other = f.external, f.internal
	}

	var refetch []hashPair
	for _, pair := range batch {
		otherCRC, seen := other[pair.ID]
		if !seen {
			own[pair.ID] = pair.CRC
			continue
		}
		if otherCRC != pair.CRC {
			newCRC := pair.CRC
			if from == sideInternal {
				newCRC = otherCRC
			}
			refetch = append(refetch, hashPair{ID: pair.ID, CRC: newCRC})
		}
		delete(other, pair.ID)
	}

	f.updatePressure()
	return refetch
}

func (f *hashFilter) updatePressure() {
	f.pausedInternal = pressure(len(f.internal), len(f.external), f.pausedInternal, f.batchSize)
	f.pausedExternal = pressure(len(f.external), len(f.internal), f.pausedExternal, f.batchSize)
}

// pressure decides whether a side stays paused. Pause at 3x the other
// side, resume below 1.5x; a side holding less than three batches
// worth of entries is never paused, whatever the ratio.
func pressure(mine, theirs int, paused bool, batchSize int) bool {
	if mine < batchSize*3 {
		return false
	}
	if paused {
		return mine*2 >= theirs*3
	}
	return mine >= theirs*3
}

// leftovers returns what remains after both inputs hit EOF: ids only
// the source knows (to re-fetch, with their new hash) and ids only the
// destination knows (to delete).
func (f *hashFilter) leftovers() (refetch []hashPair, deletions map[int64]int64) {
	refetch = make([]hashPair, 0, len(f.external))
	for id, crc := range f.external {
		refetch = append(refetch, hashPair{ID: id, CRC: crc})
	}
	return refetch, f.internal
}

// run wires the filter between its two input pipes and the refetch
// output pipe. It returns the deletion set once both inputs are
// drained. A paused side's pipe is simply not selected from, which
// back-pressures the producing stage through the bounded pipe.
func (f *hashFilter) run(ctx context.Context, internal, external, out pipe[hashPair]) (map[int64]int64, error) {
	var pending []hashPair
	intDone, extDone := false, false

	flushFull := func() error {
		for len(pending) >= f.batchSize {
			if err := out.putBatch(ctx, pending[:f.batchSize]); err != nil {
				return err
			}
			pending = pending[f.batchSize:]
		}
		return nil
	}

	for !intDone || !extDone {
		var intCh, extCh pipe[hashPair]
		if !intDone && (!f.pausedInternal || extDone) {
			intCh = internal
		}
		if !extDone && (!f.pausedExternal || intDone) {
			extCh = external
		}

		var m msg[hashPair]
		var from side
		select {
		case m = <-intCh:
			from = sideInternal
		case m = <-extCh:
			from = sideExternal
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if m.kind == msgEOF {
			if from == sideInternal {
				intDone = true
			} else {
				extDone = true
			}
			f.updatePressure()
			continue
		}

		pending = append(pending, f.ingest(from, m.batch)...)
		if err := flushFull(); err != nil {
			return nil, err
		}
	}

	refetch, deletions := f.leftovers()
	pending = append(pending, refetch...)
	if err := flushFull(); err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		if err := out.putShort(ctx, pending); err != nil {
			return nil, err
		}
	}
	if err := out.putEOF(ctx); err != nil {
		return nil, err
	}
	return deletions, nil
}
