package updater

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheeseformice/backend/internal/mysqlpool"
)

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		parsed, _ := strconv.ParseInt(string(n), 10, 64)
		return parsed
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

// valuesClause renders "(?,?),(?,?)" for a multi-row insert.
func valuesClause(rows, columns int) string {
	row := "(" + mysqlpool.Placeholders(columns) + ")"
	parts := make([]string, rows)
	for i := range parts {
		parts[i] = row
	}
	return strings.Join(parts, ",")
}

// progressMeter logs one line every progressStep percent of batches.
type progressMeter struct {
	log   zerolog.Logger
	table string
	every int
	total int
	count int
}

func (u *Updater) newProgressMeter(ctx context.Context, db *sql.DB, table string) (*progressMeter, error) {
	var rows int
	err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table)).Scan(&rows)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}

	total := (rows + u.cfg.BatchSize - 1) / u.cfg.BatchSize
	every := rows / (100 / progressStep) / u.cfg.BatchSize
	if every < 1 {
		every = 1
	}
	u.log.Info().Str("table", table).Int("rows", rows).Msg("Source scan starting")

	return &progressMeter{log: u.log, table: table, every: every, total: total}, nil
}

func (p *progressMeter) tick() {
	p.count++
	if p.count%p.every != 0 || p.total == 0 {
		return
	}
	p.log.Info().
		Str("table", p.table).
		Int("batches", p.count).
		Int("total", p.total).
		Int("percent", p.count*100/p.total).
		Msg("Batches processed")
}

// loadLoop scans the destination's read hash cache and feeds (id, old
// crc) pairs into the filter.
func (u *Updater) loadLoop(ctx context.Context, meta *mysqlpool.Meta, out pipe[hashPair]) error {
	defer u.met.ObserveStage(meta.Name, "load", time.Now())

	rows, err := u.internal.DB.QueryContext(ctx,
		fmt.Sprintf("SELECT `id`, `hashed` FROM `%s`", meta.ReadHash))
	if err != nil {
		return fmt.Errorf("load %s: %w", meta.ReadHash, err)
	}
	cursor, err := mysqlpool.NewBatchCursor(rows, u.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load %s: %w", meta.ReadHash, err)
	}
	defer cursor.Close()

	for {
		batch, err := cursor.Next()
		if err == io.EOF {
			return out.putEOF(ctx)
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", meta.ReadHash, err)
		}

		pairs := make([]hashPair, len(batch))
		for i, row := range batch {
			pairs[i] = hashPair{ID: toInt64(row[0]), CRC: toInt64(row[1])}
		}
		if err := out.putBatch(ctx, pairs); err != nil {
			return err
		}
	}
}

// grabLoop scans the source computing each row's current hash and
// feeds (id, new crc) pairs into the filter.
func (u *Updater) grabLoop(ctx context.Context, meta *mysqlpool.Meta, out pipe[hashPair]) error {
	defer u.met.ObserveStage(meta.Name, "grab", time.Now())

	meter, err := u.newProgressMeter(ctx, u.external.DB, meta.Name)
	if err != nil {
		return err
	}

	rows, err := u.external.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT `%s`, CRC32(CONCAT_WS('', %s)) FROM `%s`",
		meta.Primary,
		mysqlpool.ColumnList(meta.ReadColumns),
		meta.Name,
	))
	if err != nil {
		return fmt.Errorf("grab %s: %w", meta.Name, err)
	}
	cursor, err := mysqlpool.NewBatchCursor(rows, u.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("grab %s: %w", meta.Name, err)
	}
	defer cursor.Close()

	for {
		if err := u.pace(ctx); err != nil {
			return err
		}

		batch, err := cursor.Next()
		if err == io.EOF {
			return out.putEOF(ctx)
		}
		if err != nil {
			return fmt.Errorf("grab %s: %w", meta.Name, err)
		}
		meter.tick()

		pairs := make([]hashPair, len(batch))
		for i, row := range batch {
			pairs[i] = hashPair{ID: toInt64(row[0]), CRC: toInt64(row[1])}
		}
		if err := out.putBatch(ctx, pairs); err != nil {
			return err
		}
	}
}

// coldFetchLoop feeds the whole source into the update and hash
// stages: there is nothing to compare against, every row is new.
func (u *Updater) coldFetchLoop(ctx context.Context, meta *mysqlpool.Meta, rowsOut pipe[mysqlpool.Row], hashOut pipe[hashPair]) error {
	defer u.met.ObserveStage(meta.Name, "fetch", time.Now())

	meter, err := u.newProgressMeter(ctx, u.external.DB, meta.Name)
	if err != nil {
		return err
	}

	primaryIdx := meta.PrimaryIndex()
	if primaryIdx < 0 {
		return fmt.Errorf("fetch %s: primary key %s not in read columns", meta.Name, meta.Primary)
	}

	rows, err := u.external.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT CRC32(CONCAT_WS('', %s)), %s%s FROM `%s`",
		mysqlpool.ColumnList(meta.ReadColumns),
		mysqlpool.ColumnList(meta.ReadColumns),
		meta.CompositeSelect,
		meta.Name,
	))
	if err != nil {
		return fmt.Errorf("fetch %s: %w", meta.Name, err)
	}
	cursor, err := mysqlpool.NewBatchCursor(rows, u.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", meta.Name, err)
	}
	defer cursor.Close()

	for {
		batch, err := cursor.Next()
		if err == io.EOF {
			if err := hashOut.putEOF(ctx); err != nil {
				return err
			}
			return rowsOut.putEOF(ctx)
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", meta.Name, err)
		}
		meter.tick()
		u.met.RowsFetched.WithLabelValues(meta.Name).Add(float64(len(batch)))

		// The hash rides in front of the row; split them apart. The
		// primary key is offset by one because of it.
		hashes := make([]hashPair, len(batch))
		values := make([]mysqlpool.Row, len(batch))
		for i, row := range batch {
			hashes[i] = hashPair{ID: toInt64(row[primaryIdx+1]), CRC: toInt64(row[0])}
			values[i] = row[1:]
		}

		if err := hashOut.putBatch(ctx, hashes); err != nil {
			return err
		}
		if err := rowsOut.putBatch(ctx, values); err != nil {
			return err
		}
	}
}

// warmFetchLoop re-fetches only the rows the filter flagged. The query
// always carries exactly batchSize placeholders; a short final batch
// is padded with id 0, reserved for the nameless placeholder player.
func (u *Updater) warmFetchLoop(ctx context.Context, meta *mysqlpool.Meta, in pipe[hashPair], rowsOut pipe[mysqlpool.Row], hashOut pipe[hashPair]) error {
	defer u.met.ObserveStage(meta.Name, "fetch", time.Now())

	query := fmt.Sprintf(
		"SELECT %s%s FROM `%s` WHERE `%s` IN (%s)",
		mysqlpool.ColumnList(meta.ReadColumns),
		meta.CompositeSelect,
		meta.Name,
		meta.Primary,
		mysqlpool.Placeholders(u.cfg.BatchSize),
	)

	ids := make([]any, u.cfg.BatchSize)
	short := false
	for {
		m, err := in.get(ctx)
		if err != nil {
			return err
		}
		switch m.kind {
		case msgEOF:
			if err := hashOut.putEOF(ctx); err != nil {
				return err
			}
			return rowsOut.putEOF(ctx)
		case msgShortNext:
			short = true
			continue
		}

		for i, pair := range m.batch {
			ids[i] = pair.ID
		}
		if short {
			short = false
			for i := len(m.batch); i < u.cfg.BatchSize; i++ {
				ids[i] = int64(0)
			}
		}

		fetched, err := u.fetchByIDs(ctx, query, ids)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", meta.Name, err)
		}
		u.met.RowsFetched.WithLabelValues(meta.Name).Add(float64(len(fetched)))

		if err := hashOut.putBatch(ctx, m.batch); err != nil {
			return err
		}
		if err := rowsOut.putBatch(ctx, fetched); err != nil {
			return err
		}
	}
}

func (u *Updater) fetchByIDs(ctx context.Context, query string, ids []any) ([]mysqlpool.Row, error) {
	rows, err := u.external.DB.QueryContext(ctx, query, ids...)
	if err != nil {
		return nil, err
	}
	cursor, err := mysqlpool.NewBatchCursor(rows, u.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var fetched []mysqlpool.Row
	for {
		batch, err := cursor.Next()
		if err == io.EOF {
			return fetched, nil
		}
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, batch...)
	}
}

// updateLoop writes row batches into the run's target table: the table
// itself on a cold run, the staging table on a warm one. The staging
// table holds leftovers of the previous failed run, if any, and is
// truncated first.
func (u *Updater) updateLoop(ctx context.Context, meta *mysqlpool.Meta, in pipe[mysqlpool.Row]) error {
	defer u.met.ObserveStage(meta.Name, "update", time.Now())

	if !meta.IsEmpty {
		if _, err := u.internal.DB.ExecContext(ctx,
			fmt.Sprintf("TRUNCATE `%s`", meta.Target())); err != nil {
			return fmt.Errorf("truncate %s: %w", meta.Target(), err)
		}
	}

	prefix := fmt.Sprintf("REPLACE INTO `%s` (%s) VALUES ",
		meta.Target(), mysqlpool.ColumnList(meta.WriteColumns))

	for {
		m, err := in.get(ctx)
		if err != nil {
			return err
		}
		if m.kind == msgEOF {
			return nil
		}
		if len(m.batch) == 0 {
			continue
		}

		args := make([]any, 0, len(m.batch)*len(meta.WriteColumns))
		for _, row := range m.batch {
			args = append(args, row...)
		}
		query := prefix + valuesClause(len(m.batch), len(meta.WriteColumns))
		if _, err := u.internal.DB.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update %s: %w", meta.Target(), err)
		}
		u.met.RowsWritten.WithLabelValues(meta.Name).Add(float64(len(m.batch)))
	}
}

// hashLoop persists the hashes of every written row: straight into the
// read cache on a cold run, into the write cache on a warm one (merged
// into the read cache at commit time).
func (u *Updater) hashLoop(ctx context.Context, meta *mysqlpool.Meta, in pipe[hashPair]) error {
	defer u.met.ObserveStage(meta.Name, "hash", time.Now())

	target := meta.ReadHash
	if !meta.IsEmpty {
		target = meta.WriteHash
	}
	prefix := fmt.Sprintf("INSERT INTO `%s` (`id`, `hashed`) VALUES ", target)

	for {
		m, err := in.get(ctx)
		if err != nil {
			return err
		}
		if m.kind == msgEOF {
			return nil
		}
		if len(m.batch) == 0 {
			continue
		}

		args := make([]any, 0, len(m.batch)*2)
		for _, pair := range m.batch {
			args = append(args, pair.ID, pair.CRC)
		}
		query := prefix + valuesClause(len(m.batch), 2)
		if _, err := u.internal.DB.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("hash %s: %w", target, err)
		}
	}
}

// deleteRows removes destination rows the source no longer has, both
// from the table and from its hash cache, in id batches.
func (u *Updater) deleteRows(ctx context.Context, meta *mysqlpool.Meta, deletions map[int64]int64) error {
	if len(deletions) == 0 {
		return nil
	}

	ids := make([]string, 0, len(deletions))
	for id := range deletions {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	u.log.Info().Str("table", meta.Name).Int("rows", len(ids)).Msg("Deleting dropped rows")
	for start := 0; start < len(ids); start += u.cfg.BatchSize {
		end := start + u.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		list := strings.Join(ids[start:end], ",")

		if _, err := u.internal.DB.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM `%s` WHERE `%s` IN (%s)", meta.Name, meta.Primary, list)); err != nil {
			return fmt.Errorf("delete from %s: %w", meta.Name, err)
		}
		if _, err := u.internal.DB.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM `%s` WHERE `id` IN (%s)", meta.ReadHash, list)); err != nil {
			return fmt.Errorf("delete from %s: %w", meta.ReadHash, err)
		}
		u.met.RowsDeleted.WithLabelValues(meta.Name).Add(float64(end - start))
	}
	return nil
}
