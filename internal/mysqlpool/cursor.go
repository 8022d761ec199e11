package mysqlpool

import (
	"database/sql"
	"io"
)

// Row is one generic result row.
type Row []any

// BatchCursor drains a result set in fixed-size batches, the moral
// equivalent of a server-side cursor's fetchmany.
type BatchCursor struct {
	rows    *sql.Rows
	columns int
	size    int
	done    bool
}

// NewBatchCursor wraps rows. The caller keeps ownership of rows only
// through the cursor; Close releases it.
func NewBatchCursor(rows *sql.Rows, size int) (*BatchCursor, error) {
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &BatchCursor{rows: rows, columns: len(columns), size: size}, nil
}

// Next returns up to size rows. It returns io.EOF, with no rows, once
// the result set is exhausted.
func (c *BatchCursor) Next() ([]Row, error) {
	if c.done {
		return nil, io.EOF
	}

	batch := make([]Row, 0, c.size)
	for len(batch) < c.size && c.rows.Next() {
		row := make(Row, c.columns)
		targets := make([]any, c.columns)
		for i := range row {
			targets[i] = &row[i]
		}
		if err := c.rows.Scan(targets...); err != nil {
			c.Close()
			return nil, err
		}
		batch = append(batch, row)
	}

	if len(batch) < c.size {
		c.done = true
		if err := c.rows.Err(); err != nil {
			c.Close()
			return nil, err
		}
		c.Close()
		if len(batch) == 0 {
			return nil, io.EOF
		}
	}
	return batch, nil
}

// Close releases the underlying result set.
func (c *BatchCursor) Close() { _ = c.rows.Close() }
