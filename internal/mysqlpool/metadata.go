package mysqlpool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Meta is the per-run shape of one replicated table: its column split,
// in-flight score expressions and hash cache pair.
type Meta struct {
	Name    string
	Primary string

	// ReadColumns physically exist in the source; WriteColumns are
	// every destination column, including derived scores.
	ReadColumns  []string
	WriteColumns []string

	// CompositeSelect is appended verbatim to source SELECT lists; it
	// is empty or starts with a comma.
	CompositeSelect string

	IsEmpty bool

	ReadHash  string
	WriteHash string
}

// Inspect introspects the destination table from the information
// schema and prepares its hash caches. hashes is false for tables that
// are recomputed rather than replicated (tribe_stats).
func Inspect(ctx context.Context, db *sql.DB, schema, table string, hashes bool) (*Meta, error) {
	m := &Meta{Name: table, Primary: "id"}
	if table == "member" {
		// Historical naming in the upstream schema.
		m.Primary = "id_member"
	}

	rows, err := db.QueryContext(ctx,
		"SELECT `column_name` FROM `information_schema`.`columns`"+
			" WHERE `table_schema` = ? AND `table_name` = ?"+
			" ORDER BY `ordinal_position`",
		schema, table,
	)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	defer rows.Close()

	var composites []string
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, fmt.Errorf("introspect %s: %w", table, err)
		}

		if table == "player" && strings.HasPrefix(column, "score_") {
			if column == "score_overall" {
				// Recomputed across the whole table post-download.
				composites = append(composites, fmt.Sprintf(",1 as `%s`", column))
			} else {
				composites = append(composites, fmt.Sprintf(",%s as `%s`", Formulas[column], column))
			}
		} else {
			m.ReadColumns = append(m.ReadColumns, column)
		}
		m.WriteColumns = append(m.WriteColumns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	if len(m.WriteColumns) == 0 {
		return nil, fmt.Errorf("introspect %s: table has no columns", table)
	}
	m.CompositeSelect = strings.Join(composites, "")

	var count int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table)).Scan(&count); err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	m.IsEmpty = count == 0

	if hashes {
		m.ReadHash = fmt.Sprintf("%s_hashes_0", table)
		m.WriteHash = fmt.Sprintf("%s_hashes_1", table)

		if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE `%s`", m.WriteHash)); err != nil {
			return nil, fmt.Errorf("truncate %s: %w", m.WriteHash, err)
		}
	}
	return m, nil
}

// Target returns the table updates are written to: the table itself on
// a cold run, the staging table on a warm one.
func (m *Meta) Target() string {
	if m.IsEmpty {
		return m.Name
	}
	return m.Name + "_new"
}

// PrimaryIndex returns the position of the primary key within
// ReadColumns.
func (m *Meta) PrimaryIndex() int {
	for i, column := range m.ReadColumns {
		if column == m.Primary {
			return i
		}
	}
	return -1
}

// ColumnList renders `a`,`b`,`c` for interpolation into a query.
func ColumnList(columns []string) string {
	return "`" + strings.Join(columns, "`,`") + "`"
}

// Placeholders renders n comma-separated ? markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
