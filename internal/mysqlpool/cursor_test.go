package mysqlpool

import (
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCursorDrainsInFixedBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	result := sqlmock.NewRows([]string{"id", "hashed"})
	for id := 1; id <= 5; id++ {
		result.AddRow(id, id*100)
	}
	mock.ExpectQuery("SELECT").WillReturnRows(result)

	rows, err := db.Query("SELECT `id`, `hashed` FROM `player_hashes_0`")
	require.NoError(t, err)

	cursor, err := NewBatchCursor(rows, 2)
	require.NoError(t, err)
	defer cursor.Close()

	batch, err := cursor.Next()
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(1), batch[0][0])
	assert.Equal(t, int64(100), batch[0][1])

	batch, err = cursor.Next()
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	// The short final batch still comes through, then EOF sticks.
	batch, err = cursor.Next()
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	_, err = cursor.Next()
	assert.Equal(t, io.EOF, err)
	_, err = cursor.Next()
	assert.Equal(t, io.EOF, err)
}

func TestBatchCursorEmptyResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "hashed"}))

	rows, err := db.Query("SELECT `id`, `hashed` FROM `tribe_hashes_0`")
	require.NoError(t, err)

	cursor, err := NewBatchCursor(rows, 10)
	require.NoError(t, err)

	_, err = cursor.Next()
	assert.Equal(t, io.EOF, err)
}
