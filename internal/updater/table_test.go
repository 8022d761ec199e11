package updater

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheeseformice/backend/internal/config"
	"github.com/cheeseformice/backend/internal/metrics"
	"github.com/cheeseformice/backend/internal/mysqlpool"
)

func newTestUpdater(t *testing.T) (*Updater, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	internalDB, internalMock, err := sqlmock.New()
	require.NoError(t, err)
	externalDB, externalMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		internalDB.Close()
		externalDB.Close()
	})

	// Pipeline stages hit both databases concurrently.
	internalMock.MatchExpectationsInOrder(false)
	externalMock.MatchExpectationsInOrder(false)

	cfg := config.Updater{PipeSize: 10, BatchSize: 100}
	u := New(cfg,
		&mysqlpool.Pool{DB: internalDB},
		&mysqlpool.Pool{DB: externalDB},
		metrics.New(), zerolog.Nop())
	return u, internalMock, externalMock
}

func playerMeta(empty bool) *mysqlpool.Meta {
	return &mysqlpool.Meta{
		Name:    "player",
		Primary: "id",

		ReadColumns: []string{"id", "name", "cheese_gathered"},
		WriteColumns: []string{
			"id", "name", "cheese_gathered", "score_stats", "score_overall",
		},
		CompositeSelect: ",0 as `score_stats`,1 as `score_overall`",

		IsEmpty:   empty,
		ReadHash:  "player_hashes_0",
		WriteHash: "player_hashes_1",
	}
}

func TestColdSyncDownloadsEverything(t *testing.T) {
	u, internal, external := newTestUpdater(t)
	meta := playerMeta(true)

	external.ExpectQuery("SELECT COUNT\\(\\*\\) FROM `player`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	external.ExpectQuery("SELECT CRC32\\(CONCAT_WS\\('', `id`,`name`,`cheese_gathered`\\)\\)").
		WillReturnRows(sqlmock.NewRows([]string{
			"crc", "id", "name", "cheese_gathered", "score_stats", "score_overall",
		}).
			AddRow(111, 10, "a#0001", 5, 0, 1).
			AddRow(222, 20, "b#0001", 6, 0, 1).
			AddRow(333, 30, "c#0001", 7, 0, 1))

	// Cold runs write straight into the table and the read cache.
	internal.ExpectExec("REPLACE INTO `player` \\(`id`,`name`,`cheese_gathered`,`score_stats`,`score_overall`\\) VALUES").
		WillReturnResult(sqlmock.NewResult(0, 3))
	internal.ExpectExec("INSERT INTO `player_hashes_0` \\(`id`, `hashed`\\) VALUES").
		WithArgs(10, 111, 20, 222, 30, 333).
		WillReturnResult(sqlmock.NewResult(0, 3))

	// Player commit actions.
	internal.ExpectExec("UPDATE `player` SET `score_overall`").
		WillReturnResult(sqlmock.NewResult(0, 3))
	internal.ExpectExec("UPDATE `player` SET `name` = CONCAT\\(`name`, '#0000'\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.coldSync(ctx, meta))
	require.NoError(t, u.postTable(ctx, meta))

	assert.NoError(t, internal.ExpectationsWereMet())
	assert.NoError(t, external.ExpectationsWereMet())
}

func TestWarmSyncRefetchesOnlyDivergentRows(t *testing.T) {
	u, internal, external := newTestUpdater(t)
	meta := playerMeta(false)

	// Destination knows rows 10, 20, 30.
	internal.ExpectQuery("SELECT `id`, `hashed` FROM `player_hashes_0`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "hashed"}).
			AddRow(10, 111).
			AddRow(20, 222).
			AddRow(30, 333))

	// Source changed row 20, dropped row 30, added row 40.
	external.ExpectQuery("SELECT COUNT\\(\\*\\) FROM `player`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	external.ExpectQuery("SELECT `id`, CRC32\\(CONCAT_WS\\('', `id`,`name`,`cheese_gathered`\\)\\) FROM `player`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "crc"}).
			AddRow(10, 111).
			AddRow(20, 999).
			AddRow(40, 444))

	// Exactly the two divergent rows come back.
	external.ExpectQuery("FROM `player` WHERE `id` IN").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "cheese_gathered", "score_stats", "score_overall",
		}).
			AddRow(20, "b#0001", 99, 0, 1).
			AddRow(40, "d#0001", 1, 0, 1))

	internal.ExpectExec("TRUNCATE `player_new`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	internal.ExpectExec("REPLACE INTO `player_new` \\(`id`,`name`,`cheese_gathered`,`score_stats`,`score_overall`\\) VALUES").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("INSERT INTO `player_hashes_1` \\(`id`, `hashed`\\) VALUES").
		WithArgs(20, 999, 40, 444).
		WillReturnResult(sqlmock.NewResult(0, 2))

	// Row 30 disappeared upstream: purge it and its cached hash.
	internal.ExpectExec("DELETE FROM `player` WHERE `id` IN \\(30\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("DELETE FROM `player_hashes_0` WHERE `id` IN \\(30\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.warmSync(ctx, meta))

	assert.NoError(t, internal.ExpectationsWereMet())
	assert.NoError(t, external.ExpectationsWereMet())
}

func TestWarmFetchPadsShortBatchWithReservedID(t *testing.T) {
	u, _, external := newTestUpdater(t)
	u.cfg.BatchSize = 4
	meta := playerMeta(false)

	// The query always carries exactly BatchSize placeholders; a short
	// final batch fills the tail with id 0.
	external.ExpectQuery("FROM `player` WHERE `id` IN \\(\\?,\\?,\\?,\\?\\)").
		WithArgs(20, 40, 0, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "cheese_gathered", "score_stats", "score_overall",
		}).
			AddRow(20, "b#0001", 99, 0, 1).
			AddRow(40, "d#0001", 1, 0, 1))

	refetch := newPipe[hashPair](4)
	rows := newPipe[mysqlpool.Row](4)
	hashes := newPipe[hashPair](4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, refetch.putShort(ctx, pairs(20, 999, 40, 444)))
	require.NoError(t, refetch.putEOF(ctx))

	require.NoError(t, u.warmFetchLoop(ctx, meta, refetch, rows, hashes))

	fetched, err := rows.get(ctx)
	require.NoError(t, err)
	assert.Len(t, fetched.batch, 2)

	hashed, err := hashes.get(ctx)
	require.NoError(t, err)
	assert.Equal(t, pairs(20, 999, 40, 444), hashed.batch)

	assert.NoError(t, external.ExpectationsWereMet())
}

func TestWarmCommitSwapsCachesAndWritesChangelog(t *testing.T) {
	u, internal, _ := newTestUpdater(t)
	meta := playerMeta(false)

	// Commit runs sequentially, order matters here.
	internal.MatchExpectationsInOrder(true)
	internal.ExpectExec("UPDATE `player_new` SET `score_overall`").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("UPDATE `player_new` SET `name` = CONCAT\\(`name`, '#0000'\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	internal.ExpectExec("REPLACE INTO `player_hashes_0` SELECT `w`\\.\\* FROM `player_hashes_1`").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("TRUNCATE `player_hashes_1`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	internal.ExpectExec("INSERT INTO `player_changelog`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("REPLACE INTO `player` SELECT `n`\\.\\* FROM `player_new`").
		WillReturnResult(sqlmock.NewResult(0, 2))

	ctx := context.Background()
	require.NoError(t, u.postTable(ctx, meta))
	assert.NoError(t, internal.ExpectationsWereMet())
}

func TestDeleteRowsBatchesIDs(t *testing.T) {
	u, internal, _ := newTestUpdater(t)
	u.cfg.BatchSize = 2
	meta := playerMeta(false)

	internal.ExpectExec("DELETE FROM `player` WHERE `id` IN").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("DELETE FROM `player_hashes_0` WHERE `id` IN").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("DELETE FROM `player` WHERE `id` IN").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("DELETE FROM `player_hashes_0` WHERE `id` IN").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := u.deleteRows(context.Background(), meta, map[int64]int64{
		1: 0, 2: 0, 3: 0,
	})
	require.NoError(t, err)
	assert.NoError(t, internal.ExpectationsWereMet())
}

type captureNotifier struct {
	channel string
	payload string
}

func (c *captureNotifier) Publish(channel, payload string) {
	c.channel = channel
	c.payload = payload
}

func TestAnnounceTargetsRankingService(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	capture := &captureNotifier{}
	u.notify = capture

	u.announce()

	assert.Equal(t, "service:ranking@0", capture.channel)
	assert.Contains(t, capture.payload, `"request_type":"new-update"`)
	assert.Contains(t, capture.payload, `"source":"updater"`)
}
