package updater

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheeseformice/backend/internal/mysqlpool"
)

func tribeStatsMeta() *mysqlpool.Meta {
	return &mysqlpool.Meta{
		Name:    "tribe_stats",
		Primary: "id",
		WriteColumns: []string{
			"id", "members", "active",
			"cheese_gathered", "score_stats", "score_overall",
		},
	}
}

func TestWriteTribeLogsWarm(t *testing.T) {
	u, internal, _ := newTestUpdater(t)
	internal.MatchExpectationsInOrder(true)

	tribe := &mysqlpool.Meta{Name: "tribe", Primary: "id", IsEmpty: false}
	stats := tribeStatsMeta()

	internal.ExpectExec("TRUNCATE `tribe_active`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	internal.ExpectExec("INSERT INTO `tribe_active` \\(`id`, `members`, `active`\\)").
		WillReturnResult(sqlmock.NewResult(0, 2))

	// Member stats summed per tribe, skipping disqualified players.
	internal.ExpectExec("REPLACE INTO `tribe_stats` .*SUM\\(`p`\\.`cheese_gathered`\\).*WHERE `d`\\.`id` IS NULL").
		WillReturnResult(sqlmock.NewResult(0, 2))

	internal.ExpectExec("UPDATE `tribe_stats` as `t` INNER JOIN `tribe_active`.*`score_stats`").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("UPDATE `tribe_stats` as `t` INNER JOIN `tribe_active`.*`score_overall`").
		WillReturnResult(sqlmock.NewResult(0, 2))

	internal.ExpectExec("INSERT INTO `tribe_stats_changelog`").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, u.writeTribeLogs(context.Background(), tribe, stats))

	// tribe_stats follows tribe's warm state so the period rollups
	// know there is history to diff.
	assert.False(t, stats.IsEmpty)
	assert.NoError(t, internal.ExpectationsWereMet())
}

func TestWriteTribeLogsColdSkipsActiveAndChangelog(t *testing.T) {
	u, internal, _ := newTestUpdater(t)
	internal.MatchExpectationsInOrder(true)

	tribe := &mysqlpool.Meta{Name: "tribe", Primary: "id", IsEmpty: true}
	stats := tribeStatsMeta()

	// No tribe_active refresh on a cold run: membership counts come
	// from joining player_new directly.
	internal.ExpectExec("REPLACE INTO `tribe_stats` .*COUNT\\(`m`\\.`id_member`\\).*LEFT JOIN `player_new`").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("UPDATE `tribe_stats` as `t` SET").
		WillReturnResult(sqlmock.NewResult(0, 2))
	internal.ExpectExec("UPDATE `tribe_stats` as `t` SET `t`\\.`score_overall`").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, u.writeTribeLogs(context.Background(), tribe, stats))
	assert.NoError(t, internal.ExpectationsWereMet())
}

func TestUpdateLogPointers(t *testing.T) {
	u, internal, _ := newTestUpdater(t)
	internal.MatchExpectationsInOrder(true)

	internal.ExpectExec("INSERT INTO `last_log` \\(`tribe`, `id`\\).*FROM `tribe_active`.*WHERE `ptr`\\.`id` IS NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("UPDATE `last_log` as `ptr`.*`tribe_stats_changelog`.*SET `day`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("UPDATE `last_log` as `ptr`.*SET `week`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("UPDATE `last_log` as `ptr`.*SET `month`").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, u.updateLogPointers(context.Background(), "tribe_stats"))
	assert.NoError(t, internal.ExpectationsWereMet())
}

func TestWritePeriodicRank(t *testing.T) {
	u, internal, _ := newTestUpdater(t)
	internal.MatchExpectationsInOrder(true)

	meta := playerMeta(false)

	internal.ExpectExec("TRUNCATE `player_weekly`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Deltas between the latest changelog row and the week pointer.
	internal.ExpectExec("INSERT INTO `player_weekly` .*`c`\\.`cheese_gathered` - `o`\\.`cheese_gathered`.*`ptr`\\.`week` = `o`\\.`log_id`").
		WillReturnResult(sqlmock.NewResult(0, 5))
	internal.ExpectExec("UPDATE `player_weekly` SET `score_stats`").
		WillReturnResult(sqlmock.NewResult(0, 5))
	internal.ExpectExec("UPDATE `player_weekly` SET `score_overall`").
		WillReturnResult(sqlmock.NewResult(0, 5))

	err := u.writePeriodicRank(context.Background(), meta, rankPeriod{
		name: "weekly", unit: "week", days: 7,
	})
	require.NoError(t, err)
	assert.NoError(t, internal.ExpectationsWereMet())
}

func TestWritePeriodicRankSkipsColdTables(t *testing.T) {
	u, internal, _ := newTestUpdater(t)

	// No history means nothing to diff; no SQL at all.
	err := u.writePeriodicRank(context.Background(), playerMeta(true), rankPeriods[0])
	require.NoError(t, err)
	assert.NoError(t, internal.ExpectationsWereMet())
}

func TestSyncDisqualifications(t *testing.T) {
	u, internal, external := newTestUpdater(t)
	internal.MatchExpectationsInOrder(true)

	internal.ExpectExec("UPDATE `disqualified` SET `tfm` = 0").
		WillReturnResult(sqlmock.NewResult(0, 3))

	external.ExpectQuery("SELECT `id` FROM `player` WHERE `stats_reliability` = 2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7).AddRow(8))

	internal.ExpectExec("INSERT INTO `disqualified` \\(`id`, `tfm`\\) VALUES \\(\\?, 1\\),\\(\\?, 1\\) ON DUPLICATE KEY UPDATE `tfm` = 1").
		WithArgs(7, 8).
		WillReturnResult(sqlmock.NewResult(0, 2))

	internal.ExpectExec("INSERT INTO `disqualified` \\(`id`, `cfm`\\).*WHERE `d`\\.`id` IS NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("UPDATE `disqualified` as `d` INNER JOIN `sanctions`.*SET `d`\\.`cfm` = 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("UPDATE `disqualified` as `d` LEFT JOIN `sanctions`.*SET `d`\\.`cfm` = 0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	internal.ExpectExec("DELETE FROM `disqualified` WHERE `cfm` = 0 AND `tfm` = 0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, u.syncDisqualifications(context.Background()))
	assert.NoError(t, internal.ExpectationsWereMet())
	assert.NoError(t, external.ExpectationsWereMet())
}
