package updater

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cheeseformice/backend/internal/mysqlpool"
)

// syncDisqualifications rebuilds the disqualified table. The tfm flag
// mirrors the source's reliability verdict; the cfm flag mirrors the
// website's moderation sanctions. Rows with neither flag set are
// dropped so the table only ever holds disqualified players.
func (u *Updater) syncDisqualifications(ctx context.Context) error {
	defer u.met.ObserveStage("disqualified", "rollup", time.Now())
	db := u.internal.DB

	u.log.Debug().Msg("Resetting tfm disqualifications")
	if _, err := db.ExecContext(ctx, "UPDATE `disqualified` SET `tfm` = 0"); err != nil {
		return err
	}

	// Reliability 2 is the source's "stats are cheated" verdict. The
	// source lives on another server, so flagged ids stream through
	// the process in batches.
	rows, err := u.external.DB.QueryContext(ctx,
		"SELECT `id` FROM `player` WHERE `stats_reliability` = 2")
	if err != nil {
		return err
	}
	cursor, err := mysqlpool.NewBatchCursor(rows, u.cfg.BatchSize)
	if err != nil {
		return err
	}
	defer cursor.Close()

	flagged := 0
	for {
		batch, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		flagged += len(batch)

		args := make([]any, len(batch))
		values := make([]string, len(batch))
		for i, row := range batch {
			args[i] = toInt64(row[0])
			values[i] = "(?, 1)"
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO `disqualified` (`id`, `tfm`) VALUES "+
				strings.Join(values, ",")+
				" ON DUPLICATE KEY UPDATE `tfm` = 1",
			args...); err != nil {
			return err
		}
	}
	u.log.Debug().Int("players", flagged).Msg("Marked tfm disqualifications")

	u.log.Debug().Msg("Syncing cfm disqualifications with sanctions")
	if _, err := db.ExecContext(ctx,
		"INSERT INTO `disqualified` (`id`, `cfm`)"+
			" SELECT `s`.`player`, 1 FROM `sanctions` as `s`"+
			" LEFT JOIN `disqualified` as `d` ON `d`.`id` = `s`.`player`"+
			" WHERE `d`.`id` IS NULL"); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		"UPDATE `disqualified` as `d`"+
			" INNER JOIN `sanctions` as `s` ON `s`.`player` = `d`.`id`"+
			" SET `d`.`cfm` = 1"); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		"UPDATE `disqualified` as `d`"+
			" LEFT JOIN `sanctions` as `s` ON `s`.`player` = `d`.`id`"+
			" SET `d`.`cfm` = 0"+
			" WHERE `s`.`player` IS NULL"); err != nil {
		return err
	}

	result, err := db.ExecContext(ctx,
		"DELETE FROM `disqualified` WHERE `cfm` = 0 AND `tfm` = 0")
	if err != nil {
		return err
	}
	if dropped, err := result.RowsAffected(); err == nil && dropped > 0 {
		u.log.Debug().Int64("rows", dropped).Msg("Dropped requalified players")
	}
	return nil
}
