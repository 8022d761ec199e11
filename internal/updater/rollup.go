package updater

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cheeseformice/backend/internal/mysqlpool"
)

// statColumns are the tracked stats the periodic rankings diff between
// changelog snapshots.
var statColumns = []string{
	"shaman_cheese",
	"saved_mice",
	"saved_mice_hard",
	"saved_mice_divine",

	"round_played",
	"cheese_gathered",
	"first",
	"bootcamp",

	"survivor_round_played",
	"survivor_mouse_killed",
	"survivor_shaman_count",
	"survivor_survivor_count",

	"racing_round_played",
	"racing_finished_map",
	"racing_first",
	"racing_podium",

	"defilante_round_played",
	"defilante_finished_map",
	"defilante_points",
}

type rankPeriod struct {
	name string // daily, weekly, monthly
	unit string // last_log pointer column
	days int
}

var rankPeriods = []rankPeriod{
	{name: "daily", unit: "day", days: 1},
	{name: "weekly", unit: "week", days: 7},
	{name: "monthly", unit: "month", days: 30},
}

// postUpdate runs the derived rollups once every replicated table is
// committed: tribe aggregates, period pointers, the six periodic
// ranking snapshots and the disqualification sync.
func (u *Updater) postUpdate(ctx context.Context, player, tribe *mysqlpool.Meta) error {
	tribeStats, err := mysqlpool.Inspect(ctx, u.internal.DB, u.cfg.DBName, "tribe_stats", false)
	if err != nil {
		return err
	}

	if err := u.writeTribeLogs(ctx, tribe, tribeStats); err != nil {
		return fmt.Errorf("tribe rollup: %w", err)
	}

	for _, table := range []string{"player", "tribe_stats"} {
		if err := u.updateLogPointers(ctx, table); err != nil {
			return fmt.Errorf("log pointers %s: %w", table, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, meta := range []*mysqlpool.Meta{player, tribeStats} {
		meta := meta
		for _, period := range rankPeriods {
			period := period
			g.Go(func() error { return u.writePeriodicRank(gctx, meta, period) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := u.syncDisqualifications(ctx); err != nil {
		return fmt.Errorf("disqualification sync: %w", err)
	}
	return nil
}

// writeTribeLogs recomputes tribe_active and tribe_stats. A tribe's
// stats are the sums of its non-disqualified members' stats; composite
// and overall scores are recomputed on top.
func (u *Updater) writeTribeLogs(ctx context.Context, tribe, stats *mysqlpool.Meta) error {
	defer u.met.ObserveStage("tribe_stats", "rollup", time.Now())
	db := u.internal.DB

	if !tribe.IsEmpty {
		// tribe_stats inherits the warm/cold state of tribe: with
		// history present we can write changelogs below.
		stats.IsEmpty = false

		u.log.Debug().Msg("Computing active tribes")
		if _, err := db.ExecContext(ctx, "TRUNCATE `tribe_active`"); err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO `tribe_active` (`id`, `members`, `active`)"+
				" SELECT `t`.`id`,"+
				" COUNT(`m`.`id_member`) as `members`,"+
				" COUNT(`p`.`id`) as `active`"+
				" FROM `tribe` as `t`"+
				" INNER JOIN `member` as `m` ON `t`.`id` = `m`.`id_tribe`"+
				" LEFT JOIN `player_new` as `p` ON `m`.`id_member` = `p`.`id`"+
				" GROUP BY `t`.`id`"+
				" HAVING `active` > 0"); err != nil {
			return err
		}
	}

	u.log.Debug().Msg("Computing tribe stats")

	statsColumns := []string{"id", "members", "active"}
	var selects []string
	var joinNew string
	if tribe.IsEmpty {
		selects = []string{
			"COUNT(`m`.`id_member`) as `members`",
			"COUNT(`p_n`.`id`) as `active`",
		}
		joinNew = " LEFT JOIN `player_new` as `p_n` ON `p_n`.`id` = `p`.`id`"
	} else {
		selects = []string{"`t`.`members`", "`t`.`active`"}
	}

	for _, column := range stats.WriteColumns {
		switch column {
		case "id", "members", "active":
			continue
		}
		selects = append(selects, fmt.Sprintf("SUM(`p`.`%s`) as `%s`", column, column))
		statsColumns = append(statsColumns, column)
	}

	source := "`tribe` as `t`"
	if !tribe.IsEmpty {
		source = "`tribe_active` as `t`"
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"REPLACE INTO `tribe_stats` (%s)"+
			" SELECT `t`.`id`, %s"+
			" FROM %s"+
			" INNER JOIN `member` as `m` ON `t`.`id` = `m`.`id_tribe`"+
			" INNER JOIN `player` as `p` ON `p`.`id` = `m`.`id_member`"+
			" LEFT JOIN `disqualified` as `d` ON `d`.`id` = `p`.`id`"+
			"%s"+
			" WHERE `d`.`id` IS NULL"+
			" GROUP BY `t`.`id`",
		mysqlpool.ColumnList(statsColumns),
		strings.Join(selects, ", "),
		source,
		joinNew)); err != nil {
		return err
	}

	u.log.Debug().Msg("Computing tribe scores")
	activeJoin := ""
	if !tribe.IsEmpty {
		activeJoin = " INNER JOIN `tribe_active` as `a` ON `a`.`id` = `t`.`id`"
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE `tribe_stats` as `t`%s SET %s",
		activeJoin, mysqlpool.ScoreAssignments("t"))); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE `tribe_stats` as `t`%s SET `t`.`score_overall` = %s",
		activeJoin, mysqlpool.OverallScores["alltime"])); err != nil {
		return err
	}

	if tribe.IsEmpty {
		return nil
	}

	u.log.Debug().Msg("Writing tribe stats changelog")
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO `tribe_stats_changelog` (%s)"+
			" SELECT `o`.* FROM `tribe_active` as `n`"+
			" INNER JOIN `tribe_stats` as `o` ON `n`.`id` = `o`.`id`",
		mysqlpool.ColumnList(stats.WriteColumns)))
	return err
}

// updateLogPointers keeps last_log mapping each entity to the oldest
// changelog entry inside each ranking window: new entities get a bare
// pointer row, then each period column is pointed at the changelog row
// written that many days ago. Windows are midnight truncated by the
// DATE string comparison.
func (u *Updater) updateLogPointers(ctx context.Context, table string) error {
	db := u.internal.DB

	tribeFlag := 0
	newSource := "player_new"
	if table == "tribe_stats" {
		tribeFlag = 1
		newSource = "tribe_active"
	}

	u.log.Debug().Str("table", table).Msg("Inserting new log pointers")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO `last_log` (`tribe`, `id`)"+
			" SELECT %d as `tribe`, `new`.`id`"+
			" FROM `%s` as `new`"+
			" LEFT JOIN `last_log` as `ptr`"+
			" ON `ptr`.`tribe` = %d AND `ptr`.`id` = `new`.`id`"+
			" WHERE `ptr`.`id` IS NULL",
		tribeFlag, newSource, tribeFlag)); err != nil {
		return err
	}

	for _, period := range rankPeriods {
		start := time.Now().AddDate(0, 0, -period.days).Format("2006-01-02")
		end := time.Now().AddDate(0, 0, -(period.days - 1)).Format("2006-01-02")

		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE `last_log` as `ptr`"+
				" INNER JOIN `%s_changelog` as `log`"+
				" ON `log`.`id` = `ptr`.`id`"+
				" AND `log`.`log_date` >= '%s'"+
				" AND `log`.`log_date` < '%s'"+
				" SET `%s` = `log`.`log_id`"+
				" WHERE `ptr`.`tribe` = %d",
			table, start, end, period.unit, tribeFlag)); err != nil {
			return err
		}
	}
	return nil
}

// writePeriodicRank rebuilds one ranking snapshot: the delta of every
// tracked stat between the latest changelog row and the pointer-log
// row for the period, rescored with the period weighting.
func (u *Updater) writePeriodicRank(ctx context.Context, meta *mysqlpool.Meta, period rankPeriod) error {
	if meta.IsEmpty {
		// No history to diff against yet.
		return nil
	}

	entity := "player"
	tribeFlag := 0
	if meta.Name == "tribe_stats" {
		entity = "tribe"
		tribeFlag = 1
	}
	target := fmt.Sprintf("%s_%s", entity, period.name)
	defer u.met.ObserveStage(target, "rank", time.Now())

	changelog := meta.Name + "_changelog"
	start := time.Now().AddDate(0, 0, -(period.days - 1)).Format("2006-01-02")

	deltas := make([]string, len(statColumns))
	for i, column := range statColumns {
		deltas[i] = fmt.Sprintf("`c`.`%s` - `o`.`%s`", column, column)
	}

	db := u.internal.DB
	if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE `%s`", target)); err != nil {
		return err
	}

	u.log.Debug().Str("target", target).Msg("Computing period deltas")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO `%s` (`id`, %s)"+
			" SELECT `n`.`id`, %s"+
			" FROM ("+
			"SELECT MAX(`log_id`) as `log_id`, `id`"+
			" FROM `%s`"+
			" WHERE `log_date` >= '%s'"+
			" GROUP BY `id`"+
			") as `n`"+
			" INNER JOIN `last_log` as `ptr`"+
			" ON `ptr`.`tribe` = %d AND `ptr`.`id` = `n`.`id`"+
			" INNER JOIN `%s` as `o`"+
			" ON `o`.`id` = `n`.`id` AND `ptr`.`%s` = `o`.`log_id`"+
			" INNER JOIN `%s` as `c`"+
			" ON `c`.`id` = `n`.`id` AND `c`.`log_id` = `n`.`log_id`",
		target, mysqlpool.ColumnList(statColumns),
		strings.Join(deltas, ","),
		changelog, start,
		tribeFlag,
		changelog, period.unit,
		changelog)); err != nil {
		return err
	}

	u.log.Debug().Str("target", target).Msg("Computing period scores")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE `%s` SET %s", target, mysqlpool.ScoreAssignments(""))); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE `%s` SET `score_overall` = %s",
		target, mysqlpool.OverallScores[period.name]))
	return err
}
