package updater

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cheeseformice/backend/internal/mysqlpool"
)

// syncTable reconciles one table from source to destination and runs
// its per-table commit actions. The hash cache swap at the end is the
// commit point: a crash before it leaves the next run behaving as if
// this one never happened.
func (u *Updater) syncTable(ctx context.Context, name string) (*mysqlpool.Meta, error) {
	meta, err := mysqlpool.Inspect(ctx, u.internal.DB, u.cfg.DBName, name, true)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if meta.IsEmpty {
		u.log.Info().Str("table", name).Msg("Destination empty, full download")
		err = u.coldSync(ctx, meta)
	} else {
		u.log.Info().Str("table", name).Msg("Destination has data, replicating changes only")
		err = u.warmSync(ctx, meta)
	}
	if err != nil {
		return nil, err
	}

	if err := u.postTable(ctx, meta); err != nil {
		return nil, err
	}
	u.log.Info().Str("table", name).Dur("took", time.Since(start)).Msg("Table done")
	return meta, nil
}

// coldSync is the three-stage pipeline for an empty destination:
// fetch everything, write everything, hash everything.
func (u *Updater) coldSync(ctx context.Context, meta *mysqlpool.Meta) error {
	rows := newPipe[mysqlpool.Row](u.cfg.PipeSize)
	hashes := newPipe[hashPair](u.cfg.PipeSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.coldFetchLoop(gctx, meta, rows, hashes) })
	g.Go(func() error { return u.updateLoop(gctx, meta, rows) })
	g.Go(func() error { return u.hashLoop(gctx, meta, hashes) })
	return g.Wait()
}

// warmSync is the five-stage pipeline for a populated destination:
// stream old and new hashes into the filter, re-fetch only divergent
// rows into the staging table, then apply the deletions the filter
// left over.
func (u *Updater) warmSync(ctx context.Context, meta *mysqlpool.Meta) error {
	oldHashes := newPipe[hashPair](u.cfg.PipeSize)
	newHashes := newPipe[hashPair](u.cfg.PipeSize)
	refetch := newPipe[hashPair](u.cfg.PipeSize)
	rows := newPipe[mysqlpool.Row](u.cfg.PipeSize)
	hashes := newPipe[hashPair](u.cfg.PipeSize)

	filter := newHashFilter(u.cfg.BatchSize)
	var deletions map[int64]int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.loadLoop(gctx, meta, oldHashes) })
	g.Go(func() error { return u.grabLoop(gctx, meta, newHashes) })
	g.Go(func() error {
		defer u.met.ObserveStage(meta.Name, "filter", time.Now())
		var err error
		deletions, err = filter.run(gctx, oldHashes, newHashes, refetch)
		return err
	})
	g.Go(func() error { return u.warmFetchLoop(gctx, meta, refetch, rows, hashes) })
	g.Go(func() error { return u.updateLoop(gctx, meta, rows) })
	g.Go(func() error { return u.hashLoop(gctx, meta, hashes) })
	if err := g.Wait(); err != nil {
		return err
	}

	if !shouldDelete(len(deletions)) {
		// Mass disappearance means the upstream is most likely mid
		// rebuild; deleting would wipe the mirror for nothing.
		u.log.Warn().
			Str("table", meta.Name).
			Int("rows", len(deletions)).
			Msg("Too many rows to delete, skipping deletion")
		return nil
	}
	return u.deleteRows(ctx, meta, deletions)
}

// postTable commits the table: player score and name fixes, then for
// warm runs the hash cache merge, the changelog snapshot of the
// overwritten rows, and the staging swap.
func (u *Updater) postTable(ctx context.Context, meta *mysqlpool.Meta) error {
	defer u.met.ObserveStage(meta.Name, "commit", time.Now())
	db := u.internal.DB

	if meta.Name == "player" {
		u.log.Debug().Msg("Computing overall player scores")
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE `%s` SET `score_overall` = %s",
			meta.Target(), mysqlpool.OverallScores["alltime"])); err != nil {
			return fmt.Errorf("overall scores: %w", err)
		}

		// Names predating the #tag system miss their discriminator.
		u.log.Debug().Msg("Fixing legacy player names")
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE `%s` SET `name` = CONCAT(`name`, '#0000')"+
				" WHERE `name` NOT LIKE '%%#%%'",
			meta.Target())); err != nil {
			return fmt.Errorf("legacy names: %w", err)
		}
	}

	if meta.IsEmpty {
		return nil
	}

	u.log.Debug().Str("table", meta.Name).Msg("Merging hash caches")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"REPLACE INTO `%s` SELECT `w`.* FROM `%s` as `w`",
		meta.ReadHash, meta.WriteHash)); err != nil {
		return fmt.Errorf("merge hashes: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"TRUNCATE `%s`", meta.WriteHash)); err != nil {
		return fmt.Errorf("truncate write hashes: %w", err)
	}

	// Keep the old values of every overwritten row; the periodic
	// rankings diff against these snapshots.
	u.log.Debug().Str("table", meta.Name).Msg("Writing changelog")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO `%s_changelog` (%s)"+
			" SELECT `o`.* FROM `%s_new` as `n`"+
			" INNER JOIN `%s` as `o` ON `n`.`%s` = `o`.`%s`",
		meta.Name, mysqlpool.ColumnList(meta.WriteColumns),
		meta.Name, meta.Name, meta.Primary, meta.Primary)); err != nil {
		return fmt.Errorf("changelog: %w", err)
	}

	u.log.Debug().Str("table", meta.Name).Msg("Swapping staged rows in")
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"REPLACE INTO `%s` SELECT `n`.* FROM `%s_new` as `n`",
		meta.Name, meta.Name)); err != nil {
		return fmt.Errorf("staging swap: %w", err)
	}
	return nil
}
