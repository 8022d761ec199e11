package mysqlpool

import (
	"fmt"
	"strings"
)

// ScoreColumns are the composite scores computed in-flight while
// replicating, in the order their formulas should be applied.
var ScoreColumns = []string{
	"score_stats",
	"score_shaman",
	"score_survivor",
	"score_racing",
	"score_defilante",
}

// Formulas maps each composite score to the SQL expression computing
// it from the raw stat columns.
var Formulas = map[string]string{
	"score_stats": "(POWER(`cheese_gathered`, 2) + POWER(`first`, 2)" +
		" + POWER(`saved_mice`, 2)) / `round_played`",

	"score_shaman": "(`shaman_cheese` * 0.05 + `saved_mice` * 0.2" +
		" + `saved_mice_hard`*0.35 + `saved_mice_divine`*0.5)" +
		" / POWER(GREATEST(`round_played`, 1), 0.25)",

	"score_survivor": "(1.6 * `survivor_survivor_count` + 0.8 * `survivor_mouse_killed`)" +
		" / POWER(GREATEST(`survivor_shaman_count` * `survivor_round_played`, 1), 0.25)",

	"score_racing": "(2 * `racing_first` + `racing_podium`)" +
		" / POWER(GREATEST(`racing_round_played` * `racing_finished_map`, 1), 0.25)",

	"score_defilante": "`defilante_points` /" +
		" POWER(GREATEST(`defilante_round_played` * `defilante_finished_map`, 1), 0.25)",
}

const overallTemplate = "(IFNULL(`score_stats` / %v, 0) + " +
	"IFNULL(`score_shaman` / %v, 0) + " +
	"IFNULL(`score_survivor` / %v, 0) + " +
	"IFNULL(`score_racing` / %v, 0) + " +
	"IFNULL(`score_defilante` / %v, 0))"

func overallFormula(stats, shaman, survivor, racing, defilante float64) string {
	return fmt.Sprintf(overallTemplate, stats, shaman, survivor, racing, defilante)
}

// OverallScores maps a ranking period to the SQL expression for the
// weighted overall score. Daily, weekly and monthly share one
// calibration; alltime has its own.
var OverallScores = map[string]string{
	"alltime": overallFormula(2723.477, 24.956, 1.580, 0.861, 2.851),
	"daily":   overallFormula(3.1, 0.311, 0.056, 0.074, 0.333),
}

func init() {
	OverallScores["weekly"] = OverallScores["daily"]
	OverallScores["monthly"] = OverallScores["daily"]
}

// ScoreAssignments renders "col = formula" pairs for an UPDATE SET
// clause, optionally qualifying columns with a table alias.
func ScoreAssignments(alias string) string {
	parts := make([]string, 0, len(ScoreColumns))
	for _, column := range ScoreColumns {
		target := fmt.Sprintf("`%s`", column)
		if alias != "" {
			target = fmt.Sprintf("`%s`.%s", alias, target)
		}
		parts = append(parts, fmt.Sprintf("%s = %s", target, Formulas[column]))
	}
	return strings.Join(parts, ", ")
}
