// Package gain computes multi-day returns from daily bars.
package gain

import "gainscan/models"

// Compute derives the 1, 2 and 3 day gains from bars ordered oldest first.
// It uses the last three bars and reports false when fewer are supplied or an
// open price is not positive.
func Compute(bars []models.PriceBar) (models.GainSet, bool) {
	if len(bars) < models.GainWindowBars {
		return models.GainSet{}, false
	}
	w := bars[len(bars)-models.GainWindowBars:]
	dayBefore, yesterday, today := w[0], w[1], w[2]
	if dayBefore.Open <= 0 || yesterday.Open <= 0 || today.Open <= 0 {
		return models.GainSet{}, false
	}

	return models.GainSet{
		Gain1D: today.Close/today.Open - 1,
		Gain2D: today.Close/yesterday.Open - 1,
		Gain3D: today.Close/dayBefore.Open - 1,
	}, true
}

// CheckConditions returns the met conditions in A, B, C order. The threshold
// is inclusive.
func CheckConditions(g models.GainSet, minFraction float64) []models.Condition {
	var out []models.Condition
	if g.Gain1D >= minFraction {
		out = append(out, models.ConditionA)
	}
	if g.Gain2D >= minFraction {
		out = append(out, models.ConditionB)
	}
	if g.Gain3D >= minFraction {
		out = append(out, models.ConditionC)
	}
	return out
}

// Evaluate runs Compute and CheckConditions and builds the result item. The
// second return is false when the symbol should be left out of the results.
func Evaluate(symbol string, bars []models.PriceBar, minFraction float64) (models.ResultItem, bool) {
	g, ok := Compute(bars)
	if !ok {
		return models.ResultItem{}, false
	}
	conds := CheckConditions(g, minFraction)
	if len(conds) == 0 {
		return models.ResultItem{}, false
	}
	return models.ResultItem{
		Symbol:     symbol,
		Gain1D:     g.Gain1D,
		Gain2D:     g.Gain2D,
		Gain3D:     g.Gain3D,
		Conditions: conds,
	}, true
}
