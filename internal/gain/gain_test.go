package gain

import (
	"math"
	"reflect"
	"testing"

	"gainscan/models"
)

func bars(pairs ...[2]float64) []models.PriceBar {
	out := make([]models.PriceBar, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, models.PriceBar{Open: p[0], Close: p[1]})
	}
	return out
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCompute(t *testing.T) {
	g, ok := Compute(bars([2]float64{100, 140}, [2]float64{150, 190}, [2]float64{200, 300}))
	if !ok {
		t.Fatal("expected gains")
	}
	if !almost(g.Gain1D, 0.5) || !almost(g.Gain2D, 1.0) || !almost(g.Gain3D, 2.0) {
		t.Fatalf("unexpected gains %+v", g)
	}
}

func TestComputeShortWindow(t *testing.T) {
	if _, ok := Compute(bars([2]float64{1, 2}, [2]float64{2, 3})); ok {
		t.Fatal("expected no gains for two bars")
	}
	if _, ok := Compute(nil); ok {
		t.Fatal("expected no gains for empty input")
	}
}

func TestComputeZeroOpen(t *testing.T) {
	if _, ok := Compute(bars([2]float64{0, 1}, [2]float64{1, 1}, [2]float64{1, 1})); ok {
		t.Fatal("zero open must not produce gains")
	}
}

func TestCheckConditions(t *testing.T) {
	cases := []struct {
		name string
		g    models.GainSet
		min  float64
		want []models.Condition
	}{
		{"boundary inclusive", models.GainSet{Gain1D: 0.5, Gain2D: 1.0, Gain3D: 2.0}, 1.0, []models.Condition{models.ConditionB, models.ConditionC}},
		{"all met", models.GainSet{Gain1D: 1, Gain2D: 1, Gain3D: 1}, 1.0, []models.Condition{models.ConditionA, models.ConditionB, models.ConditionC}},
		{"none met", models.GainSet{Gain1D: 0.1, Gain2D: 0.2, Gain3D: 0.3}, 1.0, nil},
		{"losses", models.GainSet{Gain1D: -0.5, Gain2D: -0.2, Gain3D: 0.6}, 0.5, []models.Condition{models.ConditionC}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := CheckConditions(c.g, c.min); !reflect.DeepEqual(got, c.want) {
				t.Fatalf("expected %v, got %v", c.want, got)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	item, ok := Evaluate("XUSDT", bars([2]float64{100, 140}, [2]float64{150, 190}, [2]float64{200, 300}), 1.0)
	if !ok {
		t.Fatal("expected a result item")
	}
	if item.Symbol != "XUSDT" || len(item.Conditions) != 2 {
		t.Fatalf("unexpected item %+v", item)
	}
	if _, ok := Evaluate("YUSDT", bars([2]float64{100, 101}, [2]float64{100, 101}, [2]float64{100, 101}), 1.0); ok {
		t.Fatal("flat prices should be excluded")
	}
}
