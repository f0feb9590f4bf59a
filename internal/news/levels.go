package news

import (
	"math"
	"sort"
)

// Levels 技术位：Supports 按离现价从近到远（降序），Resistances 同样
// 从近到远（升序），各最多 3 档。
type Levels struct {
	Supports    []float64 `json:"supports"`
	Resistances []float64 `json:"resistances"`
}

// ComputeLevels 从日线高低点推算支撑/阻力。没有日线或现价时返回空。
// 取不低于现价的 bar 高点作阻力、不高于现价的 bar 低点作支撑，
// 保留两位小数去重。
func ComputeLevels(candles []Candle, price float64) Levels {
	if len(candles) == 0 || price == 0 {
		return Levels{Supports: []float64{}, Resistances: []float64{}}
	}

	highs := make([]float64, 0, len(candles))
	lows := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.H >= price {
			highs = append(highs, c.H)
		}
		if c.L <= price {
			lows = append(lows, c.L)
		}
	}

	resistances := uniqueRounded(highs)
	sort.Float64s(resistances)
	if len(resistances) > 3 {
		resistances = resistances[:3]
	}

	supports := uniqueRounded(lows)
	sort.Sort(sort.Reverse(sort.Float64Slice(supports)))
	if len(supports) > 3 {
		supports = supports[:3]
	}

	return Levels{Supports: supports, Resistances: resistances}
}

func uniqueRounded(values []float64) []float64 {
	seen := make(map[float64]struct{}, len(values))
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		rounded := math.Round(v*100) / 100
		if _, dup := seen[rounded]; dup {
			continue
		}
		seen[rounded] = struct{}{}
		out = append(out, rounded)
	}
	return out
}
