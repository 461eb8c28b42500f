package search

import (
	"math"
	"sort"
)

// GR is the golden ratio.
var GR = (math.Sqrt(5) + 1) / 2

// StartPoints builds the initial bracket a <= c <= d <= b inside
// [pmin, pmax] with c or d equal to p0. When p0 sits on a bound the whole
// range is used.
func StartPoints(p0, pmin, pmax float64) (a, b, c, d float64) {
	switch {
	case p0 == pmin || p0 == pmax:
		a, b = pmin, pmax
		c = b - (b-a)/GR
		d = a + (b-a)/GR
	case pmax-p0 < p0-pmin:
		d = p0
		if (p0-pmin)/GR > pmax-p0 {
			b = pmax
			c = b - (b-d)*GR
			a = b - (b-c)*GR
		} else {
			a = pmin
			b = a + (d-a)*GR
			c = a + (d-a)/GR
		}
	default:
		c = p0
		if (pmax-p0)/GR > p0-pmin {
			a = pmin
			d = a + (c-a)*GR
			b = a + (d-a)*GR
		} else {
			b = pmax
			a = b - (b-c)*GR
			d = b - (b-c)/GR
		}
	}
	return a, b, c, d
}

// Round moves each point to its nearest unused integer, visiting points in
// order of how close they already are to an integer, then restores the
// ordering a <= c <= d <= b.
func Round(a, b, c, d float64) (float64, float64, float64, float64) {
	pts := []float64{a, b, c, d}
	order := []int{0, 1, 2, 3}
	sort.SliceStable(order, func(i, j int) bool {
		return math.Abs(math.Round(pts[order[i]])-pts[order[i]]) < math.Abs(math.Round(pts[order[j]])-pts[order[j]])
	})
	used := map[float64]bool{}
	for _, i := range order {
		pt := pts[i]
		lo := math.Trunc(pt - 3)
		neighbours := make([]float64, 0, 6)
		for n := lo; n < math.Trunc(pt+3); n++ {
			neighbours = append(neighbours, n)
		}
		sort.SliceStable(neighbours, func(x, y int) bool {
			return math.Abs(neighbours[x]-pt) < math.Abs(neighbours[y]-pt)
		})
		pts[i] = math.NaN()
		for _, n := range neighbours {
			if !used[n] {
				pts[i] = n
				used[n] = true
				break
			}
		}
	}
	sort.Float64s(pts)
	return pts[0], pts[3], pts[1], pts[2]
}
