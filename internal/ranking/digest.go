package ranking

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/pavelanni/adaptex/internal/model"
)

// digest summarises observations as an ordered list of entries covering
// disjoint [Min, Max] ranges. Every distinct value keeps an entry of its own
// until the list outgrows maxEntries, so tied estimates are counted exactly.
// Compression then merges neighbours while the merged weight stays within
// limit = 4·n·q(1−q)/compression, except that an exact value heavier than a
// tenth of the limit is never merged. A later observation inside a merged
// range joins that entry, which keeps the ranges disjoint.
type digest struct {
	compression float64
	maxEntries  int

	entries []model.Centroid
	count   int64
}

func newDigest(compression float64, maxEntries int) *digest {
	return &digest{compression: compression, maxEntries: maxEntries}
}

func (d *digest) add(x float64) {
	d.count++
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].Min > x }) - 1
	if i >= 0 && x <= d.entries[i].Max {
		c := &d.entries[i]
		c.Weight++
		c.Mean += (x - c.Mean) / c.Weight
		return
	}
	d.entries = slices.Insert(d.entries, i+1, model.Centroid{Mean: x, Weight: 1, Min: x, Max: x})
	if len(d.entries) > d.maxEntries {
		d.compress()
	}
}

const heavyShare = 0.1

// compress merges adjacent entries and returns how many were removed.
func (d *digest) compress() int {
	if len(d.entries) < 2 {
		return 0
	}
	total := float64(d.count)
	out := make([]model.Centroid, 0, len(d.entries)/2)
	cur := d.entries[0]
	done := 0.0
	for _, c := range d.entries[1:] {
		w := cur.Weight + c.Weight
		q := (done + w/2) / total
		limit := 4 * total * q * (1 - q) / d.compression
		heavy := func(c model.Centroid) bool { return c.Min == c.Max && c.Weight > heavyShare*limit }
		if w <= limit && !heavy(cur) && !heavy(c) {
			cur.Mean += (c.Mean - cur.Mean) * c.Weight / w
			cur.Weight = w
			cur.Max = c.Max
			continue
		}
		done += cur.Weight
		out = append(out, cur)
		cur = c
	}
	out = append(out, cur)
	removed := len(d.entries) - len(out)
	d.entries = out
	return removed
}

// atOrBelow estimates how many observations are <= x. Only a merged entry
// whose range straddles x is estimated, by interpolating across its range
// with one observation at each end.
func (d *digest) atOrBelow(x float64) float64 {
	var n float64
	for _, c := range d.entries {
		switch {
		case c.Max <= x:
			n += c.Weight
		case c.Min > x:
			return n
		default:
			est := c.Weight * (x - c.Min) / (c.Max - c.Min)
			n += math.Max(1, math.Min(c.Weight-1, est))
		}
	}
	return n
}

// percentile returns the share of the other observations at or below x on a
// 0–100 scale, with the minimum at 0 and the maximum at 100.
func (d *digest) percentile(x float64) float64 {
	if d.count == 0 {
		return 0
	}
	lo, hi := d.entries[0].Min, d.entries[len(d.entries)-1].Max
	switch {
	case d.count == 1:
		if x > hi {
			return 100
		}
		return 0
	case x < lo:
		return 0
	case x >= hi:
		return 100
	}
	p := (d.atOrBelow(x) - 1) / float64(d.count-1)
	return 100 * math.Max(0, math.Min(1, p))
}

func (d *digest) summary(category string) model.RankingSummary {
	s := model.RankingSummary{
		Category:    category,
		Count:       d.count,
		Compression: d.compression,
		Centroids:   slices.Clone(d.entries),
	}
	if len(d.entries) > 0 {
		s.Min, s.Max = d.entries[0].Min, d.entries[len(d.entries)-1].Max
	}
	return s
}

func digestFromSummary(s model.RankingSummary, maxEntries int) (*digest, error) {
	if s.Compression <= 0 {
		return nil, fmt.Errorf("category %q: compression must be positive", s.Category)
	}
	var mass float64
	for i, c := range s.Centroids {
		switch {
		case c.Weight <= 0:
			return nil, fmt.Errorf("category %q: entry %d has weight %v", s.Category, i, c.Weight)
		case c.Min > c.Max:
			return nil, fmt.Errorf("category %q: entry %d has min %v above max %v", s.Category, i, c.Min, c.Max)
		case c.Min < c.Max && c.Weight < 2:
			return nil, fmt.Errorf("category %q: entry %d spans a range with weight %v", s.Category, i, c.Weight)
		case i > 0 && c.Min <= s.Centroids[i-1].Max:
			return nil, fmt.Errorf("category %q: entries overlap at %d", s.Category, i)
		}
		mass += c.Weight
	}
	if math.Abs(mass-float64(s.Count)) > 0.5 {
		return nil, fmt.Errorf("category %q: entry mass %v does not match count %d", s.Category, mass, s.Count)
	}
	d := newDigest(s.Compression, maxEntries)
	d.entries = slices.Clone(s.Centroids)
	d.count = s.Count
	return d, nil
}
