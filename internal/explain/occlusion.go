// Package explain attributes a classifier's top prediction to image regions.
//
// The explainer splits the image into a grid of segments, scores randomly
// perturbed copies (hidden segments painted black) in batches, and ranks each
// segment by how much the top label's probability drops when it is hidden.
// The most influential segments are outlined on the returned image.
package explain

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
	"sort"

	"breedscope.app/internal/core/imaging"
	"breedscope.app/internal/core/ports"
)

type Options struct {
	Grid        int // segments per side
	Samples     int // perturbed images to score, including the original
	BatchSize   int
	NumFeatures int // segments to outline
	Seed        uint64
}

func DefaultOptions() Options {
	return Options{Grid: 8, Samples: 1000, BatchSize: 10, NumFeatures: 5, Seed: 1}
}

type Occlusion struct {
	classifier ports.Classifier
	opts       Options
}

var _ ports.Explainer = (*Occlusion)(nil)

func NewOcclusion(classifier ports.Classifier, opts Options) *Occlusion {
	def := DefaultOptions()
	if opts.Grid <= 0 {
		opts.Grid = def.Grid
	}
	if opts.Samples <= 1 {
		opts.Samples = def.Samples
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.NumFeatures <= 0 {
		opts.NumFeatures = def.NumFeatures
	}
	return &Occlusion{classifier: classifier, opts: opts}
}

// Explain reports progress in [0,99] while sampling; the caller owns the final 100.
// When no segment raises the top label's score the resized image is returned
// without outlines.
func (o *Occlusion) Explain(ctx context.Context, img image.Image, report func(progress int)) (image.Image, error) {
	base := imaging.Resize(img)
	segs := o.opts.Grid * o.opts.Grid
	rng := rand.New(rand.NewPCG(o.opts.Seed, o.opts.Seed^0x9e3779b97f4a7c15))

	masks := make([][]bool, o.opts.Samples)
	masks[0] = fullMask(segs)
	for i := 1; i < len(masks); i++ {
		m := make([]bool, segs)
		for s := range m {
			m[s] = rng.IntN(2) == 1
		}
		masks[i] = m
	}

	scores := make([][]float64, 0, len(masks))
	for start := 0; start < len(masks); start += o.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+o.opts.BatchSize, len(masks))

		batch := make([]image.Image, 0, end-start)
		for _, m := range masks[start:end] {
			batch = append(batch, o.perturb(base, m))
		}
		out, err := o.classifier.PredictBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("score samples %d-%d: %w", start, end, err)
		}
		scores = append(scores, out...)

		if report != nil {
			report(min(99, end*100/len(masks)))
		}
	}

	top := argmax(scores[0])
	weights := attribute(masks, scores, top, segs)
	chosen := topSegments(weights, o.opts.NumFeatures)
	if len(chosen) == 0 {
		return base, nil
	}
	return o.outline(base, chosen), nil
}

func (o *Occlusion) segmentRect(seg int, bounds image.Rectangle) image.Rectangle {
	cw := bounds.Dx() / o.opts.Grid
	ch := bounds.Dy() / o.opts.Grid
	col, row := seg%o.opts.Grid, seg/o.opts.Grid
	r := image.Rect(col*cw, row*ch, (col+1)*cw, (row+1)*ch)
	if col == o.opts.Grid-1 {
		r.Max.X = bounds.Dx()
	}
	if row == o.opts.Grid-1 {
		r.Max.Y = bounds.Dy()
	}
	return r.Add(bounds.Min)
}

func (o *Occlusion) perturb(base *image.RGBA, mask []bool) *image.RGBA {
	out := image.NewRGBA(base.Bounds())
	copy(out.Pix, base.Pix)
	for seg, on := range mask {
		if on {
			continue
		}
		r := o.segmentRect(seg, base.Bounds())
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				i := out.PixOffset(x, y)
				out.Pix[i], out.Pix[i+1], out.Pix[i+2] = 0, 0, 0
			}
		}
	}
	return out
}

var boundary = color.RGBA{R: 255, G: 255, A: 255}

func (o *Occlusion) outline(base *image.RGBA, segs []int) *image.RGBA {
	out := image.NewRGBA(base.Bounds())
	copy(out.Pix, base.Pix)

	selected := make(map[int]bool, len(segs))
	for _, s := range segs {
		selected[s] = true
	}
	for _, s := range segs {
		r := o.segmentRect(s, base.Bounds())
		col, row := s%o.opts.Grid, s/o.opts.Grid
		// Only draw edges that border an unselected segment so adjacent picks merge.
		if row == 0 || !selected[s-o.opts.Grid] {
			hline(out, r.Min.X, r.Max.X, r.Min.Y)
		}
		if row == o.opts.Grid-1 || !selected[s+o.opts.Grid] {
			hline(out, r.Min.X, r.Max.X, r.Max.Y-1)
		}
		if col == 0 || !selected[s-1] {
			vline(out, r.Min.X, r.Min.Y, r.Max.Y)
		}
		if col == o.opts.Grid-1 || !selected[s+1] {
			vline(out, r.Max.X-1, r.Min.Y, r.Max.Y)
		}
	}
	return out
}

func hline(img *image.RGBA, x0, x1, y int) {
	for x := x0; x < x1; x++ {
		img.SetRGBA(x, y, boundary)
	}
}

func vline(img *image.RGBA, x, y0, y1 int) {
	for y := y0; y < y1; y++ {
		img.SetRGBA(x, y, boundary)
	}
}

func fullMask(n int) []bool {
	m := make([]bool, n)
	for i := range m {
		m[i] = true
	}
	return m
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// attribute returns, per segment, mean score of the label with the segment
// visible minus the mean with it hidden.
func attribute(masks [][]bool, scores [][]float64, label, segs int) []float64 {
	weights := make([]float64, segs)
	for s := 0; s < segs; s++ {
		var onSum, offSum float64
		var onN, offN int
		for i, m := range masks {
			if m[s] {
				onSum += scores[i][label]
				onN++
			} else {
				offSum += scores[i][label]
				offN++
			}
		}
		if onN == 0 || offN == 0 {
			continue
		}
		weights[s] = onSum/float64(onN) - offSum/float64(offN)
	}
	return weights
}

// topSegments picks up to n segments with positive weight, strongest first.
func topSegments(weights []float64, n int) []int {
	idx := make([]int, 0, len(weights))
	for i, w := range weights {
		if w > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return weights[idx[a]] > weights[idx[b]] })
	if len(idx) > n {
		idx = idx[:n]
	}
	return idx
}
