package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/histo-embed/server/internal/data/coords"
	"github.com/histo-embed/server/internal/data/features"
	"github.com/histo-embed/server/internal/data/table"
	"github.com/histo-embed/server/internal/sampler"
)

var (
	// ErrDimensionMismatch is returned for a slide whose feature dimension
	// differs from the slides before it.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	// ErrCoordinateMismatch is returned when a slide's coordinate table does
	// not have one record per feature row.
	ErrCoordinateMismatch = errors.New("coordinate table does not match feature tensor")
	// ErrNoSlides is returned when no slide could be loaded.
	ErrNoSlides = errors.New("no slide could be loaded")
)

// FeatureLoader loads the feature tensor of a slide.
type FeatureLoader interface {
	Load(path string) (*features.Tensor, error)
}

// CoordinateLoader loads the coordinate table of a slide.
type CoordinateLoader interface {
	Get(path string) (*coords.Table, error)
}

// Options configures a Builder.
type Options struct {
	NumTilesPerWSI int
	Seed           int64
	Mode           sampler.Mode
	// Concurrency bounds parallel slide loads in PerSlide mode.
	Concurrency int
	// Strict aborts the build on the first slide error.
	Strict bool
	// ValidateCoordinates loads every coordinate table and checks its length.
	ValidateCoordinates bool
	// Progress, if set, is called after each slide.
	Progress func(done, total int)
	Logger   *slog.Logger
}

// SlideError attributes a load failure to one slide.
type SlideError struct {
	Index   int
	WSIPath string
	Err     error
}

func (e *SlideError) Error() string {
	return fmt.Sprintf("slide %d (%s): %v", e.Index, e.WSIPath, e.Err)
}

func (e *SlideError) Unwrap() error { return e.Err }

// SlideResult is the outcome of one slide.
type SlideResult struct {
	Index           int    `json:"index"`
	WSIPath         string `json:"wsi_path"`
	FeaturePath     string `json:"feature_path"`
	CoordinatesPath string `json:"coordinates_path"`
	Tiles           int    `json:"tiles"`
	Sampled         int    `json:"sampled"`
	Error           string `json:"error,omitempty"`
}

// Report summarises a build.
type Report struct {
	Mode     sampler.Mode
	Rows     int
	Dim      int
	Slides   []SlideResult
	Errors   []*SlideError
	Duration time.Duration
}

// Failed returns the number of slides that contributed nothing due to errors.
func (r *Report) Failed() int { return len(r.Errors) }

// Builder samples tiles from every slide of a manifest and aggregates them.
type Builder struct {
	features FeatureLoader
	coords   CoordinateLoader
	opts     Options
	logger   *slog.Logger
}

// NewBuilder creates a builder.
func NewBuilder(f FeatureLoader, c CoordinateLoader, opts Options) *Builder {
	if opts.NumTilesPerWSI <= 0 {
		opts.NumTilesPerWSI = 1
	}
	if opts.Mode == "" {
		opts.Mode = sampler.Stream
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{features: f, coords: c, opts: opts, logger: logger}
}

// Build loads and samples every slide of t. Failed slides are skipped and
// reported unless Strict is set.
func (b *Builder) Build(ctx context.Context, t *table.Table) (*Dataset, *Report, error) {
	start := time.Now()
	n := len(t.Slides)
	report := &Report{Mode: b.opts.Mode, Slides: make([]SlideResult, n)}
	parts := make([]*part, n)

	var err error
	if b.opts.Mode == sampler.PerSlide {
		err = b.buildParallel(ctx, t, parts, report)
	} else {
		err = b.buildStream(ctx, t, parts, report)
	}
	if err != nil {
		return nil, report, err
	}

	// Parallel loads cannot agree on a dimension up front, so reconcile in
	// input order: the first successful slide sets it.
	dim := 0
	for i, p := range parts {
		if p == nil {
			continue
		}
		if dim == 0 {
			dim = p.dim
			continue
		}
		if p.dim != dim {
			serr := &SlideError{Index: i, WSIPath: p.slide.WSIPath,
				Err: fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, p.dim, dim)}
			if b.opts.Strict {
				return nil, report, serr
			}
			b.fail(report, i, t.Slides[i], serr)
			parts[i] = nil
		}
	}
	sort.Slice(report.Errors, func(x, y int) bool {
		return report.Errors[x].Index < report.Errors[y].Index
	})

	if n > 0 && report.Failed() == n {
		return nil, report, fmt.Errorf("%w: all %d slides failed, first error: %v", ErrNoSlides, n, report.Errors[0])
	}

	ds := assemble(t.Schema, parts)
	report.Rows = ds.Len()
	report.Dim = ds.Dim()
	report.Duration = time.Since(start)
	b.logger.Info("dataset built",
		"slides", n,
		"failed", report.Failed(),
		"rows", report.Rows,
		"dim", report.Dim,
		"mode", string(report.Mode),
		"duration", report.Duration.String(),
	)
	return ds, report, nil
}

// buildStream processes slides in manifest order sharing one generator.
func (b *Builder) buildStream(ctx context.Context, t *table.Table, parts []*part, report *Report) error {
	src := sampler.NewSource(sampler.Stream, b.opts.Seed)
	dim := 0
	for i, s := range t.Slides {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := b.loadSlide(s, dim, src)
		if err != nil {
			serr := &SlideError{Index: i, WSIPath: s.WSIPath, Err: err}
			if b.opts.Strict {
				return serr
			}
			b.fail(report, i, s, serr)
		} else {
			parts[i] = p
			b.succeed(report, i, s, p)
			if dim == 0 {
				dim = p.dim
			}
		}
		b.progress(i+1, len(t.Slides))
	}
	return nil
}

// buildParallel loads slides concurrently with independent generators.
func (b *Builder) buildParallel(ctx context.Context, t *table.Table, parts []*part, report *Report) error {
	src := sampler.NewSource(sampler.PerSlide, b.opts.Seed)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)

	var mu sync.Mutex
	done := 0
	for i, s := range t.Slides {
		i, s := i, s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := b.loadSlide(s, 0, src)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				serr := &SlideError{Index: i, WSIPath: s.WSIPath, Err: err}
				if b.opts.Strict {
					return serr
				}
				b.fail(report, i, s, serr)
			} else {
				parts[i] = p
				b.succeed(report, i, s, p)
			}
			done++
			b.progress(done, len(t.Slides))
			return nil
		})
	}
	return g.Wait()
}

// loadSlide loads one slide and draws its sample. All validation happens
// before sampling so a failed slide consumes no draws from a shared stream.
func (b *Builder) loadSlide(s table.Slide, wantDim int, src *sampler.Source) (*part, error) {
	tensor, err := b.features.Load(s.FeaturePath)
	if err != nil {
		return nil, err
	}
	if wantDim > 0 && tensor.Dim != wantDim {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, tensor.Dim, wantDim)
	}
	if b.opts.ValidateCoordinates {
		tbl, err := b.coords.Get(s.CoordinatesPath)
		if err != nil {
			return nil, err
		}
		if tbl.Len() != tensor.N {
			return nil, fmt.Errorf("%w: %d features, %d coordinate records", ErrCoordinateMismatch, tensor.N, tbl.Len())
		}
	}

	indices := sampler.Sample(src.For(s.Key), tensor.N, b.opts.NumTilesPerWSI)
	rows := make([]float32, 0, len(indices)*tensor.Dim)
	for _, idx := range indices {
		rows = append(rows, tensor.Row(idx)...)
	}
	return &part{slide: s, indices: indices, tiles: tensor.N, dim: tensor.Dim, rows: rows}, nil
}

func (b *Builder) fail(report *Report, i int, s table.Slide, serr *SlideError) {
	report.Errors = append(report.Errors, serr)
	res := slideResult(i, s)
	res.Error = serr.Err.Error()
	report.Slides[i] = res
	b.logger.Warn("slide skipped", "index", serr.Index, "wsi_path", serr.WSIPath, "error", serr.Err)
}

func (b *Builder) succeed(report *Report, i int, s table.Slide, p *part) {
	res := slideResult(i, s)
	res.Tiles = p.tiles
	res.Sampled = len(p.indices)
	report.Slides[i] = res
}

func (b *Builder) progress(done, total int) {
	if b.opts.Progress != nil {
		b.opts.Progress(done, total)
	}
}

func slideResult(i int, s table.Slide) SlideResult {
	return SlideResult{
		Index:           i,
		WSIPath:         s.WSIPath,
		FeaturePath:     s.FeaturePath,
		CoordinatesPath: s.CoordinatesPath,
	}
}
