// Package query implements the Signal Query Engine: the component that
// turns a tracked file's already-parsed Body into Point and Range
// answers, applying a decimation contract so a caller asking for a
// multi-million-transition signal over a wide window gets back a
// bounded number of representative samples instead of the firehose.
//
// Blocking work (ensuring a body is resident, walking a large native
// transition list) runs on a bounded worker pool built from
// errgroup.Group + SetLimit: cooperative dispatch over a bounded
// parallel section, where cancellation is only observed at the
// suspension points between cooperative and pool work, never used to
// abort a parse already in flight for another caller.
package query

import (
	"context"
	"fmt"
	"math/bits"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/novywave/waveengine/internal/cache"
	"github.com/novywave/waveengine/internal/fileentry"
	"github.com/novywave/waveengine/internal/registry"
	"github.com/novywave/waveengine/internal/timemodel"
	"github.com/novywave/waveengine/internal/waveerr"
	"github.com/novywave/waveengine/internal/wavetypes"
)

// Logger is the same minimal injected seam used across the engine.
type Logger interface {
	Log(level, message string)
}

type noopLogger struct{}

func (noopLogger) Log(string, string) {}

// Engine answers Point and Range queries against the Tracked Files
// Registry, pooling body residency through a BodyCache and caching
// decimated range results through a RangeCache.
type Engine struct {
	registry *registry.Registry
	bodies   *cache.BodyCache
	ranges   *cache.RangeCache[RangeResult]
	pool     *errgroup.Group
	logger   Logger
}

// New constructs an Engine. workers bounds how many queries may be
// inside the blocking (body-ensure, transition-walk) section of a query
// concurrently; it has no bearing on how many queries may be queued.
func New(reg *registry.Registry, bodies *cache.BodyCache, ranges *cache.RangeCache[RangeResult], workers int, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	g := &errgroup.Group{}
	if workers > 0 {
		g.SetLimit(workers)
	}
	e := &Engine{registry: reg, bodies: bodies, ranges: ranges, pool: g, logger: logger}
	reg.OnInvalidate(func(id wavetypes.FileID) {
		e.bodies.Forget(id)
		e.ranges.InvalidateFile(id)
	})
	return e
}

// runOnPool submits fn to the bounded pool and waits for either its
// result or ctx cancellation. A cancelled caller stops waiting but does
// not stop fn: another caller (or a future retry) may still observe its
// side effects (a body now resident, a range result now cached).
func (e *Engine) runOnPool(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	e.pool.Go(func() error {
		result <- fn()
		return nil
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return waveerr.New(waveerr.KindCancelled, "query cancelled while queued")
	}
}

func (e *Engine) resolve(fileID wavetypes.FileID) (*fileentry.Entry, error) {
	entry, ok := e.registry.Entry(fileID)
	if !ok {
		return nil, waveerr.New(waveerr.KindBodyUnavailable, fmt.Sprintf("file %s is not tracked", fileID))
	}
	return entry, nil
}

// ensureBody waits for entry to reach Ready and acquires a BodyCache
// reference, returning the body and a release func the caller must
// defer-call once done reading it.
func (e *Engine) ensureBody(ctx context.Context, entry *fileentry.Entry) (wavetypes.Body, func(), error) {
	body, err := entry.EnsureBody(ctx, registry.LoadBody(entry.FileID, entry.CanonicalPath, wavetypes.FormatUnknown))
	if err != nil {
		return nil, func() {}, err
	}
	release := e.bodies.Acquire(entry)
	return body, release, nil
}

// QueryPoint answers a Point query: the value each listed variable
// holds at a single instant, or Missing if At precedes the
// variable's first transition or the request names a time before the
// file starts.
func (e *Engine) QueryPoint(ctx context.Context, req PointRequest) (*PointResult, error) {
	entry, err := e.resolve(req.FileID)
	if err != nil {
		return nil, err
	}

	snap := entry.Snapshot()
	if snap.Header != nil {
		for _, v := range req.Variables {
			if _, ok := snap.Header.Hierarchy.Variable(v); !ok {
				return nil, waveerr.New(waveerr.KindUnknownVariable, fmt.Sprintf("variable %s not found in file %s", v, req.FileID))
			}
		}
	}

	var result *PointResult
	err = e.runOnPool(ctx, func() error {
		body, release, err := e.ensureBody(ctx, entry)
		if err != nil {
			return err
		}
		defer release()

		header := entry.Snapshot().Header
		tick, err := req.At.ToTicksFloor(header.Timescale)
		if err != nil {
			return waveerr.Wrap(waveerr.KindTimeOverflow, "converting point query instant to native ticks", err)
		}

		// An instant before the file's recorded start is Missing; an
		// instant past the file's end reports the value still in force
		// at the end (a cursor parked past the last change shows the
		// held value, not a gap).
		values := make([]PointValue, len(req.Variables))
		for i, v := range req.Variables {
			if tick < header.RawTimeBounds[0] {
				values[i] = PointValue{Variable: v, Missing: true}
				continue
			}
			bits, ok := body.ValueAt(v, tick)
			values[i] = PointValue{Variable: v, Bits: bits, Missing: !ok}
		}
		result = &PointResult{Values: values}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// QueryRange answers a Range query: every native transition of
// Variable within [TLo, THi] when that count is at most
// MaxTransitions, or a decimated last-transition-per-bucket sequence
// otherwise, together with the values in force at TLo and THi.
func (e *Engine) QueryRange(ctx context.Context, req RangeRequest) (*RangeResult, error) {
	entry, err := e.resolve(req.FileID)
	if err != nil {
		return nil, err
	}

	snap := entry.Snapshot()
	if snap.Header != nil {
		if _, ok := snap.Header.Hierarchy.Variable(req.Variable); !ok {
			return nil, waveerr.New(waveerr.KindUnknownVariable, fmt.Sprintf("variable %s not found in file %s", req.Variable, req.FileID))
		}
	}

	key, err := rangeKey(req)
	if err != nil {
		return nil, err
	}
	if cached, ok := e.ranges.Get(key); ok {
		return &cached, nil
	}

	var result RangeResult
	err = e.runOnPool(ctx, func() error {
		body, release, err := e.ensureBody(ctx, entry)
		if err != nil {
			return err
		}
		defer release()

		header := entry.Snapshot().Header
		ts := header.Timescale
		tLoTick, err := req.TLo.ToTicksFloor(ts)
		if err != nil {
			return waveerr.Wrap(waveerr.KindTimeOverflow, "converting range lo bound", err)
		}
		tHiTick, err := req.THi.ToTicksCeil(ts)
		if err != nil {
			return waveerr.Wrap(waveerr.KindTimeOverflow, "converting range hi bound", err)
		}
		if tHiTick < tLoTick {
			return waveerr.New(waveerr.KindInvalidRequest, "range query hi bound precedes lo bound")
		}

		r, err := e.computeRange(req.Variable, body, ts, tLoTick, tHiTick, req.MaxTransitions)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.ranges.Put(key, result)
	return &result, nil
}

// computeRange implements the decimation contract itself, isolated from
// query.go's body-acquisition plumbing so it can be unit tested against
// a bare tracebody.MemoryBody.
func (e *Engine) computeRange(variable wavetypes.VariableID, body wavetypes.Body, ts timemodel.Timescale, tLoTick, tHiTick uint64, maxTransitions uint32) (RangeResult, error) {
	left, leftOK := body.LastTransitionBefore(variable, tLoTick)
	right, rightOK := body.LastTransitionBefore(variable, tHiTick)

	count, err := body.TransitionCount(variable, tLoTick, tHiTick)
	if err != nil {
		return RangeResult{}, waveerr.Wrap(waveerr.KindInternal, "counting native transitions", err)
	}

	result := RangeResult{NativeCount: count}
	if leftOK {
		result.LeftValue, result.LeftValueOK = left.Value, true
	}
	if rightOK {
		result.RightValue, result.RightValueOK = right.Value, true
	}

	window, err := body.Transitions(variable, tLoTick, tHiTick)
	if err != nil {
		return RangeResult{}, waveerr.Wrap(waveerr.KindInternal, "reading native transitions", err)
	}

	if int(maxTransitions) <= 0 || count <= int(maxTransitions) {
		var out []RangeTransition
		if leftOK && (len(window) == 0 || window[0].Tick > tLoTick) {
			at, err := timemodel.FromTicks(left.Tick, ts)
			if err != nil {
				return RangeResult{}, waveerr.Wrap(waveerr.KindTimeOverflow, "converting left-edge tick", err)
			}
			out = append(out, RangeTransition{At: at, Bits: left.Value, Ghost: true})
		}
		for _, tr := range window {
			at, err := timemodel.FromTicks(tr.Tick, ts)
			if err != nil {
				return RangeResult{}, waveerr.Wrap(waveerr.KindTimeOverflow, "converting native tick", err)
			}
			out = append(out, RangeTransition{At: at, Bits: tr.Value})
		}
		result.Transitions = out
		result.Decimated = false
		return result, nil
	}

	buckets := decimate(window, tLoTick, tHiTick, maxTransitions)
	out := make([]RangeTransition, 0, len(buckets))
	for _, tr := range buckets {
		at, err := timemodel.FromTicks(tr.Tick, ts)
		if err != nil {
			return RangeResult{}, waveerr.Wrap(waveerr.KindTimeOverflow, "converting decimated tick", err)
		}
		out = append(out, RangeTransition{At: at, Bits: tr.Value})
	}
	result.Transitions = out
	result.Decimated = true
	return result, nil
}

// decimate partitions [tLoTick, tHiTick] into n equal-width tick
// buckets and keeps the last native transition observed in each
// non-empty bucket. native must already be sorted ascending by Tick
// (Transitions guarantees this).
func decimate(native []wavetypes.NativeTransition, tLoTick, tHiTick uint64, n uint32) []wavetypes.NativeTransition {
	if n == 0 || len(native) == 0 {
		return nil
	}
	span := tHiTick - tLoTick + 1
	width := span / uint64(n)
	if width == 0 {
		width = 1
	}

	representative := make(map[uint64]wavetypes.NativeTransition, n)
	order := make([]uint64, 0, n)
	for _, tr := range native {
		idx := (tr.Tick - tLoTick) / width
		if idx >= uint64(n) {
			idx = uint64(n) - 1
		}
		if _, seen := representative[idx]; !seen {
			order = append(order, idx)
		}
		representative[idx] = tr
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]wavetypes.NativeTransition, 0, len(order))
	for _, idx := range order {
		out = append(out, representative[idx])
	}
	return out
}

// rangeKey quantises a RangeRequest onto a deterministic grid, so two
// requests asking for the same effective window
// and bucket count share a cache entry even if their raw bounds differ
// by less than one bucket's width. The bucket width is rounded down to a
// power of two, so spans that differ only slightly snap onto one grid.
func rangeKey(req RangeRequest) (cache.RangeKey, error) {
	loFs, ok := req.TLo.Femtoseconds()
	if !ok {
		return cache.RangeKey{}, waveerr.New(waveerr.KindTimeOverflow, "range query lo bound exceeds cacheable range")
	}
	hiFs, ok := req.THi.Femtoseconds()
	if !ok {
		return cache.RangeKey{}, waveerr.New(waveerr.KindTimeOverflow, "range query hi bound exceeds cacheable range")
	}
	if hiFs < loFs || req.MaxTransitions == 0 {
		return cache.RangeKey{
			FileID: req.FileID, Variable: req.Variable,
			QuantisedLoFs: loFs, QuantisedHiFs: hiFs, MaxTransitions: req.MaxTransitions,
		}, nil
	}
	bucket := (hiFs - loFs + 1) / uint64(req.MaxTransitions)
	if bucket == 0 {
		bucket = 1
	}
	bucket = uint64(1) << (bits.Len64(bucket) - 1)
	qLo := (loFs / bucket) * bucket
	qHi := ((hiFs / bucket) + 1) * bucket
	return cache.RangeKey{
		FileID:         req.FileID,
		Variable:       req.Variable,
		QuantisedLoFs:  qLo,
		QuantisedHiFs:  qHi,
		MaxTransitions: req.MaxTransitions,
	}, nil
}
