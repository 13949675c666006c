// Package pipeline runs independent work items on a bounded number of
// goroutines and summarises how long they took.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Result records the outcome of one work item
type Result struct {
	// Index is the position of the item in the input
	Index int

	// Duration is the wall time spent in the item's function
	Duration time.Duration

	// Err is the error returned by the item, or the context error when the
	// item never started
	Err error
}

// ProgressFunc is called after each item completes. Calls are serialised.
type ProgressFunc func(done, total int, res Result)

// ForEach calls fn for every index in [0, n) with at most workers calls in
// flight. A failing item does not stop the others; every error is returned
// joined, in index order. Items not yet started when ctx is cancelled are
// reported with the context error.
func ForEach(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error, progress ProgressFunc) ([]Result, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]Result, n)

	var (
		mu   sync.Mutex
		done int
	)
	finish := func(res Result) {
		mu.Lock()
		defer mu.Unlock()
		results[res.Index] = res
		done++
		if progress != nil {
			progress(done, n, res)
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for i := 0; i < n; i++ {
		i := i // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				finish(Result{Index: i, Err: err})
				return nil
			}

			start := time.Now()
			err := fn(ctx, i)
			finish(Result{Index: i, Duration: time.Since(start), Err: err})
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}

	return results, errors.Join(errs...)
}

// Summary holds timing statistics over a set of results
type Summary struct {
	Count     int
	Succeeded int
	Failed    int
	Total     time.Duration
	Mean      time.Duration
	StdDev    time.Duration
	Longest   time.Duration
}

// Summarize computes timing statistics over the items that ran.
func Summarize(results []Result) Summary {
	s := Summary{Count: len(results)}

	var seconds []float64
	for _, res := range results {
		if res.Err != nil {
			s.Failed++
		} else {
			s.Succeeded++
		}
		if res.Duration == 0 {
			continue
		}
		s.Total += res.Duration
		if res.Duration > s.Longest {
			s.Longest = res.Duration
		}
		seconds = append(seconds, res.Duration.Seconds())
	}

	switch len(seconds) {
	case 0:
	case 1:
		s.Mean = time.Duration(seconds[0] * float64(time.Second))
	default:
		mean, std := stat.MeanStdDev(seconds, nil)
		s.Mean = time.Duration(mean * float64(time.Second))
		s.StdDev = time.Duration(std * float64(time.Second))
	}

	return s
}

// Elapsed converts d to minutes and hours rounded to two decimals, the way
// elapsed times are reported in the stage logs.
func Elapsed(d time.Duration) (minutes, hours float64) {
	return round2(d.Minutes()), round2(d.Hours())
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
