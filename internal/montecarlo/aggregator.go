// Package montecarlo fans a compiled plan out across seeds and reduces the
// per-iteration results into distributional statistics. Iterations are
// embarrassingly parallel; the only shared state is the read-only plan and
// the reducer. Determinism across worker counts holds because workers write
// results into a slice indexed by iteration and the reduction itself runs
// sequentially in iteration order after all workers finish.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/areumfire/horizon/internal/engine"
)

// Config drives one Monte Carlo batch.
type Config struct {
	Iterations        int       `json:"iterations"`
	BaseSeed          int64     `json:"baseSeed"`
	RetainPercentiles []float64 `json:"retainPercentiles"`
	MeanSeries        bool      `json:"meanSeries"`
	Workers           int       // 0 = GOMAXPROCS
	FailureThreshold  float64   // fraction of failed iterations tolerated, default 0.05
	WallBudget        time.Duration
	Progress          func(iteration int) // at most once per iteration, from the completing worker
}

// DefaultFailureThreshold bounds the tolerated per-iteration failure rate.
const DefaultFailureThreshold = 0.05

// Failure records one failed iteration, excluded from statistics.
type Failure struct {
	Iteration int    `json:"iteration"`
	Seed      int64  `json:"seed"`
	Cause     string `json:"cause"`
}

// Summary is the reduced output of a batch.
type Summary struct {
	RunID       string  `json:"runId"`
	Iterations  int     `json:"iterations"`
	Completed   int     `json:"completed"`
	SuccessRate float64 `json:"successRate"`
	MeanFinal   float64 `json:"meanFinalNetWorth"`
	StddevFinal float64 `json:"stddevFinalNetWorth"`
	MinFinal    float64 `json:"minFinalNetWorth"`
	MaxFinal    float64 `json:"maxFinalNetWorth"`

	PercentileTable map[float64]float64                  `json:"percentileTable"`
	Retained        map[float64]*engine.SimulationResult `json:"-"`
	MeanSeries      []float64                            `json:"meanSnapshotSeries,omitempty"`
	Failures        []Failure                            `json:"failures,omitempty"`
	Elapsed         time.Duration                        `json:"elapsedNs"`
}

type iterResult struct {
	finalNW    float64
	success    bool
	err        error
	snapshotNW []float64
	done       bool
}

// Run executes the batch. The context cancels between iterations, never
// mid-iteration; a wall budget behaves the same way. A failure rate above
// the threshold fails the whole batch.
func Run(ctx context.Context, plan *engine.Plan, cfg Config) (*Summary, error) {
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("montecarlo: iterations must be positive")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > cfg.Iterations {
		workers = cfg.Iterations
	}
	if cfg.WallBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.WallBudget)
		defer cancel()
	}

	start := time.Now()
	results := make([]iterResult, cfg.Iterations)
	var next atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim := engine.NewSim(plan)
			for {
				i := int(next.Add(1)) - 1
				if i >= cfg.Iterations {
					return
				}
				if ctx.Err() != nil {
					return
				}
				seed := engine.MixSeed(cfg.BaseSeed, i)
				res, err := sim.Run(seed, false)
				r := &results[i]
				r.done = true
				if err != nil {
					r.err = err
				} else {
					r.finalNW = res.FinalNW
					r.success = res.Success
					if cfg.MeanSeries {
						r.snapshotNW = res.SnapshotNW
					}
				}
				if cfg.Progress != nil {
					cfg.Progress(i)
				}
			}
		}()
	}
	wg.Wait()

	return reduce(plan, cfg, results, start)
}

// reduce folds per-iteration results sequentially in iteration order, so the
// summary is bit-identical for any worker count.
func reduce(plan *engine.Plan, cfg Config, results []iterResult, start time.Time) (*Summary, error) {
	sum := &Summary{
		RunID:           uuid.NewString(),
		Iterations:      cfg.Iterations,
		PercentileTable: make(map[float64]float64),
	}

	// Welford running mean and M2, plus min/max/success, in index order.
	var count int
	var mean, m2 float64
	minNW, maxNW := 0.0, 0.0
	successes := 0
	type ranked struct {
		nw   float64
		iter int
	}
	var finals []ranked
	var meanSeries []float64
	var seriesCount []int

	for i := range results {
		r := &results[i]
		if !r.done {
			continue // cancelled before this iteration started
		}
		if r.err != nil {
			sum.Failures = append(sum.Failures, Failure{
				Iteration: i, Seed: engine.MixSeed(cfg.BaseSeed, i), Cause: r.err.Error(),
			})
			continue
		}
		count++
		delta := r.finalNW - mean
		mean += delta / float64(count)
		m2 += delta * (r.finalNW - mean)
		if count == 1 || r.finalNW < minNW {
			minNW = r.finalNW
		}
		if count == 1 || r.finalNW > maxNW {
			maxNW = r.finalNW
		}
		if r.success {
			successes++
		}
		finals = append(finals, ranked{nw: r.finalNW, iter: i})
		if cfg.MeanSeries {
			for j, v := range r.snapshotNW {
				if j >= len(meanSeries) {
					meanSeries = append(meanSeries, 0)
					seriesCount = append(seriesCount, 0)
				}
				seriesCount[j]++
				meanSeries[j] += (v - meanSeries[j]) / float64(seriesCount[j])
			}
		}
	}

	sum.Completed = count
	sum.Elapsed = time.Since(start)
	if count == 0 {
		return sum, fmt.Errorf("montecarlo: no iterations completed")
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	attempted := count + len(sum.Failures)
	if rate := float64(len(sum.Failures)) / float64(attempted); rate > threshold {
		return sum, fmt.Errorf("montecarlo: failure rate %.1f%% exceeds threshold %.1f%%", rate*100, threshold*100)
	}

	sum.SuccessRate = float64(successes) / float64(count)
	sum.MeanFinal = mean
	if count > 1 {
		sum.StddevFinal = math.Sqrt(m2 / float64(count))
	}
	sum.MinFinal = minNW
	sum.MaxFinal = maxNW
	sum.MeanSeries = meanSeries

	// Percentile table and retained representative runs: rank by final net
	// worth with stable tie-breaking by iteration index.
	sort.SliceStable(finals, func(i, j int) bool {
		if finals[i].nw != finals[j].nw {
			return finals[i].nw < finals[j].nw
		}
		return finals[i].iter < finals[j].iter
	})
	if len(cfg.RetainPercentiles) > 0 {
		sortedNW := make([]float64, len(finals))
		for i := range finals {
			sortedNW[i] = finals[i].nw
		}
		sum.Retained = make(map[float64]*engine.SimulationResult, len(cfg.RetainPercentiles))
		replay := engine.NewSim(plan)
		for _, p := range cfg.RetainPercentiles {
			pick := finals[percentileIndex(p, len(finals))]
			sum.PercentileTable[p] = stat.Quantile(p/100, stat.Empirical, sortedNW, nil)
			// Re-run the chosen iteration deterministically with its saved
			// seed to reconstruct the full ledger and snapshots.
			res, err := replay.Run(engine.MixSeed(cfg.BaseSeed, pick.iter), true)
			if err != nil {
				return sum, fmt.Errorf("montecarlo: replay of iteration %d failed: %w", pick.iter, err)
			}
			res.RunID = sum.RunID
			sum.Retained[p] = res
		}
	}
	return sum, nil
}

// percentileIndex maps a percentile in [0,100] to a rank by truncating
// p/100 × (n−1) toward zero, clamped to [0, n−1].
func percentileIndex(p float64, n int) int {
	if n == 0 {
		return 0
	}
	idx := int(p / 100 * float64(n-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
