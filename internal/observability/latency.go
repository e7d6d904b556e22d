package observability

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultLatencyTargets are the p95 budgets per turn stage.
var DefaultLatencyTargets = map[string]time.Duration{
	"transcribe":             1200 * time.Millisecond,
	"generate":               1500 * time.Millisecond,
	"speech_request":         800 * time.Millisecond,
	"accept_to_speech_start": 2500 * time.Millisecond,
	"turn_total":             6 * time.Second,
}

// StageLatency summarizes the recent samples of one stage. Sub-stages such
// as "accept_to_speech_start.heuristic" share their parent's target.
type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	MeanMS      float64 `json:"mean_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Indicators  map[string]int `json:"indicators,omitempty"`
}

// latencyWindow keeps the last size samples per stage and lifetime counts of
// turn indicators such as watchdog expiries.
type latencyWindow struct {
	mu         sync.Mutex
	size       int
	targets    map[string]time.Duration
	rings      map[string]*sampleRing
	indicators map[string]int
}

type sampleRing struct {
	buf  []time.Duration
	head int
	full bool
}

func (r *sampleRing) add(d time.Duration) {
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

// ordered returns the held samples oldest first.
func (r *sampleRing) ordered() []time.Duration {
	if !r.full {
		return slices.Clone(r.buf[:r.head])
	}
	return append(slices.Clone(r.buf[r.head:]), r.buf[:r.head]...)
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:       size,
		targets:    mergeTargets(DefaultLatencyTargets, nil),
		rings:      make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func mergeTargets(base, over map[string]time.Duration) map[string]time.Duration {
	out := maps.Clone(base)
	maps.Copy(out, over)
	return out
}

func (w *latencyWindow) setTargets(over map[string]time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets = mergeTargets(DefaultLatencyTargets, over)
}

func (w *latencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &sampleRing{buf: make([]time.Duration, w.size)}
		w.rings[stage] = r
	}
	r.add(d)
}

func (w *latencyWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

// targetLocked resolves a stage target, falling back to the parent stage.
func (w *latencyWindow) targetLocked(stage string) time.Duration {
	if t, ok := w.targets[stage]; ok {
		return t
	}
	if parent, _, ok := strings.Cut(stage, "."); ok {
		return w.targets[parent]
	}
	return 0
}

func (w *latencyWindow) report(now time.Time) LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	rep := LatencyReport{GeneratedAt: now.UTC(), WindowSize: w.size, Stages: []StageLatency{}}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		samples := w.rings[stage].ordered()
		if len(samples) == 0 {
			continue
		}
		last := samples[len(samples)-1]
		target := w.targetLocked(stage)

		var sum time.Duration
		over := 0
		for _, d := range samples {
			sum += d
			if target > 0 && d > target {
				over++
			}
		}
		slices.Sort(samples)
		rep.Stages = append(rep.Stages, StageLatency{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      millis(last),
			MeanMS:      millis(sum / time.Duration(len(samples))),
			P50MS:       millis(nearestRank(samples, 50)),
			P95MS:       millis(nearestRank(samples, 95)),
			MaxMS:       millis(samples[len(samples)-1]),
			TargetP95MS: millis(target),
			OverTarget:  over,
		})
	}
	if len(w.indicators) > 0 {
		rep.Indicators = maps.Clone(w.indicators)
	}
	return rep
}

// nearestRank returns the p-th percentile of sorted samples.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// millis reports d in milliseconds with microsecond precision.
func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
