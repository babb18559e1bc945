package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names recorded by the call pipeline.
const (
	StageConnectToOpen      = "connect_to_open"
	StageMicToFirstAudio    = "mic_to_first_audio"
	StageAudioToScheduled   = "audio_to_scheduled"
	StageInterruptToCleared = "interrupt_to_cleared"

	IndicatorPlaybackCleared = "playback_cleared"
	IndicatorErrorSurfaced   = "error_surfaced"
)

// stageTargets holds the p95 budget in milliseconds per known stage. A
// slow interrupt is felt immediately, so its budget is the tightest of the
// user-visible ones.
var stageTargets = map[string]float64{
	StageConnectToOpen:      1200,
	StageMicToFirstAudio:    1400,
	StageAudioToScheduled:   20,
	StageInterruptToCleared: 50,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type StageIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []StageStats     `json:"stages"`
	Indicators  []StageIndicator `json:"indicators,omitempty"`
}

// latencyWindow keeps the most recent samples per stage so /v1/perf/latency
// can answer "how is the call pipeline doing right now" without a Prometheus
// scrape. The histograms carry the long-run view.
type latencyWindow struct {
	mu      sync.Mutex
	size    int
	rings   map[string]*sampleRing
	markers map[string]int
}

// sampleRing is a fixed ring of latency samples. n counts every
// observation; samples[(n-1)%len] is the newest.
type sampleRing struct {
	samples []float64
	n       int
}

func (r *sampleRing) add(v float64) {
	r.samples[r.n%len(r.samples)] = v
	r.n++
}

func (r *sampleRing) last() float64 {
	if r.n == 0 {
		return 0
	}
	return r.samples[(r.n-1)%len(r.samples)]
}

func (r *sampleRing) window() []float64 {
	count := r.n
	if count > len(r.samples) {
		count = len(r.samples)
	}
	out := make([]float64, count)
	copy(out, r.samples[:count])
	return out
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:    size,
		rings:   make(map[string]*sampleRing),
		markers: make(map[string]int),
	}
}

func (w *latencyWindow) record(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.rings[stage]
	if !ok {
		ring = &sampleRing{samples: make([]float64, w.size)}
		w.rings[stage] = ring
	}
	ring.add(ms)
}

func (w *latencyWindow) mark(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markers[name]++
}

func (w *latencyWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	stageNames := make([]string, 0, len(w.rings))
	for name := range w.rings {
		stageNames = append(stageNames, name)
	}
	sort.Strings(stageNames)

	stages := make([]StageStats, 0, len(stageNames))
	for _, name := range stageNames {
		samples := w.rings[name].window()
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		sort.Float64s(samples)

		target := stageTargets[name]
		p95 := percentile(samples, 0.95)
		stages = append(stages, StageStats{
			Stage:       name,
			Samples:     len(samples),
			LastMS:      round2(w.rings[name].last()),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(percentile(samples, 0.50)),
			P95MS:       round2(p95),
			TargetP95MS: target,
			OverTarget:  target > 0 && p95 > target,
		})
	}

	markerNames := make([]string, 0, len(w.markers))
	for name := range w.markers {
		markerNames = append(markerNames, name)
	}
	sort.Strings(markerNames)
	indicators := make([]StageIndicator, 0, len(markerNames))
	for _, name := range markerNames {
		if w.markers[name] <= 0 {
			continue
		}
		indicators = append(indicators, StageIndicator{Name: name, Count: w.markers[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*sampleRing)
	w.markers = make(map[string]int)
}

// percentile is nearest-rank over an ascending sample slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
