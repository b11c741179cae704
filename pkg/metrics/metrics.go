// Package metrics implements the Metrics Sink: best-effort counters
// for pipeline events, per pool and globally, exposed over a text-based
// scrape endpoint. Emission never blocks the pipeline: every increment is
// a non-blocking map write under a mutex, never a channel send the caller
// waits on.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Kind enumerates the countable pipeline events.
type Kind string

const (
	SwapsDetected                     Kind = "swaps_detected_total"
	SwapsDropped                      Kind = "swaps_dropped_total"
	OpportunitiesSimulated            Kind = "opportunities_simulated_total"
	OpportunitiesProfitable           Kind = "opportunities_profitable_total"
	OpportunitiesEvaluatedNotSelected Kind = "opportunities_evaluated_not_selected_total"
	BundlesSubmitted                  Kind = "bundles_submitted_total"
	BundlesIncluded                   Kind = "bundles_included_total"
	BundlesRejected                   Kind = "bundles_rejected_total"
	GasSpentWei                       Kind = "gas_spent_wei_total"
	NetProfitWei                      Kind = "net_profit_wei_total"
	NetProfitUSD                      Kind = "net_profit_usd_total"
)

// counterKey identifies one counter: its kind, the pool it is scoped to
// (empty for a global-only counter), and, for per-failure-kind counts,
// the boterr.Kind name.
type counterKey struct {
	kind    Kind
	pool    string
	failure string
}

// Sink is the process-wide counter table. The zero value is not usable;
// construct with New.
type Sink struct {
	mu       sync.Mutex
	counters map[counterKey]float64
}

// New builds an empty Sink.
func New() *Sink {
	return &Sink{counters: make(map[counterKey]float64)}
}

// Inc increments a pool-scoped counter by 1. pool may be empty for
// globally-scoped events (e.g. totals the Coordinator doesn't attribute
// to one pool).
func (s *Sink) Inc(kind Kind, pool string) {
	s.Add(kind, pool, 1)
}

// Add increments a pool-scoped counter by an arbitrary delta, used for
// value-denominated counters like gas spent and net profit.
func (s *Sink) Add(kind Kind, pool string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey{kind: kind, pool: pool}] += delta
}

// IncFailure records one occurrence of a named failure kind against a
// pool.
func (s *Sink) IncFailure(pool, failureKind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey{kind: "failures_total", pool: pool, failure: failureKind}]++
}

// snapshot returns a stable-ordered copy of every counter for rendering.
type sample struct {
	name  string
	pool  string
	extra string
	value float64
}

func (s *Sink) snapshot() []sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sample, 0, len(s.counters))
	for k, v := range s.counters {
		out = append(out, sample{name: string(k.kind), pool: k.pool, extra: k.failure, value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		if out[i].pool != out[j].pool {
			return out[i].pool < out[j].pool
		}
		return out[i].extra < out[j].extra
	})
	return out
}

// Render writes every counter in a simple Prometheus-compatible text
// exposition format: "<metric>{pool="...",kind="..."} <value>", followed
// by an unlabeled all-pools total per metric name.
func (s *Sink) Render() string {
	var b strings.Builder
	totals := map[string]float64{}
	for _, smp := range s.snapshot() {
		totals[smp.name] += smp.value

		labels := make([]string, 0, 2)
		if smp.pool != "" {
			labels = append(labels, fmt.Sprintf(`pool=%q`, smp.pool))
		}
		if smp.extra != "" {
			labels = append(labels, fmt.Sprintf(`kind=%q`, smp.extra))
		}
		if len(labels) == 0 {
			continue // rendered below as the global total
		}
		fmt.Fprintf(&b, "%s{%s} %v\n", smp.name, strings.Join(labels, ","), smp.value)
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s %v\n", name, totals[name])
	}
	return b.String()
}

// Handler serves Render's output at the scrape endpoint. Serving never
// touches the pipeline's hot path; it only reads the counter table
// under the same mutex Add/Inc use.
func (s *Sink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, s.Render())
	})
}

// ListenAndServe starts the scrape endpoint on addr (e.g. ":9090"). It
// blocks, matching net/http's usual contract; callers run it in its own
// goroutine.
func (s *Sink) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	return http.ListenAndServe(addr, mux)
}
