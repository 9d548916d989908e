// Package collector samples host metrics for the stats frame. Each source
// implements Collector and is registered by name with a Registry.
package collector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/bryanchriswhite/StatDeck/internal/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sample is one reading from a source: metric name to number or string.
type Sample = map[string]any

// Collector is the interface all metric sources implement.
type Collector interface {
	// Name returns the key the sample is published under (e.g., "cpu").
	Name() string

	// Sample performs one reading.
	Sample(ctx context.Context) (Sample, error)
}

// Registry manages a set of named collectors. It is safe for concurrent use.
type Registry struct {
	log        zerolog.Logger
	mu         sync.RWMutex
	collectors map[string]Collector
}

// NewRegistry returns an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:        log,
		collectors: make(map[string]Collector),
	}
}

// Register adds a collector. It returns an error if the name is taken.
func (r *Registry) Register(c Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.collectors[name]; exists {
		return fmt.Errorf("collector %q already registered", name)
	}
	r.collectors[name] = c
	return nil
}

// Get returns the collector with the given name.
func (r *Registry) Get(name string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[name]
	return c, ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SampleAll reads every collector concurrently. A source that errors or
// panics is published as an empty object; SampleAll itself never fails.
func (r *Registry) SampleAll(ctx context.Context) map[string]Sample {
	r.mu.RLock()
	list := make([]Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		list = append(list, c)
	}
	r.mu.RUnlock()

	results := make([]Sample, len(list))
	var g errgroup.Group
	for i, c := range list {
		g.Go(func() error {
			results[i] = r.sampleOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Sample, len(list))
	for i, c := range list {
		out[c.Name()] = results[i]
	}
	return out
}

func (r *Registry) sampleOne(ctx context.Context, c Collector) (s Sample) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("collector", c.Name()).Str("panic", fmt.Sprint(p)).Msg("Collector panicked")
			s = Sample{}
		}
	}()

	s, err := c.Sample(ctx)
	if err != nil {
		r.log.Debug().Err(err).Str("collector", c.Name()).Msg("Sample failed")
		return Sample{}
	}
	if s == nil {
		return Sample{}
	}
	return s
}

// round rounds v to the given number of decimals.
func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// NewDefaultRegistry registers every built-in source.
func NewDefaultRegistry(poller FocusPoller, c clock.Clock, log zerolog.Logger) *Registry {
	r := NewRegistry(log)
	for _, col := range []Collector{
		CPU{},
		Memory{},
		NewDisk("", c),
		NewNetwork(c),
		NewGPU(log),
		NewSystem(poller),
	} {
		_ = r.Register(col)
	}
	return r
}
