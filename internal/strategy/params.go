package strategy

import (
	"sync/atomic"
	"time"
)

// LiveParams is the parameter set the admission check currently trades with.
type LiveParams struct {
	Genome
	Version   uint64    `json:"version"`
	Fitness   float64   `json:"fitness"`
	Source    string    `json:"source"` // config|optimizer
	UpdatedAt time.Time `json:"updated_at"`
}

// ParamStore holds the live parameters. Readers never block and always see a
// complete set.
type ParamStore struct {
	current atomic.Pointer[LiveParams]
	version atomic.Uint64
}

// NewParamStore seeds the store with the configured starting genome.
func NewParamStore(initial Genome) *ParamStore {
	s := &ParamStore{}
	s.Publish(initial, 0, "config")
	return s
}

// Load returns the current parameters.
func (s *ParamStore) Load() LiveParams {
	return *s.current.Load()
}

// Publish replaces the live parameters and returns the stored value.
func (s *ParamStore) Publish(g Genome, fitness float64, source string) LiveParams {
	p := &LiveParams{
		Genome:    g,
		Version:   s.version.Add(1),
		Fitness:   fitness,
		Source:    source,
		UpdatedAt: time.Now(),
	}
	s.current.Store(p)
	return *p
}
