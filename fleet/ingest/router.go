package ingest

import (
	"sync"

	"gorm.io/gorm"

	"github.com/SiriusScan/go-fleet/fleet/notify"
	"github.com/SiriusScan/go-fleet/fleet/postgres"
)

// RegionSource resolves a region name to its finding store.
type RegionSource interface {
	Get(region string) (*gorm.DB, error)
	Default() string
}

// Router hands out one Pipeline per region, all sharing a resolver and a
// notifier.
type Router struct {
	regions  RegionSource
	resolver Resolver
	notifier notify.Notifier

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

func NewRouter(regions RegionSource, resolver Resolver, notifier notify.Notifier) *Router {
	return &Router{
		regions:   regions,
		resolver:  resolver,
		notifier:  notifier,
		pipelines: make(map[string]*Pipeline),
	}
}

// Pipeline returns the pipeline writing to region; "" means the default.
func (r *Router) Pipeline(region string) (*Pipeline, error) {
	if region == "" {
		region = r.regions.Default()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pipelines[region]; ok {
		return p, nil
	}
	db, err := r.regions.Get(region)
	if err != nil {
		return nil, err
	}
	p := NewPipeline(region, postgres.NewFindingRepository(db), r.resolver, r.notifier)
	r.pipelines[region] = p
	return p, nil
}

// DefaultRegion names the region used when none is given.
func (r *Router) DefaultRegion() string {
	return r.regions.Default()
}
