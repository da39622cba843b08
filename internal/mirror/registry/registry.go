// Package registry tracks which destination channels mirror which sources.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/storage"
	logx "conduction/pkg/logx"
)

// Store is the slice of storage the registry needs.
type Store interface {
	UpsertEdge(ctx context.Context, e storage.MirrorEdge) error
	DisableEdge(ctx context.Context, src, dest snowflake.ID) error
	DisableDestination(ctx context.Context, dest snowflake.ID) ([]storage.MirrorEdge, error)
	DisableGroup(ctx context.Context, group snowflake.ID) ([]storage.MirrorEdge, error)
	ListEdges(ctx context.Context, src snowflake.ID, f storage.EdgeFilter) ([]storage.MirrorEdge, error)
	ListSources(ctx context.Context, f storage.EdgeFilter) ([]snowflake.ID, error)
	CountEdges(ctx context.Context) ([]storage.EdgeCount, error)
	ResetErrorCounts(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error
	IncrementErrorCounts(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error
	DisableFailing(ctx context.Context, threshold int, at time.Time) ([]storage.MirrorEdge, error)
	EnableDisabledSince(ctx context.Context, since time.Time) ([]storage.MirrorEdge, error)
}

var deliverable = storage.EdgeFilter{Mode: storage.ModeLegacy, Enabled: storage.Bool(true)}

// Registry is the source of truth for mirror edges. Storage errors propagate
// to the caller; the cache is only touched after a successful write.
type Registry struct {
	store Store
	cache *Cache
	log   logx.Logger
	now   func() time.Time
}

// New builds a Registry. A nil cache gets a fresh one.
func New(store Store, cache *Cache, log logx.Logger) *Registry {
	if cache == nil {
		cache = NewCache()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, cache: cache, log: log, now: time.Now}
}

func (r *Registry) Cache() *Cache { return r.cache }

// AddEdge registers or re-activates dest as a subscriber of src.
func (r *Registry) AddEdge(ctx context.Context, src, dest, group snowflake.ID, mode storage.Mode, enabled bool) error {
	if src == dest {
		return fmt.Errorf("registry: channel %s cannot mirror itself", src)
	}
	if err := r.store.UpsertEdge(ctx, storage.MirrorEdge{
		SrcID: src, DestID: dest, DestGroupID: group, Mode: mode, Enabled: enabled,
	}); err != nil {
		return err
	}
	if enabled && mode == storage.ModeLegacy {
		r.cache.AddDestination(src, dest)
		r.cache.AddSource(src)
	} else {
		r.cache.RemoveDestination(src, dest)
	}
	r.log.Debug("edge added", logx.ID("src", src), logx.ID("dest", dest), logx.String("mode", string(mode)), logx.Bool("enabled", enabled))
	return nil
}

// RemoveEdge soft-deletes the edge. Removing a missing edge is not an error.
func (r *Registry) RemoveEdge(ctx context.Context, src, dest snowflake.ID) error {
	if err := r.store.DisableEdge(ctx, src, dest); err != nil {
		return err
	}
	r.cache.RemoveDestination(src, dest)
	r.log.Debug("edge removed", logx.ID("src", src), logx.ID("dest", dest))
	return nil
}

// RemoveDestination soft-deletes every edge that delivers into dest.
func (r *Registry) RemoveDestination(ctx context.Context, dest snowflake.ID) ([]storage.MirrorEdge, error) {
	edges, err := r.store.DisableDestination(ctx, dest)
	if err != nil {
		return nil, err
	}
	r.cache.RemoveEverywhere(dest)
	if len(edges) > 0 {
		r.log.Info("destination removed", logx.ID("dest", dest), logx.Int("edges", len(edges)))
	}
	return edges, nil
}

// RemoveGroup soft-deletes every edge into a server the bot has left.
func (r *Registry) RemoveGroup(ctx context.Context, group snowflake.ID) ([]storage.MirrorEdge, error) {
	edges, err := r.store.DisableGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		r.cache.RemoveEverywhere(e.DestID)
	}
	if len(edges) > 0 {
		r.log.Info("group removed", logx.ID("group", group), logx.Int("edges", len(edges)))
	}
	return edges, nil
}

// ListDestinations reads straight from storage, ordered by descending
// population of the owning server with unknown populations first.
func (r *Registry) ListDestinations(ctx context.Context, src snowflake.ID, f storage.EdgeFilter) ([]snowflake.ID, error) {
	edges, err := r.store.ListEdges(ctx, src, f)
	if err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.DestID)
	}
	return out, nil
}

// GetOrFetchDestinations returns the enabled legacy destinations of src,
// loading and caching them on a miss. An empty list is cached as well.
func (r *Registry) GetOrFetchDestinations(ctx context.Context, src snowflake.ID) ([]snowflake.ID, error) {
	if dests, ok := r.cache.Destinations(src); ok {
		return dests, nil
	}
	dests, err := r.ListDestinations(ctx, src, deliverable)
	if err != nil {
		return nil, err
	}
	r.cache.PutDestinations(src, dests)
	return dests, nil
}

// Sources returns every channel that has at least one enabled legacy edge.
func (r *Registry) Sources(ctx context.Context) ([]snowflake.ID, error) {
	if srcs, ok := r.cache.Sources(); ok {
		return srcs, nil
	}
	srcs, err := r.store.ListSources(ctx, deliverable)
	if err != nil {
		return nil, err
	}
	r.cache.PutSources(srcs)
	return srcs, nil
}

// IsSource reports whether events from channel need mirroring.
func (r *Registry) IsSource(ctx context.Context, channel snowflake.ID) (bool, error) {
	srcs, err := r.Sources(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range srcs {
		if s == channel {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) RecordSuccess(ctx context.Context, src, dest snowflake.ID) error {
	return r.RecordSuccesses(ctx, src, []snowflake.ID{dest})
}

func (r *Registry) RecordFailure(ctx context.Context, src, dest snowflake.ID) error {
	return r.RecordFailures(ctx, src, []snowflake.ID{dest})
}

// RecordSuccesses resets the error counters of dests.
func (r *Registry) RecordSuccesses(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error {
	return r.store.ResetErrorCounts(ctx, src, dests)
}

// RecordFailures increments the error counters of dests atomically.
func (r *Registry) RecordFailures(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error {
	return r.store.IncrementErrorCounts(ctx, src, dests)
}

// DisableFailing disables every enabled edge whose error count reached threshold.
func (r *Registry) DisableFailing(ctx context.Context, threshold int) ([]storage.MirrorEdge, error) {
	edges, err := r.store.DisableFailing(ctx, threshold, r.now())
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		r.cache.RemoveDestination(e.SrcID, e.DestID)
	}
	return edges, nil
}

// UndoDisableSince re-enables edges auto-disabled at or after since.
func (r *Registry) UndoDisableSince(ctx context.Context, since time.Time) ([]storage.MirrorEdge, error) {
	edges, err := r.store.EnableDisabledSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.Mode == storage.ModeLegacy {
			r.cache.AddDestination(e.SrcID, e.DestID)
			r.cache.AddSource(e.SrcID)
		}
	}
	return edges, nil
}

// ResetCache drops all cached destinations; the next lookups hit storage.
func (r *Registry) ResetCache() { r.cache.Reset() }

// Stats returns edge counts per source and mode.
func (r *Registry) Stats(ctx context.Context) ([]storage.EdgeCount, error) {
	return r.store.CountEdges(ctx)
}
