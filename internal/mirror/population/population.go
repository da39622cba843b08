// Package population refreshes the member counts that order mirror delivery.
package population

import (
	"context"
	"fmt"
	"time"

	"conduction/internal/storage"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

type Guilds interface {
	Guilds(ctx context.Context) ([]transport.Guild, error)
}

type Store interface {
	UpsertPopulations(ctx context.Context, pops []storage.GuildPopulation) error
}

// CacheResetter drops cached destination order after a refresh.
type CacheResetter interface {
	ResetCache()
}

type Alerter interface {
	Report(ctx context.Context, err error, note string)
}

type Config struct {
	BatchSize int
	// Backoff is the first delay after a failed refresh; it grows 4x per failure.
	Backoff time.Duration
	// GiveUpAfter stops retrying once the backoff would exceed it.
	GiveUpAfter time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, Backoff: 30 * time.Minute, GiveUpAfter: 24 * time.Hour}
}

type Refresher struct {
	guilds Guilds
	store  Store
	cache  CacheResetter
	alerts Alerter
	cfg    Config
	log    logx.Logger
}

func New(guilds Guilds, store Store, cache CacheResetter, alerts Alerter, cfg Config, log logx.Logger) *Refresher {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = d.Backoff
	}
	if cfg.GiveUpAfter <= 0 {
		cfg.GiveUpAfter = d.GiveUpAfter
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Refresher{guilds: guilds, store: store, cache: cache, alerts: alerts, cfg: cfg, log: log}
}

// Refresh stores the current population of every guild once. Guilds without
// a known count are left out so they keep sorting first.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	start := time.Now()
	guilds, err := r.guilds.Guilds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list guilds: %w", err)
	}
	pops := make([]storage.GuildPopulation, 0, len(guilds))
	for _, g := range guilds {
		if g.Population > 0 {
			pops = append(pops, storage.GuildPopulation{GuildID: g.ID, Population: g.Population, UpdatedAt: start})
		}
	}
	for i := 0; i < len(pops); i += r.cfg.BatchSize {
		end := min(i+r.cfg.BatchSize, len(pops))
		if err := r.store.UpsertPopulations(ctx, pops[i:end]); err != nil {
			return i, fmt.Errorf("store populations: %w", err)
		}
	}
	if r.cache != nil {
		r.cache.ResetCache()
	}
	r.log.Info("server populations refreshed", logx.Int("guilds", len(guilds)), logx.Int("stored", len(pops)), logx.Duration("took", time.Since(start)))
	return len(pops), nil
}

// Run refreshes with growing backoff until it succeeds, ctx ends or the
// backoff passes GiveUpAfter.
func (r *Refresher) Run(ctx context.Context) error {
	backoff := r.cfg.Backoff
	for {
		_, err := r.Refresh(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		retry := backoff <= r.cfg.GiveUpAfter
		note := "error refreshing server sizes, giving up"
		if retry {
			note = fmt.Sprintf("error refreshing server sizes, backing off for %s", backoff)
		}
		r.log.Warn(note, logx.Err(err))
		if r.alerts != nil {
			r.alerts.Report(ctx, err, note)
		}
		if !retry {
			return err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 4
	}
}
