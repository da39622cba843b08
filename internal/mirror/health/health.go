// Package health disables mirrors that keep failing and undoes it on request.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"conduction/internal/storage"
	logx "conduction/pkg/logx"
)

const DefaultThreshold = 7

type Registry interface {
	DisableFailing(ctx context.Context, threshold int) ([]storage.MirrorEdge, error)
	UndoDisableSince(ctx context.Context, since time.Time) ([]storage.MirrorEdge, error)
}

// Auditor records sweeps. Optional.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Policy controls the automatic sweep after each fan-out.
type Policy struct {
	Enabled   bool
	Threshold int
}

type Monitor struct {
	reg   Registry
	audit Auditor
	log   logx.Logger

	mu     sync.Mutex
	policy Policy
}

func New(reg Registry, audit Auditor, policy Policy, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{reg: reg, audit: audit, log: log}
	m.Apply(policy)
	return m
}

// Apply swaps the policy; safe during sweeps.
func (m *Monitor) Apply(p Policy) {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

func (m *Monitor) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// DisableFailing disables every edge whose error count reached threshold.
func (m *Monitor) DisableFailing(ctx context.Context, threshold int) ([]storage.MirrorEdge, error) {
	start := time.Now()
	edges, err := m.reg.DisableFailing(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("disable failing mirrors: %w", err)
	}
	if len(edges) > 0 {
		m.log.Warn("disabled "+fmt.Sprint(len(edges))+" mirrors", logx.Int("threshold", threshold), logx.String("edges", Describe(edges)))
	}
	m.record(ctx, storage.AuditEntry{
		At: start, Actor: "health", Action: "disable_failing",
		Target: fmt.Sprintf("threshold=%d", threshold), OK: len(edges),
		TookMS: time.Since(start).Milliseconds(),
	})
	return edges, nil
}

// UndoDisableSince re-enables edges auto-disabled at or after since.
func (m *Monitor) UndoDisableSince(ctx context.Context, since time.Time, actor string) ([]storage.MirrorEdge, error) {
	start := time.Now()
	edges, err := m.reg.UndoDisableSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("undo auto disable: %w", err)
	}
	m.log.Info("undid auto disable", logx.Time("since", since), logx.Int("edges", len(edges)), logx.String("actor", actor))
	m.record(ctx, storage.AuditEntry{
		At: start, Actor: actor, Action: "undo_auto_disable",
		Target: since.UTC().Format(time.RFC3339), OK: len(edges),
		TookMS: time.Since(start).Milliseconds(),
	})
	return edges, nil
}

// Sweep runs DisableFailing when the policy is enabled.
func (m *Monitor) Sweep(ctx context.Context) ([]storage.MirrorEdge, error) {
	p := m.Policy()
	if !p.Enabled {
		return nil, nil
	}
	return m.DisableFailing(ctx, p.Threshold)
}

func (m *Monitor) record(ctx context.Context, e storage.AuditEntry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// Describe renders edges as "src: dest" pairs.
func Describe(edges []storage.MirrorEdge) string {
	parts := make([]string, 0, len(edges))
	for _, e := range edges {
		parts = append(parts, e.SrcID.String()+": "+e.DestID.String())
	}
	return strings.Join(parts, ", ")
}
