package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	logx "conduction/pkg/logx"
)

// Store is the persistence API used by the mirror engine.
//
// Every write is committed before the call returns.
type Store interface {
	UpsertEdge(ctx context.Context, e MirrorEdge) error
	// DisableEdge soft-deletes one edge. Missing edges are not an error.
	DisableEdge(ctx context.Context, src, dest snowflake.ID) error
	// DisableDestination soft-deletes every edge pointing at dest and returns them.
	DisableDestination(ctx context.Context, dest snowflake.ID) ([]MirrorEdge, error)
	// DisableGroup soft-deletes every edge whose destination belongs to group.
	DisableGroup(ctx context.Context, group snowflake.ID) ([]MirrorEdge, error)
	// ListEdges returns edges of src ordered by owning-server population,
	// largest first. Unknown populations sort first.
	ListEdges(ctx context.Context, src snowflake.ID, f EdgeFilter) ([]MirrorEdge, error)
	ListSources(ctx context.Context, f EdgeFilter) ([]snowflake.ID, error)
	CountEdges(ctx context.Context) ([]EdgeCount, error)
	ResetErrorCounts(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error
	IncrementErrorCounts(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error
	DisableFailing(ctx context.Context, threshold int, at time.Time) ([]MirrorEdge, error)
	EnableDisabledSince(ctx context.Context, since time.Time) ([]MirrorEdge, error)

	InsertRecords(ctx context.Context, recs []DeliveryRecord) error
	RecordsBySource(ctx context.Context, sourceMsg snowflake.ID) ([]DeliveryRecord, error)
	PruneRecords(ctx context.Context, before time.Time) (int64, error)

	UpsertPopulations(ctx context.Context, pops []GuildPopulation) error
	Populations(ctx context.Context) ([]GuildPopulation, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store and applies its schema.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
