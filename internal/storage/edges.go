package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

const (
	edgeColumns    = `e.src_id, e.dest_id, e.dest_group_id, e.mode, e.enabled, e.error_count, e.disabled_at`
	returningEdges = ` RETURNING src_id, dest_id, dest_group_id, mode, enabled, error_count, disabled_at`
)

// UpsertEdge inserts the edge or updates it in place. Counters restart on re-add.
func (s *sqlStore) UpsertEdge(ctx context.Context, e MirrorEdge) error {
	if !e.Mode.Valid() {
		return fmt.Errorf("storage: invalid edge mode %q", e.Mode)
	}
	var group any
	if e.DestGroupID != 0 {
		group = dbID(e.DestGroupID)
	}
	_, err := s.exec(ctx,
		`INSERT INTO mirror_edge(src_id, dest_id, dest_group_id, mode, enabled, error_count, disabled_at, created_at)
		 VALUES(?,?,?,?,?,0,NULL,?)
		 ON CONFLICT(src_id, dest_id) DO UPDATE SET
		   dest_group_id = COALESCE(excluded.dest_group_id, mirror_edge.dest_group_id),
		   mode = excluded.mode,
		   enabled = excluded.enabled,
		   error_count = 0,
		   disabled_at = NULL`,
		dbID(e.SrcID), dbID(e.DestID), group, string(e.Mode), e.Enabled, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert edge %s->%s: %w", e.SrcID, e.DestID, err)
	}
	return nil
}

func (s *sqlStore) DisableEdge(ctx context.Context, src, dest snowflake.ID) error {
	_, err := s.exec(ctx,
		`UPDATE mirror_edge SET enabled = ? WHERE src_id = ? AND dest_id = ?`,
		false, dbID(src), dbID(dest),
	)
	if err != nil {
		return fmt.Errorf("storage: disable edge %s->%s: %w", src, dest, err)
	}
	return nil
}

func (s *sqlStore) DisableDestination(ctx context.Context, dest snowflake.ID) ([]MirrorEdge, error) {
	rows, err := s.query(ctx,
		`UPDATE mirror_edge SET enabled = ? WHERE dest_id = ? AND enabled = ?`+returningEdges,
		false, dbID(dest), true,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: disable destination %s: %w", dest, err)
	}
	return scanEdges(rows)
}

func (s *sqlStore) DisableGroup(ctx context.Context, group snowflake.ID) ([]MirrorEdge, error) {
	rows, err := s.query(ctx,
		`UPDATE mirror_edge SET enabled = ? WHERE dest_group_id = ? AND enabled = ?`+returningEdges,
		false, dbID(group), true,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: disable group %s: %w", group, err)
	}
	return scanEdges(rows)
}

func (s *sqlStore) ListEdges(ctx context.Context, src snowflake.ID, f EdgeFilter) ([]MirrorEdge, error) {
	where, args := edgeWhere(f)
	args = append([]any{dbID(src)}, args...)
	rows, err := s.query(ctx,
		`SELECT `+edgeColumns+`
		 FROM mirror_edge e
		 LEFT JOIN server_population p ON p.guild_id = e.dest_group_id
		 WHERE e.src_id = ?`+where+`
		 ORDER BY COALESCE(p.population, `+fmt.Sprint(int64(math.MaxInt64))+`) DESC, e.dest_id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list edges of %s: %w", src, err)
	}
	return scanEdges(rows)
}

func (s *sqlStore) ListSources(ctx context.Context, f EdgeFilter) ([]snowflake.ID, error) {
	where, args := edgeWhere(f)
	rows, err := s.query(ctx,
		`SELECT DISTINCT e.src_id FROM mirror_edge e WHERE 1 = 1`+where+` ORDER BY e.src_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sources: %w", err)
	}
	defer rows.Close()
	var out []snowflake.ID
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, fromDB(v))
	}
	return out, rows.Err()
}

func (s *sqlStore) CountEdges(ctx context.Context) ([]EdgeCount, error) {
	rows, err := s.query(ctx,
		`SELECT src_id, mode,
		        SUM(CASE WHEN enabled THEN 1 ELSE 0 END),
		        SUM(CASE WHEN enabled THEN 0 ELSE 1 END)
		 FROM mirror_edge GROUP BY src_id, mode ORDER BY src_id, mode`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count edges: %w", err)
	}
	defer rows.Close()
	var out []EdgeCount
	for rows.Next() {
		var (
			src            int64
			mode           string
			enabled, disab int64
		)
		if err := rows.Scan(&src, &mode, &enabled, &disab); err != nil {
			return nil, err
		}
		out = append(out, EdgeCount{SrcID: fromDB(src), Mode: Mode(mode), Enabled: int(enabled), Disabled: int(disab)})
	}
	return out, rows.Err()
}

func (s *sqlStore) ResetErrorCounts(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error {
	return s.updateCounts(ctx, `error_count = 0`, src, dests)
}

// IncrementErrorCounts bumps counters with a single atomic UPDATE per chunk.
func (s *sqlStore) IncrementErrorCounts(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error {
	return s.updateCounts(ctx, `error_count = error_count + 1`, src, dests)
}

func (s *sqlStore) updateCounts(ctx context.Context, set string, src snowflake.ID, dests []snowflake.ID) error {
	if len(dests) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkIDs(dests, inChunk) {
			args := make([]any, 0, len(chunk)+1)
			args = append(args, dbID(src))
			for _, d := range chunk {
				args = append(args, dbID(d))
			}
			q := s.q(`UPDATE mirror_edge SET ` + set + ` WHERE src_id = ? AND dest_id IN (` + placeholders(len(chunk)) + `)`)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("storage: update error counts of %s: %w", src, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) DisableFailing(ctx context.Context, threshold int, at time.Time) ([]MirrorEdge, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("storage: disable threshold must be > 0")
	}
	rows, err := s.query(ctx,
		`UPDATE mirror_edge SET enabled = ?, disabled_at = ?
		 WHERE enabled = ? AND error_count >= ?`+returningEdges,
		false, at.UnixMilli(), true, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: disable failing edges: %w", err)
	}
	return scanEdges(rows)
}

func (s *sqlStore) EnableDisabledSince(ctx context.Context, since time.Time) ([]MirrorEdge, error) {
	rows, err := s.query(ctx,
		`UPDATE mirror_edge SET enabled = ?, error_count = 0, disabled_at = NULL
		 WHERE enabled = ? AND disabled_at IS NOT NULL AND disabled_at >= ?`+returningEdges,
		true, false, since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: enable edges disabled since %s: %w", since.Format(time.RFC3339), err)
	}
	return scanEdges(rows)
}

func edgeWhere(f EdgeFilter) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	if f.Mode != "" {
		b.WriteString(` AND e.mode = ?`)
		args = append(args, string(f.Mode))
	}
	if f.Enabled != nil {
		b.WriteString(` AND e.enabled = ?`)
		args = append(args, *f.Enabled)
	}
	return b.String(), args
}

func scanEdges(rows *sql.Rows) ([]MirrorEdge, error) {
	defer rows.Close()
	var out []MirrorEdge
	for rows.Next() {
		var (
			src, dest  int64
			group      sql.NullInt64
			mode       string
			enabled    bool
			errCount   int64
			disabledAt sql.NullInt64
		)
		if err := rows.Scan(&src, &dest, &group, &mode, &enabled, &errCount, &disabledAt); err != nil {
			return nil, err
		}
		e := MirrorEdge{
			SrcID:      fromDB(src),
			DestID:     fromDB(dest),
			Mode:       Mode(mode),
			Enabled:    enabled,
			ErrorCount: int(errCount),
			DisabledAt: fromMillis(disabledAt),
		}
		if group.Valid {
			e.DestGroupID = fromDB(group.Int64)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
