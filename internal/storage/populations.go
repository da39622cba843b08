package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *sqlStore) UpsertPopulations(ctx context.Context, pops []GuildPopulation) error {
	if len(pops) == 0 {
		return nil
	}
	now := time.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.q(
			`INSERT INTO server_population(guild_id, population, updated_at) VALUES(?,?,?)
			 ON CONFLICT(guild_id) DO UPDATE SET population = excluded.population, updated_at = excluded.updated_at`))
		if err != nil {
			return fmt.Errorf("storage: prepare population upsert: %w", err)
		}
		defer stmt.Close()
		for _, p := range pops {
			at := p.UpdatedAt
			if at.IsZero() {
				at = now
			}
			if _, err := stmt.ExecContext(ctx, dbID(p.GuildID), int64(p.Population), at.UnixMilli()); err != nil {
				return fmt.Errorf("storage: upsert population of %s: %w", p.GuildID, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) Populations(ctx context.Context) ([]GuildPopulation, error) {
	rows, err := s.query(ctx,
		`SELECT guild_id, population, updated_at FROM server_population ORDER BY population DESC, guild_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: populations: %w", err)
	}
	defer rows.Close()
	var out []GuildPopulation
	for rows.Next() {
		var guild, pop, at int64
		if err := rows.Scan(&guild, &pop, &at); err != nil {
			return nil, err
		}
		out = append(out, GuildPopulation{GuildID: fromDB(guild), Population: int(pop), UpdatedAt: time.UnixMilli(at)})
	}
	return out, rows.Err()
}
