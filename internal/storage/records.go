package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// InsertRecords writes all records in one transaction. A dest message that is
// already recorded keeps its first mapping.
func (s *sqlStore) InsertRecords(ctx context.Context, recs []DeliveryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.q(
			`INSERT INTO delivery_record(dest_msg_id, dest_channel_id, source_msg_id, source_channel_id, created_at)
			 VALUES(?,?,?,?,?)
			 ON CONFLICT(dest_msg_id) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("storage: prepare record insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range recs {
			at := r.CreatedAt
			if at.IsZero() {
				at = now
			}
			if _, err := stmt.ExecContext(ctx,
				dbID(r.DestMsgID), dbID(r.DestChannelID), dbID(r.SourceMsgID), dbID(r.SourceChannelID), at.UnixMilli(),
			); err != nil {
				return fmt.Errorf("storage: insert record %s: %w", r.DestMsgID, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) RecordsBySource(ctx context.Context, sourceMsg snowflake.ID) ([]DeliveryRecord, error) {
	rows, err := s.query(ctx,
		`SELECT dest_msg_id, dest_channel_id, source_msg_id, source_channel_id, created_at
		 FROM delivery_record WHERE source_msg_id = ? ORDER BY dest_msg_id`,
		dbID(sourceMsg),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: records of %s: %w", sourceMsg, err)
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		var destMsg, destCh, srcMsg, srcCh, at int64
		if err := rows.Scan(&destMsg, &destCh, &srcMsg, &srcCh, &at); err != nil {
			return nil, err
		}
		out = append(out, DeliveryRecord{
			SourceMsgID:     fromDB(srcMsg),
			SourceChannelID: fromDB(srcCh),
			DestMsgID:       fromDB(destMsg),
			DestChannelID:   fromDB(destCh),
			CreatedAt:       time.UnixMilli(at),
		})
	}
	return out, rows.Err()
}

// PruneRecords deletes records created strictly before the cutoff.
func (s *sqlStore) PruneRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM delivery_record WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage: prune records: %w", err)
	}
	return res.RowsAffected()
}
