package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

// Stats counts the trusted ratings an identity sent and received.
type Stats struct {
	SentPositive     int       `json:"sentPositive"`
	SentNeutral      int       `json:"sentNeutral"`
	SentNegative     int       `json:"sentNegative"`
	ReceivedPositive int       `json:"receivedPositive"`
	ReceivedNeutral  int       `json:"receivedNeutral"`
	ReceivedNegative int       `json:"receivedNegative"`
	FirstSeen        time.Time `json:"firstSeen,omitempty"`
}

// updateStats recomputes the receipt statistics of anchor over every member of identity id.
func updateStats(ctx context.Context, tx *storage.Tx, viewpoint, anchor statement.Attribute, id int) error {
	var (
		st        Stats
		firstSeen sql.NullInt64
	)
	err := tx.QueryRow(ctx, `
		WITH members AS (
			SELECT name, value FROM identity_attributes
			WHERE viewpoint_name = ? AND viewpoint_value = ? AND identity_id = ?
		),
		rated AS (
			SELECT DISTINCT s.hash, a.is_recipient,
				CASE
					WHEN s.rating * 2 > s.min_rating + s.max_rating THEN 1
					WHEN s.rating * 2 < s.min_rating + s.max_rating THEN -1
					ELSE 0
				END AS sign
			FROM members m
			JOIN statement_attributes a ON a.name = m.name AND a.value = m.value
			JOIN statements s ON s.hash = a.statement_hash AND s.type = 'rating'
			JOIN trust_distances td
				ON td.root_name = ? AND td.root_value = ?
				AND td.target_name = 'keyID' AND td.target_value = s.signer_key_id
		)
		SELECT
			COALESCE(SUM(is_recipient = 0 AND sign = 1), 0),
			COALESCE(SUM(is_recipient = 0 AND sign = 0), 0),
			COALESCE(SUM(is_recipient = 0 AND sign = -1), 0),
			COALESCE(SUM(is_recipient = 1 AND sign = 1), 0),
			COALESCE(SUM(is_recipient = 1 AND sign = 0), 0),
			COALESCE(SUM(is_recipient = 1 AND sign = -1), 0),
			(SELECT MIN(s.timestamp) FROM members m
				JOIN statement_attributes a ON a.name = m.name AND a.value = m.value
				JOIN statements s ON s.hash = a.statement_hash)
		FROM rated
	`, viewpoint.Name, viewpoint.Value, id, viewpoint.Name, viewpoint.Value).Scan(
		&st.SentPositive, &st.SentNeutral, &st.SentNegative,
		&st.ReceivedPositive, &st.ReceivedNeutral, &st.ReceivedNegative, &firstSeen)
	if err != nil {
		return fmt.Errorf("%w: failed to compute stats of %s: %v", storage.ErrStorage, anchor, err)
	}

	var first any
	if firstSeen.Valid {
		first = firstSeen.Int64
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO identity_stats (viewpoint_name, viewpoint_value, name, value,
			sent_positive, sent_neutral, sent_negative,
			received_positive, received_neutral, received_negative, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(viewpoint_name, viewpoint_value, name, value) DO UPDATE SET
			sent_positive = excluded.sent_positive,
			sent_neutral = excluded.sent_neutral,
			sent_negative = excluded.sent_negative,
			received_positive = excluded.received_positive,
			received_neutral = excluded.received_neutral,
			received_negative = excluded.received_negative,
			first_seen = excluded.first_seen
	`, viewpoint.Name, viewpoint.Value, anchor.Name, anchor.Value,
		st.SentPositive, st.SentNeutral, st.SentNegative,
		st.ReceivedPositive, st.ReceivedNeutral, st.ReceivedNegative, first)
	if err != nil {
		return fmt.Errorf("failed to store stats of %s: %w", anchor, err)
	}
	return nil
}

// Stats returns the stored receipt statistics of attr under viewpoint.
func (r *Resolver) Stats(ctx context.Context, attr, viewpoint statement.Attribute) (*Stats, error) {
	viewpoint = r.orDefault(viewpoint)

	var (
		st        Stats
		firstSeen sql.NullInt64
	)
	err := r.store.QueryRow(ctx, `
		SELECT sent_positive, sent_neutral, sent_negative,
			received_positive, received_neutral, received_negative, first_seen
		FROM identity_stats
		WHERE viewpoint_name = ? AND viewpoint_value = ? AND name = ? AND value = ?
	`, viewpoint.Name, viewpoint.Value, attr.Name, attr.Value).Scan(
		&st.SentPositive, &st.SentNeutral, &st.SentNegative,
		&st.ReceivedPositive, &st.ReceivedNeutral, &st.ReceivedNegative, &firstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stats of %s: %w", attr, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	if firstSeen.Valid {
		st.FirstSeen = time.Unix(firstSeen.Int64, 0).UTC()
	}
	return &st, nil
}
