package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/aurora/internal/domain"
)

// InboxStatus values for received webhook entries.
type InboxStatus string

const (
	InboxReceived InboxStatus = "received"
	InboxAccepted InboxStatus = "accepted"
	InboxRejected InboxStatus = "rejected"
)

// InsertInbox records a received webhook keyed by (source, externalID).
// A duplicate (source, externalID) pair is the replay signal and is
// reported as domain.ErrReplay rather than a generic constraint error.
func (s *Store) InsertInbox(ctx context.Context, source, externalID, signatureHash string, status InboxStatus, rejectionReason string) error {
	var reason any
	if rejectionReason != "" {
		reason = rejectionReason
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbox (source, external_id, signature_hash, status, rejection_reason, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, source, externalID, signatureHash, string(status), reason, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger: %w", domain.ErrReplay)
		}
		return fmt.Errorf("ledger: insert inbox entry: %w", err)
	}
	return nil
}
