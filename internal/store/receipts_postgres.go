package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

var _ ReceiptRepo = (*PostgresStore)(nil)

func (s *PostgresStore) LookupReceipt(sessionID, clientMessageID string) (MessageReceipt, error) {
	r := MessageReceipt{SessionID: sessionID, ClientMessageID: clientMessageID}
	var messageID sql.NullString
	err := s.db.QueryRow(
		`SELECT sender_id, message_id, received_at FROM message_receipts WHERE session_id = $1 AND client_message_id = $2`,
		sessionID, clientMessageID,
	).Scan(&r.SenderID, &messageID, &r.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageReceipt{}, fmt.Errorf("receipt %s/%s: %w", sessionID, clientMessageID, models.ErrNotFound)
	}
	if err != nil {
		return MessageReceipt{}, fmt.Errorf("lookup receipt failed: %w", err)
	}
	r.MessageID = messageID.String
	return r, nil
}

func (s *PostgresStore) SaveReceipt(r MessageReceipt) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO message_receipts (session_id, client_message_id, sender_id, message_id, received_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, client_message_id) DO NOTHING`,
		r.SessionID, r.ClientMessageID, r.SenderID, r.MessageID, r.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("save receipt failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save receipt rows affected failed: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.SaveReceipt: already recorded", "sessionID", r.SessionID, "clientMessageID", r.ClientMessageID)
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteSessionReceipts(sessionID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM message_receipts WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete receipts failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
