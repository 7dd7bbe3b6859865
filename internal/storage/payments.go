// Package storage - Payment and transaction records.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Payment and transaction errors
var (
	ErrPaymentOutOfOrder = errors.New("payment total does not exceed the previous one")
	ErrTxNotFound        = errors.New("transaction not found")
)

// Payment is one accepted incremental payment.
type Payment struct {
	SessionID string
	Seq       int

	Amount int64 // This payment's increment
	Total  int64 // Cumulative amount after it
	Fee    int64

	PSBT string

	CreatedAt time.Time
}

// TxKind names the role of a journaled transaction.
type TxKind string

const (
	TxKindFunding TxKind = "funding"
	TxKindPayment TxKind = "payment"
	TxKindRefund  TxKind = "refund"
)

// Transaction is a final transaction produced by a session.
type Transaction struct {
	TxID        string
	SessionID   string
	Kind        TxKind
	Raw         string
	CreatedAt   time.Time
	BroadcastAt *time.Time
}

// RecordPayment appends a payment to its session. Sequence numbers are
// assigned in order and totals must strictly increase.
func (s *Storage) RecordPayment(p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSeq sql.NullInt64
	var lastTotal sql.NullInt64
	err = tx.QueryRow(`
		SELECT seq, total FROM payments WHERE session_id = ? ORDER BY seq DESC LIMIT 1
	`, p.SessionID).Scan(&lastSeq, &lastTotal)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read last payment: %w", err)
	}
	if lastTotal.Valid && p.Total <= lastTotal.Int64 {
		return fmt.Errorf("%w: %d after %d", ErrPaymentOutOfOrder, p.Total, lastTotal.Int64)
	}

	p.Seq = int(lastSeq.Int64) + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err = tx.Exec(`
		INSERT INTO payments (session_id, seq, amount, total, fee, psbt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.SessionID, p.Seq, p.Amount, p.Total, p.Fee, p.PSBT, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}

	if _, err := tx.Exec(`UPDATE sessions SET sent = ?, updated_at = ? WHERE id = ?`,
		p.Total, p.CreatedAt.Unix(), p.SessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	return tx.Commit()
}

// GetPayments returns a session's payments in order.
func (s *Storage) GetPayments(sessionID string) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_id, seq, amount, total, fee, psbt, created_at
		FROM payments WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		var p Payment
		var createdAt int64
		if err := rows.Scan(&p.SessionID, &p.Seq, &p.Amount, &p.Total, &p.Fee, &p.PSBT, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		payments = append(payments, &p)
	}

	return payments, rows.Err()
}

// SaveTransaction records a final transaction. Saving the same txid again
// is a no-op.
func (s *Storage) SaveTransaction(t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO transactions (txid, session_id, kind, raw, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(txid) DO NOTHING
	`, t.TxID, t.SessionID, t.Kind, t.Raw, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	return nil
}

// MarkBroadcast stamps a transaction as handed to the network.
func (s *Storage) MarkBroadcast(txid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE transactions SET broadcast_at = ? WHERE txid = ?`,
		time.Now().Unix(), txid)
	if err != nil {
		return fmt.Errorf("failed to mark broadcast: %w", err)
	}

	return requireRow(res, ErrTxNotFound)
}

// GetTransactions returns a session's transactions in the order saved.
func (s *Storage) GetTransactions(sessionID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid, session_id, kind, raw, created_at, broadcast_at
		FROM transactions WHERE session_id = ? ORDER BY rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		var t Transaction
		var createdAt int64
		var broadcastAt sql.NullInt64
		if err := rows.Scan(&t.TxID, &t.SessionID, &t.Kind, &t.Raw, &createdAt, &broadcastAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		if broadcastAt.Valid {
			bt := time.Unix(broadcastAt.Int64, 0)
			t.BroadcastAt = &bt
		}
		txs = append(txs, &t)
	}

	return txs, rows.Err()
}
