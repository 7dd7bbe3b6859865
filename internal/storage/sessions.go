// Package storage - Channel session records.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionState is how far a session got.
type SessionState string

const (
	SessionStateOpen      SessionState = "open"      // Terms agreed, funding not yet verified
	SessionStateFunded    SessionState = "funded"    // Funding verified, payments flowing
	SessionStateSettled   SessionState = "settled"   // Latest payment finalized
	SessionStateBroadcast SessionState = "broadcast" // Funding and payment handed to the network
	SessionStateFailed    SessionState = "failed"
)

// Session is one channel's lifecycle.
type Session struct {
	ID      string
	Network string

	PayerPubKey string // Hex-encoded compressed pubkey
	PayeePubKey string // Hex-encoded compressed pubkey

	Capacity       int64
	RefundSequence uint32
	FundingAddress string

	FundingTxID string
	FundingVout uint32

	State SessionState
	Sent  int64

	CreatedAt time.Time
	UpdatedAt *time.Time
}

// CreateSession records a new session.
func (s *Storage) CreateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.State == "" {
		sess.State = SessionStateOpen
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (
			id, network, payer_pubkey, payee_pubkey, capacity, refund_sequence,
			funding_address, state, sent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, sess.Network, sess.PayerPubKey, sess.PayeePubKey,
		sess.Capacity, sess.RefundSequence, sess.FundingAddress,
		sess.State, sess.Sent, sess.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// SetSessionFunding records the verified funding outpoint and moves the
// session to funded.
func (s *Storage) SetSessionFunding(id, txid string, vout uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sessions SET funding_txid = ?, funding_vout = ?, state = ?, updated_at = ?
		WHERE id = ?
	`, txid, vout, SessionStateFunded, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update session funding: %w", err)
	}

	return requireRow(res, ErrSessionNotFound)
}

// UpdateSessionState sets a session's state and cumulative payment.
func (s *Storage) UpdateSessionState(id string, state SessionState, sent int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sessions SET state = ?, sent = ?, updated_at = ? WHERE id = ?
	`, state, sent, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	return requireRow(res, ErrSessionNotFound)
}

// GetSession retrieves a session by ID.
func (s *Storage) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(sessionSelect+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return sess, nil
}

// ListSessions returns the most recent sessions first. A limit of zero
// returns all of them.
func (s *Storage) ListSessions(limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(sessionSelect+" ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

const sessionSelect = `
	SELECT id, network, payer_pubkey, payee_pubkey, capacity, refund_sequence,
		funding_address, funding_txid, funding_vout, state, sent, created_at, updated_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var fundingTxID sql.NullString
	var fundingVout, updatedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&sess.ID, &sess.Network, &sess.PayerPubKey, &sess.PayeePubKey,
		&sess.Capacity, &sess.RefundSequence, &sess.FundingAddress,
		&fundingTxID, &fundingVout, &sess.State, &sess.Sent,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	if fundingTxID.Valid {
		sess.FundingTxID = fundingTxID.String
	}
	if fundingVout.Valid {
		sess.FundingVout = uint32(fundingVout.Int64)
	}
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		sess.UpdatedAt = &t
	}

	return &sess, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
