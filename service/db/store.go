// Package db provides the persistent store for wallets, sealed key blobs,
// and transaction lifecycle records, backed by PostgreSQL via pgx.
package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayalabs/defigw/service/chain"
	"github.com/ayalabs/defigw/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBlobExists is returned by PutKeyBlob when a blob already exists
	// for the wallet and force was not set.
	ErrBlobExists = errors.New("key blob already exists")

	// ErrWalletExists is returned when importing an address that is
	// already registered for the chain family.
	ErrWalletExists = errors.New("wallet already exists")
)

// TxState is the stored lifecycle state of a transaction.
type TxState string

const (
	StateSubmitted TxState = "submitted"
	StatePending   TxState = "pending"
	StateConfirmed TxState = "confirmed"
	StateFailed    TxState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s TxState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Wallet is a registered wallet. The address is immutable once created;
// plaintext key material never appears here.
type Wallet struct {
	ID        string
	Address   string
	Family    chain.Family
	Label     *string
	CreatedAt time.Time
}

// KeyBlob is the sealed signing key for one wallet. Version and Algorithm
// describe the sealing format so records survive future re-encryption.
type KeyBlob struct {
	WalletID   string
	Version    int16
	Algorithm  string
	Nonce      []byte
	Ciphertext []byte
	UpdatedAt  time.Time
}

// Transaction is a lifecycle record for a broadcast operation. Rows are
// inserted by the orchestrator in state submitted and mutated only by the
// tracker afterwards.
type Transaction struct {
	ID            string
	WalletID      string
	Chain         string
	Kind          chain.OpKind
	TxHash        *string
	State         TxState
	Metadata      *chain.Receipt
	ErrorDetail   *string
	CreatedAt     time.Time
	LastCheckedAt *time.Time
	CheckAttempts int
	ConfirmedAt   *time.Time
}

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given connection pool. m may be nil;
// recording helpers tolerate it.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// observe records query duration and outcome. Deferred with a pointer so the
// final error value is the one reported.
func (s *Store) observe(operation, table string, start time.Time, err *error) {
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
}

// Migrate applies the embedded schema. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateWalletParams contains the parameters for registering a wallet.
type CreateWalletParams struct {
	Address string
	Family  chain.Family
	Label   *string
}

// CreateWallet registers a wallet. The generated id is returned on the row.
func (s *Store) CreateWallet(ctx context.Context, params CreateWalletParams) (_ *Wallet, err error) {
	defer s.observe("insert", "wallets", time.Now(), &err)

	w := &Wallet{
		ID:      uuid.NewString(),
		Address: params.Address,
		Family:  params.Family,
		Label:   params.Label,
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO wallets (id, address, chain_family, label)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address, chain_family) DO NOTHING
		RETURNING created_at`,
		w.ID, w.Address, string(w.Family), w.Label,
	).Scan(&w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return w, nil
}

// GetWallet retrieves a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id string) (_ *Wallet, err error) {
	defer s.observe("get", "wallets", time.Now(), &err)
	return s.scanWallet(s.pool.QueryRow(ctx, `
		SELECT id, address, chain_family, label, created_at
		FROM wallets WHERE id = $1`, id))
}

// GetWalletByAddress retrieves a wallet by address and chain family.
func (s *Store) GetWalletByAddress(ctx context.Context, address string, family chain.Family) (_ *Wallet, err error) {
	defer s.observe("get_by_address", "wallets", time.Now(), &err)
	return s.scanWallet(s.pool.QueryRow(ctx, `
		SELECT id, address, chain_family, label, created_at
		FROM wallets WHERE address = $1 AND chain_family = $2`, address, string(family)))
}

// ListWallets returns all registered wallets, newest first.
func (s *Store) ListWallets(ctx context.Context) (_ []*Wallet, err error) {
	defer s.observe("list", "wallets", time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		SELECT id, address, chain_family, label, created_at
		FROM wallets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		var w Wallet
		var family string
		if err := rows.Scan(&w.ID, &w.Address, &family, &w.Label, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		w.Family = chain.Family(family)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// DeleteWallet removes a wallet and, via cascade, its key blob.
// Transaction history is retained.
func (s *Store) DeleteWallet(ctx context.Context, id string) (err error) {
	defer s.observe("delete", "wallets", time.Now(), &err)
	tag, err := s.pool.Exec(ctx, `DELETE FROM wallets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	var family string
	err := row.Scan(&w.ID, &w.Address, &family, &w.Label, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	w.Family = chain.Family(family)
	return &w, nil
}

// PutKeyBlob stores the sealed key for a wallet. Overwrites are rejected
// with ErrBlobExists unless force is set, to avoid silent key loss.
func (s *Store) PutKeyBlob(ctx context.Context, blob KeyBlob, force bool) (err error) {
	defer s.observe("put", "key_blobs", time.Now(), &err)

	if force {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO key_blobs (wallet_id, version, algorithm, nonce, ciphertext)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (wallet_id) DO UPDATE
			SET version = EXCLUDED.version, algorithm = EXCLUDED.algorithm,
			    nonce = EXCLUDED.nonce, ciphertext = EXCLUDED.ciphertext,
			    updated_at = now()`,
			blob.WalletID, blob.Version, blob.Algorithm, blob.Nonce, blob.Ciphertext)
		if err != nil {
			return fmt.Errorf("upsert key blob: %w", err)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO key_blobs (wallet_id, version, algorithm, nonce, ciphertext)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet_id) DO NOTHING`,
		blob.WalletID, blob.Version, blob.Algorithm, blob.Nonce, blob.Ciphertext)
	if err != nil {
		return fmt.Errorf("insert key blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobExists
	}
	return nil
}

// GetKeyBlob retrieves the sealed key for a wallet.
func (s *Store) GetKeyBlob(ctx context.Context, walletID string) (_ *KeyBlob, err error) {
	defer s.observe("get", "key_blobs", time.Now(), &err)

	var b KeyBlob
	err = s.pool.QueryRow(ctx, `
		SELECT wallet_id, version, algorithm, nonce, ciphertext, updated_at
		FROM key_blobs WHERE wallet_id = $1`, walletID,
	).Scan(&b.WalletID, &b.Version, &b.Algorithm, &b.Nonce, &b.Ciphertext, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key blob: %w", err)
	}
	return &b, nil
}

// CreateTransactionParams contains the parameters for recording a broadcast.
type CreateTransactionParams struct {
	WalletID string
	Chain    string
	Kind     chain.OpKind
	TxHash   string
	Metadata *chain.Receipt
}

// CreateTransaction inserts a new lifecycle record in state submitted.
// This is the orchestrator's only write to the transactions table.
func (s *Store) CreateTransaction(ctx context.Context, params CreateTransactionParams) (_ *Transaction, err error) {
	defer s.observe("insert", "transactions", time.Now(), &err)

	var metaJSON []byte
	if params.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(params.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	txn := &Transaction{
		ID:       uuid.NewString(),
		WalletID: params.WalletID,
		Chain:    params.Chain,
		Kind:     params.Kind,
		TxHash:   &params.TxHash,
		State:    StateSubmitted,
		Metadata: params.Metadata,
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO transactions (id, wallet_id, chain, op_kind, tx_hash, state, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		txn.ID, txn.WalletID, txn.Chain, string(txn.Kind), params.TxHash, string(StateSubmitted), metaJSON,
	).Scan(&txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return txn, nil
}

// GetTransaction retrieves a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (_ *Transaction, err error) {
	defer s.observe("get", "transactions", time.Now(), &err)
	return s.scanTransaction(s.pool.QueryRow(ctx, `
		SELECT id, wallet_id, chain, op_kind, tx_hash, state, metadata, error_detail,
		       created_at, last_checked_at, check_attempts, confirmed_at
		FROM transactions WHERE id = $1`, id))
}

// ListTransactionsByWallet returns a wallet's transactions, newest first.
func (s *Store) ListTransactionsByWallet(ctx context.Context, walletID string, limit int32) (_ []*Transaction, err error) {
	defer s.observe("list_by_wallet", "transactions", time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet_id, chain, op_kind, tx_hash, state, metadata, error_detail,
		       created_at, last_checked_at, check_attempts, confirmed_at
		FROM transactions WHERE wallet_id = $1
		ORDER BY created_at DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// TransitionTransaction performs a compare-and-set state move: the row is
// updated only if its current state is from. Returns false without error
// when the guard fails, which callers treat as a stale report.
func (s *Store) TransitionTransaction(ctx context.Context, id string, from, to TxState, errDetail *string) (_ bool, err error) {
	defer s.observe("transition", "transactions", time.Now(), &err)

	var confirmedAt any
	if to == StateConfirmed {
		confirmedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET state = $1, error_detail = COALESCE($2, error_detail),
		    confirmed_at = COALESCE($3, confirmed_at)
		WHERE id = $4 AND state = $5`,
		string(to), errDetail, confirmedAt, id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordStatusCheck bumps the polling bookkeeping on a transaction so the
// record reflects tracking progress across process restarts.
func (s *Store) RecordStatusCheck(ctx context.Context, id string, at time.Time) (err error) {
	defer s.observe("record_check", "transactions", time.Now(), &err)
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET last_checked_at = $1, check_attempts = check_attempts + 1
		WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("record status check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenTransactions returns non-terminal transactions whose last status
// check is older than the cutoff (or that were never checked). Used by the
// reconciliation pass to pick up abandoned tracking.
func (s *Store) ListOpenTransactions(ctx context.Context, checkedBefore time.Time, limit int32) (_ []*Transaction, err error) {
	defer s.observe("list_open", "transactions", time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet_id, chain, op_kind, tx_hash, state, metadata, error_detail,
		       created_at, last_checked_at, check_attempts, confirmed_at
		FROM transactions
		WHERE state IN ('submitted', 'pending')
		  AND (last_checked_at IS NULL OR last_checked_at < $1)
		ORDER BY created_at ASC LIMIT $2`, checkedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *Store) scanTransaction(row pgx.Row) (*Transaction, error) {
	var txn Transaction
	var kind, state string
	var metaJSON []byte
	err := row.Scan(&txn.ID, &txn.WalletID, &txn.Chain, &kind, &txn.TxHash, &state, &metaJSON,
		&txn.ErrorDetail, &txn.CreatedAt, &txn.LastCheckedAt, &txn.CheckAttempts, &txn.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	txn.Kind = chain.OpKind(kind)
	txn.State = TxState(state)
	if len(metaJSON) > 0 {
		var receipt chain.Receipt
		if err := json.Unmarshal(metaJSON, &receipt); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		txn.Metadata = &receipt
	}
	return &txn, nil
}
