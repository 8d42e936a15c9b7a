/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.TxStore and processor.Store using SQLite. Used for
  development and tests; store/postgres carries the same schema and
  semantics for production.

INTERFACES IMPLEMENTED:
  ledger.TxStore:  Wallets, transactions, partners, atomic units
  processor.Store: Collections, disbursements, SMS log, audit runs

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE ever touches the transactions table. Corrections are
  reversal rows.

IDEMPOTENCY:
  UNIQUE(wallet_id, external_reference) on transactions. The constraint
  violation is surfaced as ledger.DuplicateReferenceError - the replay
  signal - rather than being pre-checked, so there is no check-then-insert
  window.

ORDERING:
  transactions.seq is AUTOINCREMENT and totally orders entries; listings
  sort by seq, never by wall-clock timestamps.

CONCURRENCY:
  Wallet balance writes are version-checked (optimistic locking). The
  package-level mutex serializes writers the way SQLite's single-writer
  model does anyway; PostgreSQL drops the mutex and leans on MVCC.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/payops.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  wallets := ledger.NewWalletService(st)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface contracts
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/pesaflow/ledger-engine/ledger"
	"github.com/pesaflow/ledger-engine/processor"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Partners (tenants; deactivated, never deleted)
	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		short_code TEXT NOT NULL UNIQUE,
		contact_msisdn TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		credentials_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Wallets (one per partner; version column backs optimistic locking)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		low_balance_threshold TEXT NOT NULL,
		last_topup_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger; seq assigns the total order)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL,
		external_reference TEXT NOT NULL,
		metadata_json TEXT,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(wallet_id, external_reference)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet_seq
		ON transactions(wallet_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_wallet_status
		ON transactions(wallet_id, status);

	-- Collections (inbound payments; parked rows stay 'unallocated')
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		external_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		payer_msisdn TEXT,
		account_reference TEXT,
		partner_id TEXT,
		status TEXT NOT NULL,
		occurred_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(channel, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_collections_status
		ON collections(status);

	-- Disbursement requests (debit intents)
	CREATE TABLE IF NOT EXISTS disbursements (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		recipient_msisdn TEXT NOT NULL,
		status TEXT NOT NULL,
		conversation_id TEXT,
		result_code INTEGER,
		result_description TEXT,
		receipt_number TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_disbursements_partner
		ON disbursements(partner_id, created_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_disbursements_conversation
		ON disbursements(conversation_id)
		WHERE conversation_id IS NOT NULL AND conversation_id != '';

	-- SMS notification log
	CREATE TABLE IF NOT EXISTS sms_messages (
		id TEXT PRIMARY KEY,
		partner_id TEXT,
		sender_id TEXT,
		msisdn TEXT NOT NULL,
		body TEXT NOT NULL,
		message_id TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sms_message_id
		ON sms_messages(message_id) WHERE message_id IS NOT NULL;

	-- Reconciliation audit runs
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		cached TEXT,
		recomputed TEXT,
		drift TEXT,
		currency TEXT,
		consistent BOOLEAN,
		status TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_wallet
		ON reconciliation_runs(wallet_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERY EXECUTION - Shared between *sql.DB and *sql.Tx
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store against any execer, so the same code
// serves both direct calls and WithTx units.
type queries struct {
	db execer
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// WALLET STORE (ledger.WalletStore)
// =============================================================================

func (q queries) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wallets
		(id, partner_id, balance, currency, low_balance_threshold, last_topup_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.PartnerID,
		w.Balance.Value.String(),
		w.Currency,
		w.LowBalanceThreshold.Value.String(),
		nullTime(w.LastTopUpAt),
		w.Version,
		w.CreatedAt.UTC().Format(time.RFC3339Nano),
		w.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

const walletColumns = `id, partner_id, balance, currency, low_balance_threshold, last_topup_at, version, created_at, updated_at`

func (q queries) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	return w, err
}

func (q queries) GetWalletByPartner(ctx context.Context, partnerID ledger.PartnerID) (*ledger.Wallet, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE partner_id = ?`, partnerID)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	return w, err
}

func (q queries) UpdateBalance(ctx context.Context, id ledger.WalletID, balance ledger.Money, lastTopUpAt *time.Time, expectedVersion int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = ?,
		    last_topup_at = COALESCE(?, last_topup_at),
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND version = ?`,
		balance.Value.String(),
		nullTime(lastTopUpAt),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the wallet is gone or the version moved under us.
		if _, err := q.GetWallet(ctx, id); err != nil {
			return err
		}
		return ledger.ErrConcurrencyConflict
	}
	return nil
}

func (q queries) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*ledger.Wallet, error) {
	var (
		w                  ledger.Wallet
		balance, threshold string
		lastTopUp          sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&w.ID, &w.PartnerID, &balance, &w.Currency, &threshold, &lastTopUp, &w.Version, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	w.Balance = ledger.Money{Value: mustDecimal(balance), Currency: w.Currency}
	w.LowBalanceThreshold = ledger.Money{Value: mustDecimal(threshold), Currency: w.Currency}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updated)
	if lastTopUp.Valid {
		t := parseTime(lastTopUp.String)
		w.LastTopUpAt = &t
	}
	return &w, nil
}

// =============================================================================
// TRANSACTION STORE (ledger.TransactionStore)
// =============================================================================

func (q queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, wallet_id, amount, currency, tx_type, status, external_reference, metadata_json, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.WalletID,
		tx.Amount.Value.String(),
		tx.Amount.Currency,
		tx.Type,
		tx.Status,
		tx.ExternalReference,
		string(metadataJSON),
		tx.BalanceAfter.Value.String(),
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, lookupErr := q.FindByReference(ctx, tx.WalletID, tx.ExternalReference)
			dup := &ledger.DuplicateReferenceError{
				WalletID:          tx.WalletID,
				ExternalReference: tx.ExternalReference,
			}
			if lookupErr == nil && existing != nil {
				dup.ExistingTxID = existing.ID
			}
			return dup
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const txColumns = `seq, id, wallet_id, amount, currency, tx_type, status, external_reference, metadata_json, balance_after, created_at`

func (q queries) FindByReference(ctx context.Context, walletID ledger.WalletID, ref string) (*ledger.Transaction, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE wallet_id = ? AND external_reference = ?`,
		walletID, ref)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

func (q queries) ListTransactions(ctx context.Context, walletID ledger.WalletID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE wallet_id = ?`
	args := []any{walletID}

	if len(filter.Types) > 0 {
		query += ` AND tx_type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	return result, rows.Err()
}

func (q queries) SumCompleted(ctx context.Context, walletID ledger.WalletID) (decimal.Decimal, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT amount FROM transactions WHERE wallet_id = ? AND status = ?`,
		walletID, ledger.StatusCompleted)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	// Sum in decimal, not in SQL: amounts are stored as exact strings and
	// must never round-trip through floats.
	sum := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(mustDecimal(amount))
	}
	return sum, rows.Err()
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		tx                    ledger.Transaction
		amount, currency      string
		metadataJSON          sql.NullString
		balanceAfter, created string
	)
	err := row.Scan(&tx.Seq, &tx.ID, &tx.WalletID, &amount, &currency, &tx.Type, &tx.Status,
		&tx.ExternalReference, &metadataJSON, &balanceAfter, &created)
	if err != nil {
		return nil, err
	}

	tx.Amount = ledger.Money{Value: mustDecimal(amount), Currency: currency}
	tx.BalanceAfter = ledger.Money{Value: mustDecimal(balanceAfter), Currency: currency}
	tx.CreatedAt = parseTime(created)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}
	return &tx, nil
}

// =============================================================================
// PARTNER STORE (ledger.PartnerStore)
// =============================================================================

func (q queries) CreatePartner(ctx context.Context, p ledger.Partner) error {
	credsJSON, _ := json.Marshal(p.Credentials)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO partners (id, name, short_code, contact_msisdn, active, credentials_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.ShortCode, p.ContactMSISDN, p.Active, string(credsJSON),
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create partner: %w", err)
	}
	return nil
}

const partnerColumns = `id, name, short_code, contact_msisdn, active, credentials_json, created_at`

func (q queries) GetPartner(ctx context.Context, id ledger.PartnerID) (*ledger.Partner, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE id = ?`, id)
	p, err := scanPartner(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrPartnerNotFound
	}
	return p, err
}

func (q queries) ResolvePartnerByShortCode(ctx context.Context, shortCode string) (*ledger.Partner, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE short_code = ? AND active = TRUE`, shortCode)
	p, err := scanPartner(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrPartnerNotFound
	}
	return p, err
}

func (q queries) ListPartners(ctx context.Context) ([]ledger.Partner, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+partnerColumns+` FROM partners ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (q queries) DeactivatePartner(ctx context.Context, id ledger.PartnerID) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE partners SET active = FALSE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrPartnerNotFound
	}
	return nil
}

func scanPartner(row rowScanner) (*ledger.Partner, error) {
	var (
		p         ledger.Partner
		credsJSON sql.NullString
		created   string
	)
	err := row.Scan(&p.ID, &p.Name, &p.ShortCode, &p.ContactMSISDN, &p.Active, &credsJSON, &created)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	if credsJSON.Valid && credsJSON.String != "" {
		_ = json.Unmarshal([]byte(credsJSON.String), &p.Credentials)
	}
	return &p, nil
}

// =============================================================================
// STORE FACADE - Locked delegation to queries
// =============================================================================

func (s *Store) q() queries { return queries{db: s.db} }

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().CreateWallet(ctx, w)
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetWallet(ctx, id)
}

func (s *Store) GetWalletByPartner(ctx context.Context, partnerID ledger.PartnerID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetWalletByPartner(ctx, partnerID)
}

func (s *Store) UpdateBalance(ctx context.Context, id ledger.WalletID, balance ledger.Money, lastTopUpAt *time.Time, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().UpdateBalance(ctx, id, balance, lastTopUpAt, expectedVersion)
}

func (s *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListWallets(ctx)
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().AppendTransaction(ctx, tx)
}

func (s *Store) FindByReference(ctx context.Context, walletID ledger.WalletID, ref string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().FindByReference(ctx, walletID, ref)
}

func (s *Store) ListTransactions(ctx context.Context, walletID ledger.WalletID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListTransactions(ctx, walletID, filter)
}

func (s *Store) SumCompleted(ctx context.Context, walletID ledger.WalletID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().SumCompleted(ctx, walletID)
}

func (s *Store) CreatePartner(ctx context.Context, p ledger.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().CreatePartner(ctx, p)
}

func (s *Store) GetPartner(ctx context.Context, id ledger.PartnerID) (*ledger.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetPartner(ctx, id)
}

func (s *Store) ResolvePartnerByShortCode(ctx context.Context, shortCode string) (*ledger.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ResolvePartnerByShortCode(ctx, shortCode)
}

func (s *Store) ListPartners(ctx context.Context) ([]ledger.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListPartners(ctx)
}

func (s *Store) DeactivatePartner(ctx context.Context, id ledger.PartnerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().DeactivatePartner(ctx, id)
}

// WithTx executes fn within a database transaction. The write lock is held
// for the whole unit; SQLite is single-writer regardless.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// COLLECTION STORE (processor.CollectionStore)
// =============================================================================

func (s *Store) SaveCollection(ctx context.Context, rec processor.CollectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections
		(id, channel, external_id, amount, currency, payer_msisdn, account_reference, partner_id, status, occurred_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partner_id = excluded.partner_id,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Channel, rec.ExternalID,
		rec.Amount.Value.String(), rec.Amount.Currency,
		rec.PayerMSISDN, rec.AccountReference, rec.PartnerID, rec.Status,
		rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save collection: %w", err)
	}
	return nil
}

const collectionColumns = `id, channel, external_id, amount, currency, payer_msisdn, account_reference, partner_id, status, occurred_at, created_at, updated_at`

func (s *Store) GetCollection(ctx context.Context, id string) (*processor.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id)
	rec, err := scanCollection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *Store) GetCollectionByExternalID(ctx context.Context, channel processor.CollectionChannel, externalID string) (*processor.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE channel = ? AND external_id = ?`,
		channel, externalID)
	rec, err := scanCollection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *Store) ListUnallocatedCollections(ctx context.Context) ([]processor.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE status = ? ORDER BY created_at`,
		processor.CollectionUnallocated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []processor.CollectionRecord{}
	for rows.Next() {
		rec, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

func scanCollection(row rowScanner) (*processor.CollectionRecord, error) {
	var (
		rec                          processor.CollectionRecord
		amount, currency             string
		payer, accountRef, partnerID sql.NullString
		occurred, created, updated   string
	)
	err := row.Scan(&rec.ID, &rec.Channel, &rec.ExternalID, &amount, &currency,
		&payer, &accountRef, &partnerID, &rec.Status, &occurred, &created, &updated)
	if err != nil {
		return nil, err
	}

	rec.Amount = ledger.Money{Value: mustDecimal(amount), Currency: currency}
	rec.PayerMSISDN = payer.String
	rec.AccountReference = accountRef.String
	rec.PartnerID = ledger.PartnerID(partnerID.String)
	rec.OccurredAt = parseTime(occurred)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

// =============================================================================
// DISBURSEMENT STORE (processor.DisbursementStore)
// =============================================================================

func (s *Store) SaveDisbursement(ctx context.Context, req processor.DisbursementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disbursements
		(id, partner_id, amount, currency, recipient_msisdn, status, conversation_id, result_code, result_description, receipt_number, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			conversation_id = excluded.conversation_id,
			result_code = excluded.result_code,
			result_description = excluded.result_description,
			receipt_number = excluded.receipt_number,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		req.ID, req.PartnerID,
		req.Amount.Value.String(), req.Amount.Currency,
		req.RecipientMSISDN, req.Status, req.ConversationID,
		nullInt(req.ResultCode), req.ResultDescription, req.ReceiptNumber, req.RetryCount,
		req.CreatedAt.UTC().Format(time.RFC3339Nano),
		req.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save disbursement: %w", err)
	}
	return nil
}

const disbursementColumns = `id, partner_id, amount, currency, recipient_msisdn, status, conversation_id, result_code, result_description, receipt_number, retry_count, created_at, updated_at`

func (s *Store) GetDisbursement(ctx context.Context, id string) (*processor.DisbursementRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE id = ?`, id)
	req, err := scanDisbursement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (s *Store) GetDisbursementByConversationID(ctx context.Context, conversationID string) (*processor.DisbursementRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE conversation_id = ?`, conversationID)
	req, err := scanDisbursement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (s *Store) ListDisbursementsByPartner(ctx context.Context, partnerID ledger.PartnerID) ([]processor.DisbursementRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE partner_id = ? ORDER BY created_at DESC`,
		partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []processor.DisbursementRequest{}
	for rows.Next() {
		req, err := scanDisbursement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

func scanDisbursement(row rowScanner) (*processor.DisbursementRequest, error) {
	var (
		req               processor.DisbursementRequest
		amount, currency  string
		conversationID    sql.NullString
		resultCode        sql.NullInt64
		resultDescription sql.NullString
		receiptNumber     sql.NullString
		created, updated  string
	)
	err := row.Scan(&req.ID, &req.PartnerID, &amount, &currency, &req.RecipientMSISDN,
		&req.Status, &conversationID, &resultCode, &resultDescription, &receiptNumber,
		&req.RetryCount, &created, &updated)
	if err != nil {
		return nil, err
	}

	req.Amount = ledger.Money{Value: mustDecimal(amount), Currency: currency}
	req.ConversationID = conversationID.String
	req.ResultDescription = resultDescription.String
	req.ReceiptNumber = receiptNumber.String
	if resultCode.Valid {
		rc := int(resultCode.Int64)
		req.ResultCode = &rc
	}
	req.CreatedAt = parseTime(created)
	req.UpdatedAt = parseTime(updated)
	return &req, nil
}

// =============================================================================
// SMS STORE (processor.SMSStore)
// =============================================================================

func (s *Store) SaveSMSMessage(ctx context.Context, msg processor.SMSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sms_messages
		(id, partner_id, sender_id, msisdn, body, message_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_id = excluded.message_id,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		msg.ID, msg.PartnerID, msg.SenderID, msg.MSISDN, msg.Body, msg.MessageID, msg.Status,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		msg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save sms message: %w", err)
	}
	return nil
}

func (s *Store) UpdateSMSStatus(ctx context.Context, messageID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sms_messages SET status = ?, updated_at = ? WHERE message_id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), messageID)
	return err
}

// =============================================================================
// RUN STORE (processor.RunStore)
// =============================================================================

func (s *Store) SaveReconciliationRun(ctx context.Context, run processor.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, wallet_id, cached, recomputed, drift, currency, consistent, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.WalletID,
		run.Cached.Value.String(), run.Recomputed.Value.String(), run.Drift.Value.String(),
		run.Cached.Currency, run.Consistent, run.Status, run.Error,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]processor.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, cached, recomputed, drift, currency, consistent, status, error, started_at, completed_at
		FROM reconciliation_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []processor.ReconciliationRun{}
	for rows.Next() {
		var (
			run                   processor.ReconciliationRun
			cached, recomp, drift sql.NullString
			currency              sql.NullString
			consistent            sql.NullBool
			errMsg                sql.NullString
			started               string
			completed             sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.WalletID, &cached, &recomp, &drift, &currency,
			&consistent, &run.Status, &errMsg, &started, &completed); err != nil {
			return nil, err
		}
		cur := currency.String
		if cached.Valid {
			run.Cached = ledger.Money{Value: mustDecimal(cached.String), Currency: cur}
		}
		if recomp.Valid {
			run.Recomputed = ledger.Money{Value: mustDecimal(recomp.String), Currency: cur}
		}
		if drift.Valid {
			run.Drift = ledger.Money{Value: mustDecimal(drift.String), Currency: cur}
		}
		run.Consistent = consistent.Bool
		run.Error = errMsg.String
		run.StartedAt = parseTime(started)
		if completed.Valid {
			t := parseTime(completed.String)
			run.CompletedAt = &t
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
