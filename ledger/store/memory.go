// Package store provides ledger store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesaflow/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu               sync.RWMutex
	wallets          map[ledger.WalletID]ledger.Wallet
	walletsByPartner map[ledger.PartnerID]ledger.WalletID
	transactions     map[ledger.WalletID][]ledger.Transaction
	refs             map[refKey]ledger.TransactionID
	partners         map[ledger.PartnerID]ledger.Partner
	seq              int64
}

type refKey struct {
	WalletID ledger.WalletID
	Ref      string
}

func NewMemory() *Memory {
	return &Memory{
		wallets:          make(map[ledger.WalletID]ledger.Wallet),
		walletsByPartner: make(map[ledger.PartnerID]ledger.WalletID),
		transactions:     make(map[ledger.WalletID][]ledger.Transaction),
		refs:             make(map[refKey]ledger.TransactionID),
		partners:         make(map[ledger.PartnerID]ledger.Partner),
	}
}

// =============================================================================
// WALLET STORE
// =============================================================================

func (m *Memory) CreateWallet(_ context.Context, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createWalletLocked(w)
}

func (m *Memory) createWalletLocked(w ledger.Wallet) error {
	m.wallets[w.ID] = w
	m.walletsByPartner[w.PartnerID] = w.ID
	return nil
}

func (m *Memory) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(id)
}

func (m *Memory) getWalletLocked(id ledger.WalletID) (*ledger.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	cp := w
	return &cp, nil
}

func (m *Memory) GetWalletByPartner(_ context.Context, partnerID ledger.PartnerID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletByPartnerLocked(partnerID)
}

func (m *Memory) getWalletByPartnerLocked(partnerID ledger.PartnerID) (*ledger.Wallet, error) {
	id, ok := m.walletsByPartner[partnerID]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	return m.getWalletLocked(id)
}

func (m *Memory) UpdateBalance(_ context.Context, id ledger.WalletID, balance ledger.Money, lastTopUpAt *time.Time, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBalanceLocked(id, balance, lastTopUpAt, expectedVersion)
}

func (m *Memory) updateBalanceLocked(id ledger.WalletID, balance ledger.Money, lastTopUpAt *time.Time, expectedVersion int64) error {
	w, ok := m.wallets[id]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if w.Version != expectedVersion {
		return ledger.ErrConcurrencyConflict
	}
	w.Balance = balance
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	if lastTopUpAt != nil {
		t := *lastTopUpAt
		w.LastTopUpAt = &t
	}
	m.wallets[id] = w
	return nil
}

func (m *Memory) ListWallets(_ context.Context) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx ledger.Transaction) error {
	k := refKey{WalletID: tx.WalletID, Ref: tx.ExternalReference}
	if existing, ok := m.refs[k]; ok {
		return &ledger.DuplicateReferenceError{
			WalletID:          tx.WalletID,
			ExternalReference: tx.ExternalReference,
			ExistingTxID:      existing,
		}
	}

	m.seq++
	tx.Seq = m.seq
	m.transactions[tx.WalletID] = append(m.transactions[tx.WalletID], tx)
	m.refs[k] = tx.ID
	return nil
}

func (m *Memory) FindByReference(_ context.Context, walletID ledger.WalletID, ref string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByReferenceLocked(walletID, ref)
}

func (m *Memory) findByReferenceLocked(walletID ledger.WalletID, ref string) (*ledger.Transaction, error) {
	id, ok := m.refs[refKey{WalletID: walletID, Ref: ref}]
	if !ok {
		return nil, nil
	}
	for _, tx := range m.transactions[walletID] {
		if tx.ID == id {
			cp := tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListTransactions(_ context.Context, walletID ledger.WalletID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(walletID, filter)
}

func (m *Memory) listLocked(walletID ledger.WalletID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var matched []ledger.Transaction
	for _, tx := range m.transactions[walletID] {
		if !matchesFilter(tx, filter) {
			continue
		}
		matched = append(matched, tx)
	}

	// Newest first by DB-assigned sequence.
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq > matched[j].Seq })

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset >= len(matched) {
		return []ledger.Transaction{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := make([]ledger.Transaction, end-offset)
	copy(page, matched[offset:end])
	return page, nil
}

func matchesFilter(tx ledger.Transaction, filter ledger.TransactionFilter) bool {
	if len(filter.Types) > 0 && !containsType(filter.Types, tx.Type) {
		return false
	}
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, tx.Status) {
		return false
	}
	return true
}

func containsType(ts []ledger.TransactionType, t ledger.TransactionType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []ledger.TransactionStatus, s ledger.TransactionStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) SumCompleted(_ context.Context, walletID ledger.WalletID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumCompletedLocked(walletID)
}

func (m *Memory) sumCompletedLocked(walletID ledger.WalletID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, tx := range m.transactions[walletID] {
		if tx.Status == ledger.StatusCompleted {
			sum = sum.Add(tx.Amount.Value)
		}
	}
	return sum, nil
}

// =============================================================================
// PARTNER STORE
// =============================================================================

func (m *Memory) CreatePartner(_ context.Context, p ledger.Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partners[p.ID] = p
	return nil
}

func (m *Memory) GetPartner(_ context.Context, id ledger.PartnerID) (*ledger.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPartnerLocked(id)
}

func (m *Memory) getPartnerLocked(id ledger.PartnerID) (*ledger.Partner, error) {
	p, ok := m.partners[id]
	if !ok {
		return nil, ledger.ErrPartnerNotFound
	}
	cp := p
	return &cp, nil
}

func (m *Memory) ResolvePartnerByShortCode(_ context.Context, shortCode string) (*ledger.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveShortCodeLocked(shortCode)
}

func (m *Memory) resolveShortCodeLocked(shortCode string) (*ledger.Partner, error) {
	for _, p := range m.partners {
		if p.ShortCode == shortCode && p.Active {
			cp := p
			return &cp, nil
		}
	}
	return nil, ledger.ErrPartnerNotFound
}

func (m *Memory) ListPartners(_ context.Context) ([]ledger.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Partner, 0, len(m.partners))
	for _, p := range m.partners {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) DeactivatePartner(_ context.Context, id ledger.PartnerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok {
		return ledger.ErrPartnerNotFound
	}
	p.Active = false
	m.partners[id] = p
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error;
// the store lock is held for the whole unit, so concurrent WithTx calls
// serialize like database transactions on the same rows would.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txMemoryView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) snapshot() memorySnapshot {
	walletsCopy := make(map[ledger.WalletID]ledger.Wallet, len(m.wallets))
	for k, v := range m.wallets {
		walletsCopy[k] = v
	}
	byPartnerCopy := make(map[ledger.PartnerID]ledger.WalletID, len(m.walletsByPartner))
	for k, v := range m.walletsByPartner {
		byPartnerCopy[k] = v
	}
	txsCopy := make(map[ledger.WalletID][]ledger.Transaction, len(m.transactions))
	for k, v := range m.transactions {
		txsCopy[k] = append([]ledger.Transaction{}, v...)
	}
	refsCopy := make(map[refKey]ledger.TransactionID, len(m.refs))
	for k, v := range m.refs {
		refsCopy[k] = v
	}
	partnersCopy := make(map[ledger.PartnerID]ledger.Partner, len(m.partners))
	for k, v := range m.partners {
		partnersCopy[k] = v
	}
	return memorySnapshot{
		wallets:          walletsCopy,
		walletsByPartner: byPartnerCopy,
		transactions:     txsCopy,
		refs:             refsCopy,
		partners:         partnersCopy,
		seq:              m.seq,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.wallets = s.wallets
	m.walletsByPartner = s.walletsByPartner
	m.transactions = s.transactions
	m.refs = s.refs
	m.partners = s.partners
	m.seq = s.seq
}

type memorySnapshot struct {
	wallets          map[ledger.WalletID]ledger.Wallet
	walletsByPartner map[ledger.PartnerID]ledger.WalletID
	transactions     map[ledger.WalletID][]ledger.Transaction
	refs             map[refKey]ledger.TransactionID
	partners         map[ledger.PartnerID]ledger.Partner
	seq              int64
}

// txMemoryView routes Store calls back to the parent without re-locking.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateWallet(_ context.Context, w ledger.Wallet) error {
	return tv.parent.createWalletLocked(w)
}

func (tv *txMemoryView) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return tv.parent.getWalletLocked(id)
}

func (tv *txMemoryView) GetWalletByPartner(_ context.Context, partnerID ledger.PartnerID) (*ledger.Wallet, error) {
	return tv.parent.getWalletByPartnerLocked(partnerID)
}

func (tv *txMemoryView) UpdateBalance(_ context.Context, id ledger.WalletID, balance ledger.Money, lastTopUpAt *time.Time, expectedVersion int64) error {
	return tv.parent.updateBalanceLocked(id, balance, lastTopUpAt, expectedVersion)
}

func (tv *txMemoryView) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	result := make([]ledger.Wallet, 0, len(tv.parent.wallets))
	for _, w := range tv.parent.wallets {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) FindByReference(_ context.Context, walletID ledger.WalletID, ref string) (*ledger.Transaction, error) {
	return tv.parent.findByReferenceLocked(walletID, ref)
}

func (tv *txMemoryView) ListTransactions(_ context.Context, walletID ledger.WalletID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return tv.parent.listLocked(walletID, filter)
}

func (tv *txMemoryView) SumCompleted(_ context.Context, walletID ledger.WalletID) (decimal.Decimal, error) {
	return tv.parent.sumCompletedLocked(walletID)
}

func (tv *txMemoryView) CreatePartner(_ context.Context, p ledger.Partner) error {
	tv.parent.partners[p.ID] = p
	return nil
}

func (tv *txMemoryView) GetPartner(_ context.Context, id ledger.PartnerID) (*ledger.Partner, error) {
	return tv.parent.getPartnerLocked(id)
}

func (tv *txMemoryView) ResolvePartnerByShortCode(_ context.Context, shortCode string) (*ledger.Partner, error) {
	return tv.parent.resolveShortCodeLocked(shortCode)
}

func (tv *txMemoryView) ListPartners(ctx context.Context) ([]ledger.Partner, error) {
	result := make([]ledger.Partner, 0, len(tv.parent.partners))
	for _, p := range tv.parent.partners {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tv *txMemoryView) DeactivatePartner(_ context.Context, id ledger.PartnerID) error {
	p, ok := tv.parent.partners[id]
	if !ok {
		return ledger.ErrPartnerNotFound
	}
	p.Active = false
	tv.parent.partners[id] = p
	return nil
}
