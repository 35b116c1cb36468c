package transactions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/recovery"
	"github.com/Blackdeer1524/BlockDB/src/txns"
)

var ErrActiveTransactions = errors.New("transactions are active")

// Manager hands out transactions. Ids are issued and START records written
// under one mutex, so id order always matches START order in the log.
type Manager struct {
	fs    common.FileStore
	wal   recovery.LogManager
	pool  recovery.BufferPool
	locks *txns.LockTable
	log   src.Logger

	mu     sync.Mutex
	nextID common.TxnID
	active map[common.TxnID]struct{}
}

func NewManager(
	fs common.FileStore,
	lm recovery.LogManager,
	pool recovery.BufferPool,
	locks *txns.LockTable,
	log src.Logger,
) *Manager {
	return &Manager{
		fs:     fs,
		wal:    lm,
		pool:   pool,
		locks:  locks,
		log:    log,
		nextID: 1,
		active: make(map[common.TxnID]struct{}),
	}
}

func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.begin()
}

// begin must be called with m.mu held.
func (m *Manager) begin() (*Transaction, error) {
	id := m.nextID

	rm, err := recovery.New(id, m.wal, m.pool, m.log)
	if err != nil {
		return nil, fmt.Errorf("failed to start txn %d: %w", id, err)
	}

	m.nextID++
	m.active[id] = struct{}{}

	return &Transaction{
		id:          id,
		mgr:         m,
		log:         m.log,
		fs:          m.fs,
		recovery:    rm,
		concurrency: txns.NewConcurrencyManager(id, m.locks),
		buffers:     newBufferList(m.pool),
	}, nil
}

func (m *Manager) forget(id common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, id)
}

// Active returns the ids of unfinished transactions in ascending order.
func (m *Manager) Active() []common.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeLocked()
}

func (m *Manager) activeLocked() []common.TxnID {
	ids := make([]common.TxnID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Recover restores the state left by a crash. It refuses to run while any
// transaction is active.
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.Lock()
	if len(m.active) > 0 {
		m.mu.Unlock()
		return ErrActiveTransactions
	}
	t, err := m.begin()
	m.mu.Unlock()

	if err != nil {
		return err
	}

	err = t.recovery.Recover(ctx)
	t.finish()
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	return nil
}

// Checkpoint writes a non-quiescent checkpoint. Begin blocks until it is
// done; running transactions are not paused.
func (m *Manager) Checkpoint(ctx context.Context) (common.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeLocked()

	lsn, err := recovery.Checkpoint(ctx, m.wal, m.pool, active)
	if err != nil {
		return common.NilLSN, err
	}

	m.log.Infow("checkpoint written", "lsn", lsn, "active", active)
	return lsn, nil
}
