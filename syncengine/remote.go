package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/solanaverse/points-engine/points"
)

// Row is one record of the remote points table:
//
//	points(user_id, alpha_points, reward_points, platform_balance, last_updated)
type Row struct {
	UserID          string    `json:"user_id"`
	AlphaPoints     int64     `json:"alpha_points"`
	RewardPoints    int64     `json:"reward_points"`
	PlatformBalance int64     `json:"platform_balance"`
	LastUpdated     time.Time `json:"last_updated"`
}

func RowFromPoints(p points.PointsData) Row {
	return Row{
		UserID:          p.UserID,
		AlphaPoints:     p.Alpha,
		RewardPoints:    p.Rewards,
		PlatformBalance: p.Balance,
		LastUpdated:     p.LastUpdated.UTC(),
	}
}

func (r Row) ToPoints() points.PointsData {
	return points.PointsData{
		UserID:      r.UserID,
		Alpha:       r.AlphaPoints,
		Rewards:     r.RewardPoints,
		Balance:     r.PlatformBalance,
		LastUpdated: r.LastUpdated.UTC(),
	}
}

// RemoteStore is the remote persistence capability the engine needs.
// Implementations: MemoryRemote, store/postgres.Remote.
type RemoteStore interface {
	// Upsert writes row keyed by UserID.
	Upsert(ctx context.Context, row Row) error

	// FetchOne returns found=false when the user has no row.
	FetchOne(ctx context.Context, userID string) (row Row, found bool, err error)

	// Subscribe calls onChange for every remote change to userID's row
	// until the returned function is called.
	Subscribe(ctx context.Context, userID string, onChange func(Row)) (unsubscribe func(), err error)
}

// =============================================================================
// MEMORY REMOTE - In-memory implementation (for testing/dev)
// =============================================================================

var ErrInjectedFailure = errors.New("injected remote failure")

// MemoryRemote keeps rows in memory and notifies subscribers on Upsert.
// Failures can be injected to exercise retry and circuit-breaker paths.
type MemoryRemote struct {
	mu          sync.Mutex
	rows        map[string]Row
	subs        map[string]map[int]func(Row)
	nextSub     int
	failing     bool
	failNext    int
	upsertCalls int
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		rows: make(map[string]Row),
		subs: make(map[string]map[int]func(Row)),
	}
}

// SetFailing makes every call fail until reset.
func (m *MemoryRemote) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// FailNext makes the next n calls fail.
func (m *MemoryRemote) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *MemoryRemote) UpsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertCalls
}

func (m *MemoryRemote) failLocked() error {
	if m.failing {
		return ErrInjectedFailure
	}
	if m.failNext > 0 {
		m.failNext--
		return ErrInjectedFailure
	}
	return nil
}

func (m *MemoryRemote) Upsert(_ context.Context, row Row) error {
	m.mu.Lock()
	m.upsertCalls++
	if err := m.failLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.rows[row.UserID] = row
	listeners := make([]func(Row), 0, len(m.subs[row.UserID]))
	for _, fn := range m.subs[row.UserID] {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(row)
	}
	return nil
}

func (m *MemoryRemote) FetchOne(_ context.Context, userID string) (Row, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(); err != nil {
		return Row{}, false, err
	}
	row, ok := m.rows[userID]
	return row, ok, nil
}

func (m *MemoryRemote) Subscribe(_ context.Context, userID string, onChange func(Row)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[int]func(Row))
	}
	m.nextSub++
	id := m.nextSub
	m.subs[userID][id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[userID], id)
		})
	}, nil
}
