/*
Package postgres implements syncengine.RemoteStore on PostgreSQL.

PURPOSE:
  The remote store is the authoritative copy of every user's balances.
  Rows live in one table keyed by user_id:

    points(user_id, alpha_points, reward_points, platform_balance, last_updated)

REAL-TIME UPDATES:
  A trigger publishes every inserted or updated row as JSON on the
  points_changed channel. One listener connection per Remote fans
  notifications out to the subscribers of the affected user.

SEE ALSO:
  - syncengine/remote.go: RemoteStore interface and in-memory implementation
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/syncengine"
)

const (
	notifyChannel = "points_changed"
	relistenPause = time.Second
)

type Remote struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu       sync.Mutex
	subs     map[string]map[int]func(syncengine.Row)
	nextSub  int
	stop     context.CancelFunc
	done     chan struct{}
	listenOn bool
}

// New connects, pings and creates the schema.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Remote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	r := &Remote{
		pool:   pool,
		logger: logger.Named("postgres"),
		subs:   make(map[string]map[int]func(syncengine.Row)),
	}
	if err := r.initTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Remote) initTables(ctx context.Context) error {
	var errs []error
	stmts := []string{
		`create table if not exists points (
			user_id TEXT PRIMARY KEY,
			alpha_points BIGINT NOT NULL DEFAULT 0 CHECK (alpha_points >= 0),
			reward_points BIGINT NOT NULL DEFAULT 0 CHECK (reward_points >= 0),
			platform_balance BIGINT NOT NULL DEFAULT 0 CHECK (platform_balance >= 0),
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,

		`create or replace function notify_points_changed() returns trigger as $$
		begin
			perform pg_notify('` + notifyChannel + `', row_to_json(NEW)::text);
			return NEW;
		end;
		$$ language plpgsql;`,

		`drop trigger if exists points_changed on points;`,

		`create trigger points_changed
			after insert or update on points
			for each row execute function notify_points_changed();`,
	}

	// Statements depend on each other; stop at the first failure.
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}

// Close stops the listener and closes the pool.
func (r *Remote) Close() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	r.pool.Close()
}

// =============================================================================
// READ / WRITE
// =============================================================================

func (r *Remote) Upsert(ctx context.Context, row syncengine.Row) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO points (user_id, alpha_points, reward_points, platform_balance, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			alpha_points = EXCLUDED.alpha_points,
			reward_points = EXCLUDED.reward_points,
			platform_balance = EXCLUDED.platform_balance,
			last_updated = EXCLUDED.last_updated`,
		row.UserID, row.AlphaPoints, row.RewardPoints, row.PlatformBalance, row.LastUpdated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert points for %s: %w", row.UserID, err)
	}
	return nil
}

func (r *Remote) FetchOne(ctx context.Context, userID string) (syncengine.Row, bool, error) {
	var row syncengine.Row
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, alpha_points, reward_points, platform_balance, last_updated
		FROM points WHERE user_id = $1`, userID,
	).Scan(&row.UserID, &row.AlphaPoints, &row.RewardPoints, &row.PlatformBalance, &row.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncengine.Row{}, false, nil
	}
	if err != nil {
		return syncengine.Row{}, false, fmt.Errorf("failed to fetch points for %s: %w", userID, err)
	}
	row.LastUpdated = row.LastUpdated.UTC()
	return row, true, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers onChange for userID. The shared listener starts on
// the first call and runs until Close. ctx bounds only the registration.
func (r *Remote) Subscribe(ctx context.Context, userID string, onChange func(syncengine.Row)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.listenOn {
		lctx, cancel := context.WithCancel(context.Background())
		r.stop = cancel
		r.done = make(chan struct{})
		r.listenOn = true
		go r.listen(lctx, r.done)
	}

	if r.subs[userID] == nil {
		r.subs[userID] = make(map[int]func(syncengine.Row))
	}
	id := r.nextSub
	r.nextSub++
	r.subs[userID][id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs[userID], id)
			if len(r.subs[userID]) == 0 {
				delete(r.subs, userID)
			}
		})
	}, nil
}

func (r *Remote) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := r.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("listener disconnected, retrying", zap.Error(err), zap.Duration("pause", relistenPause))
		select {
		case <-ctx.Done():
			return
		case <-time.After(relistenPause):
		}
	}
}

func (r *Remote) listenOnce(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	r.logger.Info("listening", zap.String("channel", notifyChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		row, err := decodeNotification(n.Payload)
		if err != nil {
			r.logger.Warn("bad notification payload", zap.Error(err))
			continue
		}
		r.dispatch(row)
	}
}

func decodeNotification(payload string) (syncengine.Row, error) {
	var row syncengine.Row
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return syncengine.Row{}, err
	}
	if row.UserID == "" {
		return syncengine.Row{}, errors.New("notification without user_id")
	}
	row.LastUpdated = row.LastUpdated.UTC()
	return row, nil
}

// dispatch calls subscribers outside the lock so they may unsubscribe.
func (r *Remote) dispatch(row syncengine.Row) {
	r.mu.Lock()
	handlers := make([]func(syncengine.Row), 0, len(r.subs[row.UserID]))
	for _, h := range r.subs[row.UserID] {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		r.safeCall(h, row)
	}
}

func (r *Remote) safeCall(h func(syncengine.Row), row syncengine.Row) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber panicked", zap.String("user_id", row.UserID), zap.Any("panic", p))
		}
	}()
	h(row)
}
