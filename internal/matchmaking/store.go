// Package matchmaking pairs waiting players by game type. The queue is a
// SQLite table so pending entries survive restarts; matching is strict FIFO
// within a game type.
package matchmaking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/h5games/peer-relay/internal/config"
	"github.com/h5games/peer-relay/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS match_queue (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	peer_id          TEXT NOT NULL UNIQUE,
	game_type        TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'waiting',
	opponent_peer_id TEXT,
	created_at       INTEGER NOT NULL -- unix nanoseconds
);

CREATE INDEX IF NOT EXISTS match_queue_game_type
	ON match_queue (game_type, created_at);
`

// StoreConfig holds the parameters for opening the matchmaking store.
// Path is required; the other fields default in OpenStore.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. Created if
	// it does not exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to 4.
	PoolSize int

	// StaleAfter is the age past which an unmatched entry is reaped.
	StaleAfter time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Store is the persisted matchmaking queue. Safe for concurrent use; the
// find-or-enqueue sequence runs inside an IMMEDIATE transaction so two
// simultaneous callers can never both claim the same waiting entry.
type Store struct {
	pool       *sqlitex.Pool
	staleAfter time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// MatchResult is the outcome of a find-or-enqueue call. When Matched is
// false the caller has been enqueued and OpponentPeerID is empty.
type MatchResult struct {
	Matched        bool   `json:"matched"`
	OpponentPeerID string `json:"opponent_peer_id,omitempty"`
}

// OpenStore opens the queue database, creating the file and schema as
// needed. The caller must Close the store when done.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("matchmaking store: Path is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = config.DefaultMatchStaleAfter
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("matchmaking store: opening %s: %w", cfg.Path, err)
	}

	cfg.Logger.Info("matchmaking store opened",
		"path", cfg.Path,
		"stale_after", cfg.StaleAfter,
	)

	return &Store{
		pool:       pool,
		staleAfter: cfg.StaleAfter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}, nil
}

// Close closes the underlying connection pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// prepareConnection applies the standard pragmas and creates the schema.
// Runs once per pooled connection, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("matchmaking store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("matchmaking store: creating schema: %w", err)
	}
	return nil
}

// FindOrEnqueue matches peerID against the oldest waiting entry of the same
// gameType, or enqueues it if none is waiting.
//
// On a match the opponent's entry is deleted and the caller is NOT inserted:
// the pair is complete and signaling takes over. On a miss the caller is
// upserted, so a repeated request refreshes created_at instead of
// duplicating the entry. Stale entries are reaped at the start of every
// call, inside the same transaction.
func (s *Store) FindOrEnqueue(ctx context.Context, peerID, gameType string) (res MatchResult, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return MatchResult{}, fmt.Errorf("matchmaking store: find or enqueue: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return MatchResult{}, fmt.Errorf("matchmaking store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := s.reapStale(conn); err != nil {
		return MatchResult{}, err
	}

	var opponent string
	err = sqlitex.Execute(conn, `
		SELECT peer_id FROM match_queue
		WHERE game_type = ? AND status = 'waiting' AND peer_id <> ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{gameType, peerID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				opponent = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return MatchResult{}, fmt.Errorf("matchmaking store: selecting opponent: %w", err)
	}

	if opponent != "" {
		err = sqlitex.Execute(conn, "DELETE FROM match_queue WHERE peer_id = ?",
			&sqlitex.ExecOptions{Args: []any{opponent}})
		if err != nil {
			return MatchResult{}, fmt.Errorf("matchmaking store: claiming opponent: %w", err)
		}
		s.metrics.Inc(metrics.MatchesMade)
		s.logger.Info("match made",
			"peer_id", peerID,
			"opponent_peer_id", opponent,
			"game_type", gameType,
		)
		return MatchResult{Matched: true, OpponentPeerID: opponent}, nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO match_queue (peer_id, game_type, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			game_type = excluded.game_type,
			created_at = excluded.created_at`,
		&sqlitex.ExecOptions{Args: []any{peerID, gameType, time.Now().UnixNano()}})
	if err != nil {
		return MatchResult{}, fmt.Errorf("matchmaking store: enqueueing %s: %w", peerID, err)
	}
	s.metrics.Inc(metrics.PeersEnqueued)
	s.logger.Debug("peer enqueued", "peer_id", peerID, "game_type", gameType)
	return MatchResult{Matched: false}, nil
}

// Remove withdraws peerID from the queue. Removing an absent peer is not an
// error. Stale entries are reaped on the way through, same as FindOrEnqueue.
func (s *Store) Remove(ctx context.Context, peerID string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("matchmaking store: remove: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("matchmaking store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := s.reapStale(conn); err != nil {
		return err
	}

	err = sqlitex.Execute(conn, "DELETE FROM match_queue WHERE peer_id = ?",
		&sqlitex.ExecOptions{Args: []any{peerID}})
	if err != nil {
		return fmt.Errorf("matchmaking store: removing %s: %w", peerID, err)
	}
	if conn.Changes() > 0 {
		s.metrics.Inc(metrics.PeersWithdrawn)
	}
	return nil
}

// Waiting returns the number of queued entries. Used by tests and status
// reporting.
func (s *Store) Waiting(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("matchmaking store: waiting: %w", err)
	}
	defer s.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM match_queue",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("matchmaking store: counting entries: %w", err)
	}
	return n, nil
}

// reapStale deletes entries older than the staleness threshold. Invoked
// from within each find-or-enqueue transaction rather than on a timer, so
// enforcement is bounded by request traffic.
func (s *Store) reapStale(conn *sqlite.Conn) error {
	cutoff := time.Now().Add(-s.staleAfter).UnixNano()
	err := sqlitex.Execute(conn, "DELETE FROM match_queue WHERE created_at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return fmt.Errorf("matchmaking store: reaping stale entries: %w", err)
	}
	if n := conn.Changes(); n > 0 {
		s.metrics.Add(metrics.StaleReaped, uint64(n))
		s.logger.Debug("reaped stale entries", "count", n)
	}
	return nil
}
