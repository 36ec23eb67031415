package matchmaking

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/h5games/peer-relay/internal/metrics"
)

func newTestStore(t *testing.T, staleAfter time.Duration) *Store {
	t.Helper()
	store, err := OpenStore(StoreConfig{
		Path:       filepath.Join(t.TempDir(), "match.db"),
		StaleAfter: staleAfter,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustFindOrEnqueue(t *testing.T, store *Store, peerID, gameType string) MatchResult {
	t.Helper()
	res, err := store.FindOrEnqueue(context.Background(), peerID, gameType)
	if err != nil {
		t.Fatalf("FindOrEnqueue(%s, %s): %v", peerID, gameType, err)
	}
	return res
}

func TestFindOrEnqueuePairsInFIFOOrder(t *testing.T) {
	store := newTestStore(t, time.Hour)

	if res := mustFindOrEnqueue(t, store, "a", "gomoku"); res.Matched {
		t.Fatalf("first request matched against empty queue: %+v", res)
	}

	res := mustFindOrEnqueue(t, store, "b", "gomoku")
	if !res.Matched || res.OpponentPeerID != "a" {
		t.Fatalf("second request = %+v, want match against a", res)
	}

	// a's entry is consumed; c starts a fresh queue.
	if res := mustFindOrEnqueue(t, store, "c", "gomoku"); res.Matched {
		t.Fatalf("third request matched: %+v, queue should only hold c", res)
	}
	n, err := store.Waiting(context.Background())
	if err != nil {
		t.Fatalf("Waiting: %v", err)
	}
	if n != 1 {
		t.Errorf("waiting = %d, want 1", n)
	}
}

func TestFindOrEnqueueMatchesOldestWaiting(t *testing.T) {
	store := newTestStore(t, time.Hour)

	// Several waiting entries for one game type can only exist by seeding
	// directly: through FindOrEnqueue the second caller would consume the
	// first. Seed out of id order so the assertion is on age, not rowid.
	now := time.Now()
	seedWaiting(t, store, "p2", "chess", now.Add(-2*time.Minute))
	seedWaiting(t, store, "p1", "chess", now.Add(-3*time.Minute))
	seedWaiting(t, store, "p3", "chess", now.Add(-time.Minute))

	first := mustFindOrEnqueue(t, store, "q1", "chess")
	if !first.Matched || first.OpponentPeerID != "p1" {
		t.Errorf("first match = %+v, want p1", first)
	}
	second := mustFindOrEnqueue(t, store, "q2", "chess")
	if !second.Matched || second.OpponentPeerID != "p2" {
		t.Errorf("second match = %+v, want p2", second)
	}
	third := mustFindOrEnqueue(t, store, "q3", "chess")
	if !third.Matched || third.OpponentPeerID != "p3" {
		t.Errorf("third match = %+v, want p3", third)
	}
}

func TestFindOrEnqueueIsScopedToGameType(t *testing.T) {
	store := newTestStore(t, time.Hour)

	mustFindOrEnqueue(t, store, "chess-player", "chess")

	if res := mustFindOrEnqueue(t, store, "go-player", "go"); res.Matched {
		t.Fatalf("matched across game types: %+v", res)
	}

	res := mustFindOrEnqueue(t, store, "challenger", "chess")
	if !res.Matched || res.OpponentPeerID != "chess-player" {
		t.Errorf("match = %+v, want chess-player", res)
	}
}

func TestRepeatedEnqueueReplacesEntry(t *testing.T) {
	store := newTestStore(t, time.Hour)

	mustFindOrEnqueue(t, store, "a", "gomoku")
	if res := mustFindOrEnqueue(t, store, "a", "gomoku"); res.Matched {
		t.Fatalf("peer matched against itself: %+v", res)
	}

	n, err := store.Waiting(context.Background())
	if err != nil {
		t.Fatalf("Waiting: %v", err)
	}
	if n != 1 {
		t.Errorf("waiting = %d, want 1 (no duplicate for repeated enqueue)", n)
	}

	// Re-enqueue may also move the peer to another game type.
	mustFindOrEnqueue(t, store, "a", "chess")
	res := mustFindOrEnqueue(t, store, "b", "chess")
	if !res.Matched || res.OpponentPeerID != "a" {
		t.Errorf("match = %+v, want a under the new game type", res)
	}
}

func TestReenqueueMovesPeerToBackOfQueue(t *testing.T) {
	store := newTestStore(t, time.Hour)

	mustFindOrEnqueue(t, store, "a", "gomoku")
	before := createdAt(t, store, "a")

	if res := mustFindOrEnqueue(t, store, "a", "gomoku"); res.Matched {
		t.Fatalf("peer matched against itself: %+v", res)
	}
	after := createdAt(t, store, "a")

	// created_at is stored at nanosecond resolution so a refresh always
	// strictly advances the FIFO position.
	if after <= before {
		t.Errorf("created_at not refreshed: before=%d after=%d", before, after)
	}
}

func TestRemoveWithdrawsPeer(t *testing.T) {
	store := newTestStore(t, time.Hour)

	mustFindOrEnqueue(t, store, "a", "gomoku")
	if err := store.Remove(context.Background(), "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if res := mustFindOrEnqueue(t, store, "b", "gomoku"); res.Matched {
		t.Errorf("matched against withdrawn peer: %+v", res)
	}

	// Removing an absent peer is a no-op.
	if err := store.Remove(context.Background(), "ghost"); err != nil {
		t.Errorf("Remove(ghost): %v", err)
	}
}

func TestStaleEntriesAreReaped(t *testing.T) {
	m := metrics.New()
	store, err := OpenStore(StoreConfig{
		Path:       filepath.Join(t.TempDir(), "match.db"),
		StaleAfter: time.Hour,
		Metrics:    m,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mustFindOrEnqueue(t, store, "old", "gomoku")
	backdate(t, store, "old", 2*time.Hour)

	// The stale entry must not be visible to the next request.
	if res := mustFindOrEnqueue(t, store, "new", "gomoku"); res.Matched {
		t.Fatalf("matched against stale entry: %+v", res)
	}
	if n := m.Get(metrics.StaleReaped); n != 1 {
		t.Errorf("%s = %d, want 1", metrics.StaleReaped, n)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "match.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := OpenStore(StoreConfig{Path: path, Logger: logger})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	mustFindOrEnqueue(t, store, "survivor", "gomoku")
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenStore(StoreConfig{Path: path, Logger: logger})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	res := mustFindOrEnqueue(t, reopened, "b", "gomoku")
	if !res.Matched || res.OpponentPeerID != "survivor" {
		t.Errorf("match after reopen = %+v, want survivor", res)
	}
}

// backdate rewrites a queue entry's created_at so staleness paths can be
// exercised without sleeping.
func backdate(t *testing.T, store *Store, peerID string, age time.Duration) {
	t.Helper()
	conn, err := store.pool.Take(context.Background())
	if err != nil {
		t.Fatalf("take conn: %v", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE match_queue SET created_at = ? WHERE peer_id = ?",
		&sqlitex.ExecOptions{Args: []any{time.Now().Add(-age).UnixNano(), peerID}})
	if err != nil {
		t.Fatalf("backdate %s: %v", peerID, err)
	}
}

// seedWaiting inserts a waiting entry with an explicit age, bypassing the
// match step of FindOrEnqueue.
func seedWaiting(t *testing.T, store *Store, peerID, gameType string, createdAt time.Time) {
	t.Helper()
	conn, err := store.pool.Take(context.Background())
	if err != nil {
		t.Fatalf("take conn: %v", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO match_queue (peer_id, game_type, created_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{peerID, gameType, createdAt.UnixNano()}})
	if err != nil {
		t.Fatalf("seed %s: %v", peerID, err)
	}
}

// createdAt reads a queue entry's timestamp column.
func createdAt(t *testing.T, store *Store, peerID string) int64 {
	t.Helper()
	conn, err := store.pool.Take(context.Background())
	if err != nil {
		t.Fatalf("take conn: %v", err)
	}
	defer store.pool.Put(conn)

	var ts int64
	found := false
	err = sqlitex.Execute(conn, "SELECT created_at FROM match_queue WHERE peer_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{peerID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ts = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		t.Fatalf("read created_at for %s: %v", peerID, err)
	}
	if !found {
		t.Fatalf("no queue entry for %s", peerID)
	}
	return ts
}
