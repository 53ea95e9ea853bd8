package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func appendAll(t *testing.T, sess *Session, entries ...Entry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, sess.Append(e))
	}
}

func TestSafeKey(t *testing.T) {
	assert.Equal(t, "chat_12345", SafeKey("chat:12345"))
	assert.Equal(t, "cron_morning-status", SafeKey("cron_morning-status"))
	assert.Equal(t, "___etc_passwd", SafeKey("../etc/passwd"))
}

func TestReconstructEmptySession(t *testing.T) {
	s := newTestStore(t)
	msgs, err := s.Session("nobody").Reconstruct(DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, msgs)

	n, err := s.Session("nobody").MessageCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	ts, err := s.Session("nobody").LastActivity()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestReconstructIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	appendAll(t, sess,
		Entry{Role: RoleUser, Content: "hello"},
		Entry{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Type: "function", Function: FunctionCall{Name: "read_memory", Arguments: "{}"}}}},
		Entry{Role: RoleTool, ToolCallID: "c1", Content: "nothing yet"},
		Entry{Role: RoleAssistant, Content: "hi"},
	)

	first, err := sess.Reconstruct(DefaultPolicy())
	require.NoError(t, err)
	second, err := sess.Reconstruct(DefaultPolicy())
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("reconstruction changed between calls (-first +second):\n%s", diff)
	}
	require.Len(t, first, 4)
	assert.Equal(t, "read_memory", first[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "c1", first[2].ToolCallID)
}

func TestCompactHidesEarlierRecords(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	appendAll(t, sess,
		Entry{Role: RoleUser, Content: "one"},
		Entry{Role: RoleAssistant, Content: "two"},
	)
	require.NoError(t, sess.Compact())

	msgs, err := sess.Reconstruct(DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, msgs)

	n, err := sess.MessageCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	appendAll(t, sess, Entry{Role: RoleUser, Content: "three"})
	msgs, err = sess.Reconstruct(DefaultPolicy())
	require.NoError(t, err)
	want := []Message{{Role: RoleUser, Content: "three"}}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("unexpected view after compaction (-want +got):\n%s", diff)
	}

	// Compacting twice in a row leaves the same truncation point.
	require.NoError(t, sess.Compact())
	require.NoError(t, sess.Compact())
	msgs, err = sess.Reconstruct(DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReconstructCapsToMaxMessages(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	for i := 0; i < 101; i++ {
		appendAll(t, sess, Entry{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	msgs, err := sess.Reconstruct(Policy{MaxMessages: 100})
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	assert.Equal(t, "m1", msgs[0].Content)
	assert.Equal(t, "m100", msgs[99].Content)
	for i := 1; i < len(msgs); i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i+1), msgs[i].Content)
	}
}

func TestReconstructTruncatesOldToolResults(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	big := strings.Repeat("x", 120)
	for i := 0; i < 16; i++ {
		appendAll(t, sess, Entry{Role: RoleTool, ToolCallID: fmt.Sprintf("c%d", i), Content: big})
	}

	msgs, err := sess.Reconstruct(Policy{MaxMessages: 100, KeepRecent: 15, TruncateOver: 100})
	require.NoError(t, err)
	require.Len(t, msgs, 16)
	assert.Equal(t, TruncatedPlaceholder, msgs[0].Content)
	assert.Equal(t, "c0", msgs[0].ToolCallID, "structure must survive truncation")
	for _, m := range msgs[1:] {
		assert.Equal(t, big, m.Content)
	}
}

func TestReconstructLeavesSmallAndNonToolRecords(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	big := strings.Repeat("y", 500)
	appendAll(t, sess,
		Entry{Role: RoleUser, Content: big},
		Entry{Role: RoleTool, Content: "short"},
		Entry{Role: RoleAssistant, Content: "tail"},
	)

	msgs, err := sess.Reconstruct(Policy{KeepRecent: 1, TruncateOver: 100})
	require.NoError(t, err)
	assert.Equal(t, big, msgs[0].Content)
	assert.Equal(t, "short", msgs[1].Content)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	appendAll(t, sess, Entry{Role: RoleUser, Content: "before"})

	f, err := os.OpenFile(sess.path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n{\"role\":\"user\",\"content\":\"legacy\",\"_ts\":\"2025-01-02T03:04:05.123456\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	appendAll(t, sess, Entry{Role: RoleAssistant, Content: "after"})

	msgs, err := sess.Reconstruct(DefaultPolicy())
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "legacy", msgs[1].Content)

	n, err := sess.MessageCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBookkeepingRecordsAreExcluded(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	appendAll(t, sess,
		Entry{Role: RoleUser, Content: "hi"},
		Entry{Content: "no role here"},
	)
	msgs, err := sess.Reconstruct(DefaultPolicy())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	raw, err := os.ReadFile(sess.path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"_ts":`)
}

func TestLastActivity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	sess := s.Session("chat:1")

	appendAll(t, sess, Entry{Role: RoleUser, Content: "a"})
	now = now.Add(time.Hour)
	require.NoError(t, sess.Compact())

	ts, err := sess.LastActivity()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ts)
}

func TestLockIsExclusive(t *testing.T) {
	s := newTestStore(t)
	a := s.Session("chat:1")
	b := s.Session("chat:1")

	require.NoError(t, a.TryLock())
	assert.ErrorIs(t, b.TryLock(), ErrBusy)
	assert.ErrorIs(t, a.TryLock(), ErrBusy, "lock is not reentrant")

	require.NoError(t, a.Unlock())
	require.NoError(t, b.TryLock())
	require.NoError(t, b.Unlock())
	require.NoError(t, b.Unlock())
}

func TestConcurrentAppendersOneWins(t *testing.T) {
	s := newTestStore(t)

	var attempted, done sync.WaitGroup
	results := make([]error, 2)
	attempted.Add(2)
	done.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer done.Done()
			sess := s.Session("chat:race")
			err := sess.TryLock()
			results[i] = err
			attempted.Done()
			if err != nil {
				return
			}
			attempted.Wait()
			for j := 0; j < 50; j++ {
				if err := sess.Append(Entry{Role: RoleUser, Content: fmt.Sprintf("w%d-%d", i, j)}); err != nil {
					t.Error(err)
				}
			}
			sess.Unlock()
		}(i)
	}
	done.Wait()

	var ok, busy int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected lock error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)

	msgs, err := s.Session("chat:race").Reconstruct(Policy{})
	require.NoError(t, err)
	assert.Len(t, msgs, 50)
}

func TestLockWithinTimesOut(t *testing.T) {
	s := newTestStore(t)
	holder := s.Session("chat:1")
	require.NoError(t, holder.TryLock())
	defer holder.Unlock()

	start := time.Now()
	err := s.Session("chat:1").LockWithin(t.Context(), 250*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestTrimKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	sess := s.Session("chat:1")
	for i := 0; i < 10; i++ {
		appendAll(t, sess, Entry{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	dropped, err := sess.Trim(4)
	require.NoError(t, err)
	assert.Equal(t, 6, dropped)

	msgs, err := sess.Reconstruct(Policy{})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "m6", msgs[0].Content)

	_, err = os.Stat(sess.path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")

	dropped, err = sess.Trim(4)
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestTrimRefusesBusySession(t *testing.T) {
	s := newTestStore(t)
	holder := s.Session("chat:1")
	appendAll(t, holder, Entry{Role: RoleUser, Content: "a"}, Entry{Role: RoleUser, Content: "b"})
	require.NoError(t, holder.TryLock())
	defer holder.Unlock()

	_, err := s.Session("chat:1").Trim(1)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestListAndRemove(t *testing.T) {
	s := newTestStore(t)
	appendAll(t, s.Session("old"), Entry{Role: RoleUser, Content: "a"})
	appendAll(t, s.Session("new"), Entry{Role: RoleUser, Content: "b"})
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), "old.jsonl"), past, past))
	lk := s.Session("old")
	require.NoError(t, lk.TryLock())
	require.NoError(t, lk.Unlock())

	files, err := s.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "old", files[0].Key)
	assert.Equal(t, "new", files[1].Key)

	require.NoError(t, s.Remove("old"))
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(s.Dir(), "old.lock"))
	assert.NoError(t, err, "lock file outlives the transcript")
}

func TestRemoveKeepsLockHeld(t *testing.T) {
	s := newTestStore(t)
	appendAll(t, s.Session("k"), Entry{Role: RoleUser, Content: "a"})

	holder := s.Session("k")
	require.NoError(t, holder.TryLock())
	t.Cleanup(func() { holder.Unlock() })

	// A writer that opened the lock path before the removal.
	early, err := os.OpenFile(filepath.Join(s.Dir(), "k.lock"), os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { early.Close() })

	require.NoError(t, s.Remove("k"))
	assert.ErrorIs(t, s.Session("k").TryLock(), ErrBusy)

	require.NoError(t, holder.Unlock())
	require.NoError(t, tryLockFile(early))
	assert.ErrorIs(t, s.Session("k").TryLock(), ErrBusy, "both descriptors must share one lock")
	require.NoError(t, unlockFile(early))
}
