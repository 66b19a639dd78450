package delayqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActUponEventuallyInlineWhenDelayNonPositive(t *testing.T) {
	var mu sync.Mutex
	var got []string
	q, err := Open(filepath.Join(t.TempDir(), "queue"), func(path string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, path)
		return nil
	}, nil)
	require.NoError(t, err)

	q.ActUponEventually("now.txt", 0)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"now.txt"}, got)
}

func TestQueueFiresInOrder(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "queue")

	var mu sync.Mutex
	var fired []string
	done := make(chan struct{}, 2)

	q, err := Open(file, func(path string) error {
		mu.Lock()
		fired = append(fired, path)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.ActUponEventually("second.txt", 40*time.Millisecond)
	q.ActUponEventually("first.txt", 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delayed actions")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first.txt", "second.txt"}, fired)
}

func TestOpenReloadsPersistedEntries(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "queue")

	noop := func(path string) error { return nil }
	q1, err := Open(file, noop, nil)
	require.NoError(t, err)
	q1.ActUponEventually("pending.txt", time.Hour)

	q2, err := Open(file, noop, nil)
	require.NoError(t, err)

	q2.mu.Lock()
	e, ok := q2.pq.peek()
	q2.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, "pending.txt", e.Path.String())
}
