package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telnet2/go-practice/go-runspace/engine"
)

func TestEventQueue_OrderAndClose(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 100; i++ {
		q.push(engine.Event{Kind: engine.EventRecord, Record: engine.Record{"N": i}})
	}
	q.close(ErrLost)
	q.push(engine.Event{Kind: engine.EventCompleted})

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ev, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, ev.Record["N"])
	}
	_, err := q.pop(ctx)
	assert.ErrorIs(t, err, ErrLost)
}

func TestEventQueue_PopWaitsForPush(t *testing.T) {
	q := newEventQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push(engine.Event{Kind: engine.EventCompleted})
	}()

	ev, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.EventCompleted, ev.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventQueue_AbortDiscards(t *testing.T) {
	q := newEventQueue()
	q.push(engine.Event{Kind: engine.EventRecord})
	q.close(ErrLost)
	q.abort(ErrClosed)

	_, err := q.pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
