package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engineersedge/orchestrator/orchestration"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()

	ns, url, err := StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	b, err := New(context.Background(), Options{
		URL:                  url,
		ClientID:             "bus-test",
		GroupID:              "orchestrator",
		ReconnectWait:        time.Second,
		LegacyResponseTopics: []string{"llm.responses"},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	require.True(t, b.Connected())
	return b
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	received := make(chan *Message, 1)
	require.NoError(t, b.Subscribe("tasks.llm", func(_ context.Context, msg *Message) error {
		received <- msg
		return nil
	}))
	require.NoError(t, b.Start(ctx))

	headers := orchestration.Headers{
		orchestration.HeaderRequestID:    "req-1",
		orchestration.HeaderAssignmentID: "asg-1",
	}
	body := orchestration.TaskMessage{RequestID: "req-1", AssignmentID: "asg-1", StepNumber: 1, WorkerType: "llm"}
	require.NoError(t, b.Publish(ctx, "tasks.llm", body, headers))

	select {
	case msg := <-received:
		assert.Equal(t, "tasks.llm", msg.Subject)
		assert.Equal(t, "req-1", msg.Headers.Get(orchestration.HeaderRequestID))
		assert.Equal(t, "asg-1", msg.Headers.Get(orchestration.HeaderAssignmentID))

		var decoded orchestration.TaskMessage
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		assert.Equal(t, "asg-1", decoded.AssignmentID)
	case <-time.After(10 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestSubscribeRules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	nop := func(context.Context, *Message) error { return nil }

	require.NoError(t, b.Subscribe("tasks.llm", nop))

	err := b.Subscribe("tasks.llm", nop)
	assert.ErrorIs(t, err, orchestration.ErrAlreadySubscribed)

	require.NoError(t, b.Start(ctx))

	err = b.Subscribe("tasks.other", nop)
	assert.ErrorIs(t, err, orchestration.ErrConsumerStarted, "late subscribes are rejected")
}

func TestMalformedRecordIsAckedNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	handled := make(chan struct{}, 4)
	require.NoError(t, b.Subscribe("job.responses.llm", func(context.Context, *Message) error {
		handled <- struct{}{}
		return nil
	}))
	require.NoError(t, b.Start(ctx))

	// Bypass Publish to inject a non-JSON record.
	b.mu.Lock()
	js := b.js
	b.mu.Unlock()
	_, err := js.Publish(ctx, "job.responses.llm", []byte("{not json"))
	require.NoError(t, err)

	// A valid record after it proves the loop kept going.
	require.NoError(t, b.Publish(ctx, "job.responses.llm", map[string]any{"ok": true}, nil))

	select {
	case <-handled:
	case <-time.After(10 * time.Second):
		t.Fatal("valid record was not delivered")
	}
	assert.EqualValues(t, 1, b.DecodeFailures())

	select {
	case <-handled:
		t.Fatal("malformed record must not reach the handler")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	require.NoError(t, b.Subscribe("tasks.llm", func(context.Context, *Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))
	require.NoError(t, b.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "tasks.llm", map[string]any{"n": i}, nil))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, 10*time.Second, 50*time.Millisecond)
}

func TestPublishWhenDisconnected(t *testing.T) {
	ns, url, err := StartEmbedded(t.TempDir())
	require.NoError(t, err)

	b, err := New(context.Background(), Options{
		URL:           url,
		ClientID:      "bus-test",
		ReconnectWait: time.Second,
	}, nil)
	require.NoError(t, err)

	ns.Shutdown()
	ns.WaitForShutdown()

	assert.Eventually(t, func() bool { return !b.Connected() }, 10*time.Second, 50*time.Millisecond)

	err = b.Publish(context.Background(), "tasks.llm", map[string]any{}, nil)
	assert.ErrorIs(t, err, orchestration.ErrNotConnected)
}
