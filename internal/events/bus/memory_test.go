package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/events/contracts"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func containerUpdatedEvent(workspaceID, containerID, status string) *Event {
	data, _ := contracts.ToMap(contracts.ContainerUpdated{
		WorkspaceID: workspaceID,
		ContainerID: containerID,
		Status:      status,
		Timestamp:   time.Now(),
	})
	return &Event{ID: "evt-1", Type: contracts.SubjectContainerUpdated(workspaceID), Source: "container_controller", Timestamp: time.Now(), Data: data}
}

func TestMemoryEventBus_PublishSubscribe_WorkspaceScoped(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	subject := contracts.SubjectContainerUpdated("ws-1")
	sub, err := b.Subscribe(subject, func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	evt := containerUpdatedEvent("ws-1", "cr-1", "running")
	require.NoError(t, b.Publish(t.Context(), subject, evt))

	select {
	case got := <-received:
		var decoded contracts.ContainerUpdated
		require.NoError(t, contracts.FromMap(got.Data, &decoded))
		assert.Equal(t, "ws-1", decoded.WorkspaceID)
		assert.Equal(t, "running", decoded.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestMemoryEventBus_WorkspaceWildcard_DoesNotCrossTalk(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var ws1Count, ws2Count int32
	sub1, err := b.Subscribe("workspace.ws-1.>", func(context.Context, *Event) error {
		atomic.AddInt32(&ws1Count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub1.Unsubscribe() }()

	sub2, err := b.Subscribe("workspace.ws-2.>", func(context.Context, *Event) error {
		atomic.AddInt32(&ws2Count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub2.Unsubscribe() }()

	require.NoError(t, b.Publish(t.Context(), contracts.SubjectContainerUpdated("ws-1"), containerUpdatedEvent("ws-1", "cr-1", "running")))
	require.NoError(t, b.Publish(t.Context(), contracts.SubjectConsoleUpdated("ws-1", 7), containerUpdatedEvent("ws-1", "cr-1", "running")))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&ws1Count) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&ws1Count), "both ws-1 subjects should match workspace.ws-1.>")
	assert.Zero(t, atomic.LoadInt32(&ws2Count), "ws-2 subscriber must not see ws-1 traffic")
}

func TestMemoryEventBus_TrackScopedSubject_ExactMatchOnly(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var track7, track8 int32
	sub7, err := b.Subscribe(contracts.SubjectConsoleUpdated("ws-1", 7), func(context.Context, *Event) error {
		atomic.AddInt32(&track7, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub7.Unsubscribe() }()

	sub8, err := b.Subscribe(contracts.SubjectConsoleUpdated("ws-1", 8), func(context.Context, *Event) error {
		atomic.AddInt32(&track8, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub8.Unsubscribe() }()

	require.NoError(t, b.Publish(t.Context(), contracts.SubjectConsoleUpdated("ws-1", 7), containerUpdatedEvent("ws-1", "cr-1", "running")))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&track7) < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&track7))
	assert.Zero(t, atomic.LoadInt32(&track8))
}

func TestMemoryEventBus_QueueSubscribe_LoadBalances(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	subject := contracts.SubjectCommandIssued("ws-1")
	var count1, count2 int32
	sub1, err := b.QueueSubscribe(subject, "workers", func(context.Context, *Event) error {
		atomic.AddInt32(&count1, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub1.Unsubscribe() }()

	sub2, err := b.QueueSubscribe(subject, "workers", func(context.Context, *Event) error {
		atomic.AddInt32(&count2, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub2.Unsubscribe() }()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(t.Context(), subject, containerUpdatedEvent("ws-1", "cr-1", "running")))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&count1)+atomic.LoadInt32(&count2) < 10 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 10, atomic.LoadInt32(&count1)+atomic.LoadInt32(&count2))
	assert.Positive(t, atomic.LoadInt32(&count1), "round-robin should hand at least one message to each queue member")
	assert.Positive(t, atomic.LoadInt32(&count2), "round-robin should hand at least one message to each queue member")
}

func TestMemoryEventBus_Unsubscribe_StopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	subject := contracts.SubjectContainerUpdated("ws-1")
	var count int32
	sub, err := b.Subscribe(subject, func(context.Context, *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(t.Context(), subject, containerUpdatedEvent("ws-1", "cr-1", "running")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_Request(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	subject := contracts.SubjectCommandIssued("ws-1")
	sub, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		reply, ok := e.Data["_reply"].(string)
		require.True(t, ok)
		return b.Publish(ctx, reply, containerUpdatedEvent("ws-1", "cr-1", "accepted"))
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	req := containerUpdatedEvent("ws-1", "cr-1", "running")
	resp, err := b.Request(t.Context(), subject, req, time.Second)
	require.NoError(t, err)

	var decoded contracts.ContainerUpdated
	require.NoError(t, contracts.FromMap(resp.Data, &decoded))
	assert.Equal(t, "accepted", decoded.Status)
}

func TestMemoryEventBus_Request_TimesOutWithNoResponder(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	subject := contracts.SubjectCommandIssued("ws-1")
	_, err := b.Request(t.Context(), subject, containerUpdatedEvent("ws-1", "cr-1", "running"), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMemoryEventBus_Close_RejectsFurtherUse(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()
	assert.False(t, b.IsConnected())

	_, err := b.Subscribe(contracts.SubjectContainerUpdated("ws-1"), func(context.Context, *Event) error { return nil })
	assert.Error(t, err)

	err = b.Publish(t.Context(), contracts.SubjectContainerUpdated("ws-1"), containerUpdatedEvent("ws-1", "cr-1", "running"))
	assert.Error(t, err)
}

func TestWithNamespace_PrefixesSubjects(t *testing.T) {
	inner := NewMemoryEventBus(newTestLogger(t))
	defer inner.Close()
	namespaced := WithNamespace(inner, "shard-a")

	received := make(chan string, 1)
	sub, err := inner.Subscribe("shard-a.workspace.ws-1.container", func(_ context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	subject := contracts.SubjectContainerUpdated("ws-1")
	require.NoError(t, namespaced.Publish(t.Context(), subject, containerUpdatedEvent("ws-1", "cr-1", "running")))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("namespaced publish did not reach the prefixed subject on the inner bus")
	}
}

func TestWithNamespace_EmptyNamespaceIsNoOp(t *testing.T) {
	inner := NewMemoryEventBus(newTestLogger(t))
	defer inner.Close()
	assert.Same(t, inner, WithNamespace(inner, ""))
}
