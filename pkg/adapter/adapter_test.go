package adapter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/derconn/pkg/bus"
)

func TestConnectSuccessTransitionsToConnectedAndPublishesStatus(t *testing.T) {
	b := bus.NewBroker()
	var gotOnline atomic.Bool
	b.Subscribe("devices/dev-1/status", func(msg *bus.Message) {
		gotOnline.Store(true)
	})

	sess := NewSession("dev-1", "mock", b, Hooks{
		Connect:    func(ctx context.Context) error { return nil },
		Disconnect: func() {},
	})

	require.NoError(t, sess.Connect(context.Background()))
	require.Equal(t, StateConnected, sess.State())
	require.Eventually(t, gotOnline.Load, time.Second, time.Millisecond)
}

func TestConnectFailureEntersErrorStateAndIncrementsAttempts(t *testing.T) {
	b := bus.NewBroker()
	sess := NewSession("dev-2", "mock", b, Hooks{
		Connect:    func(ctx context.Context) error { return errConnectRefused },
		Disconnect: func() {},
	})

	err := sess.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateError, sess.State())
	require.Equal(t, 1, sess.ConnectionAttempts())
}

func TestReconnectBackoffResetsOnFirstSuccess(t *testing.T) {
	b := bus.NewBroker()
	var calls atomic.Int32
	sess := NewSession("dev-3", "mock", b, Hooks{
		Connect: func(ctx context.Context) error {
			n := calls.Add(1)
			if n <= 2 {
				return errConnectRefused
			}
			return nil
		},
		Disconnect: func() {},
	})
	sess.backoff = NewBackoff(time.Millisecond, 5*time.Millisecond)

	require.Error(t, sess.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return sess.State() == StateConnected
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, 0, sess.backoff.Attempts())
}

func TestDisconnectIsIdempotentAndPublishesOffline(t *testing.T) {
	b := bus.NewBroker()
	var disconnectCalls atomic.Int32
	sess := NewSession("dev-4", "mock", b, Hooks{
		Connect:    func(ctx context.Context) error { return nil },
		Disconnect: func() { disconnectCalls.Add(1) },
	})

	require.NoError(t, sess.Connect(context.Background()))
	sess.Disconnect()
	sess.Disconnect()

	require.Equal(t, StateDisconnected, sess.State())
	require.Equal(t, int32(1), disconnectCalls.Load())
}

func TestConcurrentConnectCallsShareOneAttempt(t *testing.T) {
	b := bus.NewBroker()
	var attempts atomic.Int32
	block := make(chan struct{})
	sess := NewSession("dev-5", "mock", b, Hooks{
		Connect: func(ctx context.Context) error {
			attempts.Add(1)
			<-block
			return nil
		},
		Disconnect: func() {},
	})

	done := make(chan error, 2)
	go func() { done <- sess.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return sess.State() == StateConnecting }, time.Second, time.Millisecond)
	go func() { done <- sess.Connect(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	close(block)

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), attempts.Load())
}

func TestHeartbeatFailureTransitionsToErrorAndTriggersReconnect(t *testing.T) {
	b := bus.NewBroker()
	var connectCalls atomic.Int32
	var heartbeatCalls atomic.Int32
	sess := NewSession("dev-6", "mock", b, Hooks{
		Connect: func(ctx context.Context) error {
			connectCalls.Add(1)
			return nil
		},
		Disconnect: func() {},
		Heartbeat: func(ctx context.Context) error {
			n := heartbeatCalls.Add(1)
			if n == 1 {
				return errConnectRefused
			}
			return nil
		},
		HeartbeatInterval: 5 * time.Millisecond,
	})
	sess.backoff = NewBackoff(time.Millisecond, 5*time.Millisecond)

	require.NoError(t, sess.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return connectCalls.Load() >= 2
	}, 2*time.Second, time.Millisecond)
}

func TestExecuteCommandTimeoutPublishesFailedResponse(t *testing.T) {
	b := bus.NewBroker()
	respCh := make(chan *bus.Message, 1)
	b.Subscribe("devices/dev-7/commands/response", func(msg *bus.Message) {
		respCh <- msg
	})

	sess := NewSession("dev-7", "mock", b, Hooks{
		Connect:    func(ctx context.Context) error { return nil },
		Disconnect: func() {},
	})
	require.NoError(t, sess.Connect(context.Background()))

	cmdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp, err := sess.RunCommandWithTimeout(cmdCtx, "noop", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	require.False(t, resp.Success)

	select {
	case <-respCh:
	case <-time.After(time.Second):
		t.Fatal("expected a commands/response message")
	}
}
