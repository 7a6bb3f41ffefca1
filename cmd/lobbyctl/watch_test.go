package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lobby-client/internal/hub"
	"github.com/DoyleJ11/lobby-client/internal/ws"
)

// runWatch stands in for client.Watch: it ends with result once ctx is cancelled.
func runWatch(ctx context.Context, result error) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errCh <- result
	}()
	return errCh
}

func TestStopWatch_DroppedSubscriberEndsWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runWatch(ctx, nil)

	done := make(chan error, 1)
	go func() { done <- stopWatch(&bytes.Buffer{}, cancel, errCh) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errFellBehind)
	case <-time.After(time.Second):
		t.Fatal("stopWatch did not cancel the running watch")
	}
}

func TestStopWatch_ReportsSyncerResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runWatch(ctx, hub.ErrSignedOut)

	var out bytes.Buffer
	require.NoError(t, stopWatch(&out, cancel, errCh))
	assert.Contains(t, out.String(), "signed out")
}

func TestWatchResult(t *testing.T) {
	other := errors.New("boom")
	tests := []struct {
		name    string
		in      error
		wantErr string
		wantOut string
	}{
		{name: "clean stop", in: nil},
		{name: "signed out", in: hub.ErrSignedOut, wantOut: "You have been signed out"},
		{name: "room not found", in: ws.ErrRoomNotFound, wantErr: "room not found"},
		{name: "reconnect exhausted", in: hub.ErrReconnectExhausted, wantErr: "real-time updates unavailable"},
		{name: "other", in: other, wantErr: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := watchResult(&out, tt.in)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
			assert.Contains(t, out.String(), tt.wantOut)
		})
	}
}
