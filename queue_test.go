// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package beamline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequestQueue_Disabled(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{}, zap.NewNop())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Stats().CurrentActive)
	release()
	assert.Equal(t, int64(0), q.Stats().CurrentActive)
}

func TestRequestQueue_RejectsWhenFull(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          0,
	}, zap.NewNop())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = q.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestRequestQueue_WaitsForSlot(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          1,
	}, zap.NewNop())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		release2, err := q.Acquire(context.Background())
		if err == nil {
			release2()
		}
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued request never got a slot")
	}
}

func TestRequestQueue_TimesOutWaiting(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          1,
		RequestTimeout:        20 * time.Millisecond,
	}, zap.NewNop())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = q.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequestQueue_ContextCancelledWhileWaiting(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          1,
	}, zap.NewNop())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = q.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
