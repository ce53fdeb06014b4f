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
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the request queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")
	// ErrRequestTimeout is returned when a request waited too long in queue.
	ErrRequestTimeout = errors.New("request timed out waiting in queue")
)

// RequestQueueConfig configures backpressure behavior for the API.
type RequestQueueConfig struct {
	// MaxConcurrentRequests caps requests processed at once. 0 disables
	// the queue entirely (every Acquire succeeds immediately).
	MaxConcurrentRequests int
	// MaxQueueSize caps requests waiting for a slot. 0 means no waiting:
	// requests beyond the concurrency cap are rejected.
	MaxQueueSize int
	// RequestTimeout bounds time spent waiting for a slot. 0 means wait
	// until the request context is done.
	RequestTimeout time.Duration
}

// RequestQueue applies backpressure to incoming API requests: a fixed number
// of processing slots plus a bounded wait queue.
type RequestQueue struct {
	config RequestQueueConfig
	logger *zap.Logger

	slots  chan struct{}
	queued atomic.Int64
	active atomic.Int64
}

// QueueStats is a snapshot of queue occupancy.
type QueueStats struct {
	CurrentQueued int64 `json:"current_queued"`
	CurrentActive int64 `json:"current_active"`
}

// NewRequestQueue creates a request queue. With MaxConcurrentRequests == 0
// the queue is a no-op.
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	q := &RequestQueue{
		config: config,
		logger: logger,
	}
	if config.MaxConcurrentRequests > 0 {
		q.slots = make(chan struct{}, config.MaxConcurrentRequests)
	}
	return q
}

// Acquire blocks until a processing slot is free, the queue overflows, the
// wait times out, or ctx is done. On success the returned release function
// must be called exactly once.
func (q *RequestQueue) Acquire(ctx context.Context) (func(), error) {
	if q.slots == nil {
		q.active.Add(1)
		return func() { q.active.Add(-1) }, nil
	}

	// Fast path: free slot, no queueing.
	select {
	case q.slots <- struct{}{}:
		q.active.Add(1)
		return q.release, nil
	default:
	}

	if q.queued.Load() >= int64(q.config.MaxQueueSize) {
		return nil, ErrQueueFull
	}

	q.queued.Add(1)
	defer q.queued.Add(-1)

	waitCtx := ctx
	if q.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	select {
	case q.slots <- struct{}{}:
		RecordQueueWaitTime(time.Since(start).Seconds())
		q.active.Add(1)
		return q.release, nil
	case <-waitCtx.Done():
		if q.config.RequestTimeout > 0 && errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

func (q *RequestQueue) release() {
	q.active.Add(-1)
	<-q.slots
}

// Stats returns the current queue occupancy.
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		CurrentQueued: q.queued.Load(),
		CurrentActive: q.active.Load(),
	}
}

// queueErrorResponse is the body written for queue rejections and timeouts.
type queueErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// WriteQueueFullResponse writes a 503 with a Retry-After header.
func WriteQueueFullResponse(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = encoder.NewStreamEncoder(w).Encode(queueErrorResponse{
		Error:      "server is at capacity, retry later",
		RetryAfter: seconds,
	})
}

// WriteTimeoutResponse writes a 504 for requests that timed out in queue.
func WriteTimeoutResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGatewayTimeout)
	_ = encoder.NewStreamEncoder(w).Encode(queueErrorResponse{
		Error: "request timed out waiting for processing",
	})
}
