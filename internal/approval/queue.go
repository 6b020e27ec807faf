// Package approval holds tool-use elevation requests until a human decides them.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
	Modified Decision = "modified"
)

// Request describes a risky action an agent proposed.
type Request struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	NodeID      string    `json:"node_id"`
	ToolID      string    `json:"tool_id"`
	Tool        string    `json:"tool"`
	Input       string    `json:"input"`
	RequestedAt time.Time `json:"requested_at"`
}

// Resolution is the decision for a request. ModifiedInput is only set for Modified.
type Resolution struct {
	Decision      Decision `json:"decision"`
	ModifiedInput string   `json:"modified_input,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// ErrUnknownRequest is returned when resolving a request that is not pending.
var ErrUnknownRequest = errors.New("approval request not pending")

type pending struct {
	req        Request
	responseCh chan Resolution
}

// Queue holds pending approval requests. Requesters block until a human
// resolves the request or their context ends.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*pending)}
}

// Request enqueues req and waits for its resolution.
// It respects context cancellation; the request is withdrawn on return.
func (q *Queue) Request(ctx context.Context, req Request) (Resolution, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}

	// Buffered so Resolve never blocks on a requester that already gave up.
	p := &pending{req: req, responseCh: make(chan Resolution, 1)}

	q.mu.Lock()
	q.pending[req.ID] = p
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, req.ID)
		q.mu.Unlock()
	}()

	select {
	case res := <-p.responseCh:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Resolve delivers a decision to a pending request.
func (q *Queue) Resolve(id string, res Resolution) error {
	switch res.Decision {
	case Approved, Denied, Modified:
	default:
		return fmt.Errorf("invalid decision %q", res.Decision)
	}

	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	p.responseCh <- res
	return nil
}

// Pending lists outstanding requests for a run, oldest first. An empty runID lists all.
func (q *Queue) Pending(runID string) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Request, 0, len(q.pending))
	for _, p := range q.pending {
		if runID == "" || p.req.RunID == runID {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}
