package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/queue"
)

// enqueueParams are the inputs of queue_enqueue.
type enqueueParams struct {
	Prompt    string                 `json:"prompt"`
	Model     string                 `json:"model"`
	Priority  string                 `json:"priority"`
	Metadata  map[string]interface{} `json:"metadata"`
	TimeoutMs int64                  `json:"timeout_ms"`
}

// opQueueEnqueue admits one item to the scheduler.
func (d *Dispatcher) opQueueEnqueue(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p enqueueParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	id, err := d.sched.Enqueue(queue.Request{
		Prompt:   p.Prompt,
		Model:    d.resolveModel(p.Model),
		Priority: queue.ParsePriority(p.Priority),
		Metadata: p.Metadata,
		Timeout:  time.Duration(p.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id}, nil
}

// queueBatchParams are the inputs of queue_batch.
type queueBatchParams struct {
	Prompts  []string `json:"prompts"`
	Model    string   `json:"model"`
	Priority string   `json:"priority"`
}

// opQueueBatch admits several items in order.
func (d *Dispatcher) opQueueBatch(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p queueBatchParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Prompts) == 0 {
		return nil, errs.Validation("prompts must not be empty")
	}

	reqs := make([]queue.Request, len(p.Prompts))
	for i, prompt := range p.Prompts {
		reqs[i] = queue.Request{
			Prompt:   prompt,
			Model:    d.resolveModel(p.Model),
			Priority: queue.ParsePriority(p.Priority),
		}
	}
	ids, err := d.sched.EnqueueBatch(reqs)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"ids": ids}, nil
}

// opQueueStatus reports the scheduler snapshot.
func (d *Dispatcher) opQueueStatus(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return d.sched.Status(), nil
}

// idParams carry a single item id.
type idParams struct {
	ID int64 `json:"id"`
}

// opQueueItem returns one item's snapshot.
func (d *Dispatcher) opQueueItem(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	snap, ok := d.sched.Item(p.ID)
	if !ok {
		return nil, errs.Validation("unknown item id %d", p.ID)
	}
	return snap, nil
}

// opQueueCancel cancels one item.
func (d *Dispatcher) opQueueCancel(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": d.sched.Cancel(p.ID)}, nil
}

// opQueueCancelAll cancels every non-terminal item.
func (d *Dispatcher) opQueueCancelAll(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"cancelled": d.sched.CancelAll()}, nil
}

// opQueuePause stops new RUNNING transitions.
func (d *Dispatcher) opQueuePause(_ context.Context, _ json.RawMessage) (interface{}, error) {
	d.sched.Pause()
	return map[string]interface{}{"paused": true}, nil
}

// opQueueResume re-enables admission.
func (d *Dispatcher) opQueueResume(_ context.Context, _ json.RawMessage) (interface{}, error) {
	d.sched.Resume()
	return map[string]interface{}{"paused": false}, nil
}

// waitParams are the inputs of queue_wait.
type waitParams struct {
	ID        int64 `json:"id"`
	TimeoutMs int64 `json:"timeout"`
}

// opQueueWait blocks until the item is terminal or the timeout elapses.
func (d *Dispatcher) opQueueWait(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p waitParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return d.sched.WaitFor(ctx, p.ID, timeout)
}
