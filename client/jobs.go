package client

import (
	"context"
	"fmt"
	"time"

	"github.com/truenas/middlewared/errors"
)

const (
	jobsTopic           = "core.get_jobs"
	defaultAbortTimeout = 5 * time.Second
)

// JobUpdate is the state of a job as reported by its events
type JobUpdate struct {
	ID          any
	State       string
	Percent     float64
	Description string
}

// CallJob calls a job method and waits for the job to finish, reporting
// each update to progress when it is not nil. Cancelling ctx aborts the
// job.
func (c *Client) CallJob(ctx context.Context, method string, progress func(JobUpdate), params ...any) (any, error) {
	// subscribe first so no transition is missed between submit and watch
	sub, err := c.Subscribe(ctx, jobsTopic, SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	id, err := c.Call(ctx, method, params...)
	if err != nil {
		return nil, err
	}

	records, err := c.Call(ctx, "core.get_jobs", []any{[]any{"id", "=", id}})
	if err != nil {
		return nil, err
	}
	if list, ok := records.([]any); ok && len(list) == 1 {
		if rec, ok := list[0].(map[string]any); ok {
			if done, result, err := jobOutcome(rec, progress); done {
				return result, err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			abortCtx, cancel := context.WithTimeout(context.Background(), defaultAbortTimeout)
			_, _ = c.Call(abortCtx, "core.job_abort", id)
			cancel()
			return nil, errors.AsCallError(ctx.Err())
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return nil, err
				}
				return nil, ErrClosed
			}
			if fmt.Sprint(ev.ID) != fmt.Sprint(id) {
				continue
			}
			rec, ok := ev.Fields.(map[string]any)
			if !ok {
				continue
			}
			if done, result, err := jobOutcome(rec, progress); done {
				return result, err
			}
		}
	}
}

// jobOutcome reports progress and, for a finished job, its result
func jobOutcome(rec map[string]any, progress func(JobUpdate)) (bool, any, error) {
	state, _ := rec["state"].(string)
	if progress != nil {
		u := JobUpdate{ID: rec["id"], State: state}
		if p, ok := rec["progress"].(map[string]any); ok {
			u.Percent, _ = p["percent"].(float64)
			u.Description, _ = p["description"].(string)
		}
		progress(u)
	}
	switch state {
	case "SUCCESS":
		return true, rec["result"], nil
	case "FAILED", "ABORTED":
		return true, nil, jobError(rec)
	}
	return false, nil, nil
}

func jobError(rec map[string]any) error {
	info, _ := rec["exc_info"].(map[string]any)
	if info == nil {
		reason, _ := rec["error"].(string)
		if rec["state"] == "ABORTED" {
			return errors.Canceled(reason)
		}
		return errors.NewCallError(errors.EFAULT, "%s", reason)
	}
	errno, _ := info["errno"].(float64)
	reason, _ := info["reason"].(string)
	ce := errors.NewCallError(errors.Errno(errno), "%s", reason)
	ce.Extra = info["extra"]
	ce.Trace, _ = info["trace"].(string)
	return ce
}
