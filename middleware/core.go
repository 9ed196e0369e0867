package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/jobs"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

const (
	roleJobRead  = "JOB_READ"
	roleJobWrite = "JOB_WRITE"
)

// privileged callers see private methods and topics
func privileged(cc *registry.CallContext) bool {
	return cc.Internal || cc.Session.HasRole(auth.System)
}

// jobVisible reports whether cc may see or touch job. Without role, callers
// are limited to their own jobs.
func jobVisible(cc *registry.CallContext, rec jobs.Record, role string) bool {
	if cc.Internal || cc.Session.Authorized([]string{role}) {
		return true
	}
	return rec.Username != "" && rec.Username == cc.Username()
}

func (rt *Runtime) corePlugin() *registry.Plugin {
	jobID := schema.Required("id", schema.Int().Min(1))

	return &registry.Plugin{
		Name: "core",
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("core.ping").
				Returns(schema.String()).
				REST("GET").
				Describe("Check that the daemon answers").
				Handler(func(context.Context, *registry.CallContext, []any) (any, error) {
					return "pong", nil
				}).
				Build(),

			registry.NewDescriptor("core.get_methods").
				Params(schema.Optional("prefix", schema.String().OrNull(), nil)).
				Returns(schema.Dict()).
				REST("GET").
				Describe("Describe the callable methods").
				Handler(rt.getMethods).
				Build(),

			registry.NewDescriptor("core.get_events").
				Returns(schema.Dict()).
				REST("GET").
				Describe("Describe the subscribable event topics").
				Handler(rt.getEvents).
				Build(),

			registry.NewDescriptor("core.get_jobs").
				Params(schema.Optional("filters", schema.Array(schema.Array(schema.Any())), []any{})).
				Returns(schema.Array(schema.Dict())).
				REST("GET").
				Describe("List jobs matching filters").
				Handler(rt.getJobs).
				Build(),

			registry.NewDescriptor("core.job_abort").
				Params(jobID).
				Returns(schema.Null()).
				REST("POST").
				Describe("Abort a running or waiting job").
				Handler(rt.jobAbort).
				Build(),

			registry.NewDescriptor("core.job_wait").
				Params(jobID).
				Returns(schema.Any()).
				Deadline(0).
				Describe("Wait for a job and return its result").
				Handler(rt.jobWait).
				Build(),

			registry.NewDescriptor("core.bulk").
				Params(
					schema.Required("method", schema.String().MinLength(1)),
					schema.Required("params", schema.Array(schema.Array(schema.Any()))),
					schema.Optional("description", schema.String().OrNull(), nil),
				).
				Returns(schema.Array(schema.Object(
					schema.Required("job_id", schema.Int().OrNull()),
					schema.Required("result", schema.Any()),
					schema.Required("error", schema.String().OrNull()),
				))).
				Job(registry.Cooperative).
				Abortable().
				Lock(func(args []any) string { return "bulk:" + args[0].(string) }).
				Describe("Call a method once per parameter list").
				Handler(rt.bulk).
				Build(),

			registry.NewDescriptor("core.event_send").
				Private().
				Params(
					schema.Required("name", schema.String().MinLength(1)),
					schema.Required("event_type", schema.Enum(string(eventbus.Added), string(eventbus.Changed), string(eventbus.Removed))),
					schema.Optional("id", schema.Any(), nil),
					schema.Optional("fields", schema.Dict(), map[string]any{}),
				).
				Returns(schema.Null()).
				Handler(func(_ context.Context, _ *registry.CallContext, args []any) (any, error) {
					_, err := rt.bus.Publish(args[0].(string), eventbus.Kind(args[1].(string)), args[2], args[3])
					return nil, err
				}).
				Build(),

			registry.NewDescriptor("core.call_hook").
				Private().
				Params(
					schema.Required("name", schema.String().MinLength(1)),
					schema.Optional("args", schema.Array(schema.Any()), []any{}),
				).
				Returns(schema.Null()).
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					return nil, rt.hooks.Call(ctx, args[0].(string), args[1].([]any)...)
				}).
				Build(),
		},
	}
}

func (rt *Runtime) getMethods(_ context.Context, cc *registry.CallContext, args []any) (any, error) {
	prefix, _ := args[0].(string)
	showPrivate := privileged(cc)

	out := make(map[string]any)
	for _, d := range rt.registry.Methods() {
		if d.Visibility == registry.Private && !showPrivate {
			continue
		}
		if prefix != "" && !strings.HasPrefix(d.Path, prefix) {
			continue
		}
		entry := map[string]any{
			"description": d.Description,
			"accepts":     schema.ParamsJSONSchema(d.Params),
			"returns":     nil,
			"roles":       append([]string{}, d.Roles...),
			"kind":        d.Kind.String(),
			"job":         d.Kind == registry.Job,
			"abortable":   d.Abortable,
			"private":     d.Visibility == registry.Private,
			"no_auth":     d.NoAuth,
			"rest":        d.REST,
		}
		if d.Result != nil {
			entry["returns"] = schema.JSONSchema(d.Result)
		}
		if d.REST {
			entry["rest_method"] = d.RESTMethod
		}
		out[d.Path] = entry
	}
	return out, nil
}

func (rt *Runtime) getEvents(_ context.Context, cc *registry.CallContext, _ []any) (any, error) {
	showPrivate := privileged(cc)
	out := make(map[string]any)
	for _, info := range rt.bus.Topics() {
		if info.Private && !showPrivate {
			continue
		}
		out[info.Name] = map[string]any{
			"description": info.Description,
			"sticky":      info.Sticky,
			"roles":       info.Roles,
			"private":     info.Private,
			"schema":      info.Schema,
			"policy":      info.Policy,
		}
	}
	return out, nil
}

func (rt *Runtime) getJobs(_ context.Context, cc *registry.CallContext, args []any) (any, error) {
	filters, err := eventbus.ParseFilters(args[0])
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, rec := range rt.jobs.List() {
		if !jobVisible(cc, rec, roleJobRead) {
			continue
		}
		m := rec.Map()
		if eventbus.MatchAll(filters, m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (rt *Runtime) lookupJob(cc *registry.CallContext, id int64, role string) (*jobs.Job, error) {
	job, ok := rt.jobs.Get(uint64(id))
	if !ok {
		return nil, errors.NotFound("Job %d does not exist", id)
	}
	if !jobVisible(cc, job.Record(), role) {
		// hidden jobs look absent
		return nil, errors.NotFound("Job %d does not exist", id)
	}
	return job, nil
}

func (rt *Runtime) jobAbort(_ context.Context, cc *registry.CallContext, args []any) (any, error) {
	job, err := rt.lookupJob(cc, args[0].(int64), roleJobWrite)
	if err != nil {
		return nil, err
	}
	reason := "Aborted by user"
	if name := cc.Username(); name != "" {
		reason = "Aborted by " + name
	}
	return nil, job.Abort(reason)
}

func (rt *Runtime) jobWait(ctx context.Context, cc *registry.CallContext, args []any) (any, error) {
	job, err := rt.lookupJob(cc, args[0].(int64), roleJobRead)
	if err != nil {
		return nil, err
	}
	return job.Wait(ctx)
}

func (rt *Runtime) bulk(ctx context.Context, cc *registry.CallContext, args []any) (any, error) {
	method := args[0].(string)
	params := args[1].([]any)
	job := cc.Job

	desc, ok := rt.dispatcher.Lookup(method)
	if !ok {
		return nil, errors.NoMethod(method)
	}
	if desc.Kind == registry.Job && !desc.Abortable {
		job.Logf("%s jobs are not abortable; aborting core.bulk will not stop a running item", method)
	}
	if description, _ := args[2].(string); description != "" {
		job.SetDescription(description)
	}

	results := make([]any, 0, len(params))
	for i, raw := range params {
		if err := ctx.Err(); err != nil {
			return nil, errors.AsCallError(context.Cause(ctx))
		}
		itemArgs, _ := raw.([]any)
		entry := map[string]any{"job_id": nil, "result": nil, "error": nil}

		result, err := rt.dispatcher.Call(ctx, cc.Child(), method, itemArgs)
		if err == nil && desc.Kind == registry.Job {
			id := result.(uint64)
			entry["job_id"] = id
			result, err = rt.waitChild(ctx, id)
		}
		if err != nil {
			ce := errors.AsCallError(err)
			entry["error"] = ce.Reason
			job.Logf("%s[%d]: [%s] %s", method, i, ce.Errno, ce.Reason)
		} else {
			entry["result"] = result
		}
		results = append(results, entry)

		job.SetProgress(float64(i+1)*100/float64(len(params)),
			fmt.Sprintf("%d/%d calls to %s done", i+1, len(params), method), nil)
	}
	return results, nil
}

// waitChild waits for a job started by another job, aborting it when the
// parent is cancelled
func (rt *Runtime) waitChild(ctx context.Context, id uint64) (any, error) {
	child, ok := rt.jobs.Get(id)
	if !ok {
		return nil, errors.NotFound("Job %d does not exist", id)
	}
	result, err := child.Wait(ctx)
	if ctx.Err() != nil {
		_ = child.Abort("Parent job aborted")
	}
	return result, err
}
