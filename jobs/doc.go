// Package jobs runs long operations in the background and tracks them.
//
// A job is submitted with a Spec and moves WAITING, RUNNING, then one of
// SUCCESS, FAILED or ABORTED. Jobs sharing a lock key run one at a time in
// submit order. Every transition and progress change is published on the
// core.get_jobs topic with the job's Record as fields.
//
//	sup, _ := jobs.NewSupervisor(jobs.DefaultConfig(), jobs.WithEvents(bus))
//	job, _ := sup.Submit(jobs.Spec{
//		Method:  "pool.scrub",
//		LockKey: "pool.scrub:tank",
//		Run: func(ctx context.Context, job *jobs.Job) (any, error) {
//			job.SetProgress(50, "scrubbing", nil)
//			return nil, nil
//		},
//	})
//	result, err := job.Wait(ctx)
//
// Finished jobs are retained for core.get_jobs and core.job_wait. When a
// snapshot path is configured, changed records are appended to a JSONL file
// periodically and the file is compacted on Stop; after a restart, jobs that
// had not finished are reported ABORTED with the reason "restart".
package jobs
