// Package job wraps one invocation of an external tool.
//
// A Job runs either as a local child process or as a submission to a batch
// scheduler (cluster.Session). Which one is decided by Spec.ClusterLogDir:
// when set, the job writes a wrapper script <ClusterLogDir>/<Tag>.sh and its
// joined output goes to <ClusterLogDir>/<Tag>.log.
//
// Lifecycle:
//
//	NotStarted --Start--> Running --Poll==done--> Complete
//
// Only the owning pool.Pool calls Start and Poll. Poll never blocks on the
// process; local exits are observed by a waiter goroutine, cluster jobs are
// queried through the session.
//
//	Pool                 Job                    localProc / Session
//	  |  Start --------->|  spawn / submit ---------->|
//	  |  Poll ---------->|  exited? / State+Wait ---->|
//	  |                  |  restart on failure (cluster only)
//	  |<-- done ---------|  artifact + marker check, stats parsing
//
// Success of a job is defined by its stdout marker: the file named by
// Spec.StdoutPath must end with the literal Marker. A job without a declared
// stdout file is complete when its exit status is zero.
//
// Invariants:
//   - the restart budget is consumed only by cluster failures
//   - an exit equal to Env.SSHExitCode does not consume the budget
//   - submission errors are retried without bound and never consume it
//   - statistics are parsed once, on the terminal transition
package job
