// Package local provides a resource manager that runs jobs as processes on
// the local host.
//
// A Manager queues submitted jobs by priority and starts them as slots become
// free. Jobs can be held, released, suspended, resumed and terminated. When a
// cgroup root is configured each run of a job is placed in its own cgroup v2
// group, which applies resource limits and is used to freeze and kill every
// process of the job at once; otherwise the job's process group is
// signalled.
//
// Output of a job that does not redirect it to a file can be streamed
// concurrently to multiple clients.
package local
