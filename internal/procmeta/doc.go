// Package procmeta tracks process metadata by thread group.
//
// Manager.Observe folds each process event into a ProcessMetadata:
//
//	fork         new entry, inheriting the parent's comm and credentials
//	exec         exec count, comm refreshed from procfs
//	uid, gid     credentials
//	sid, ptrace  entry only
//	comm         command name
//	coredump     core dumped flag
//	exit         leader exit reports the end of the thread group
//
// With WithProcFS, processes that predate tracing are seeded from
// /proc/<pid>/comm and /proc/<pid>/status when first seen.
//
// Queries (read-only): Get, GetIssues, Len.
// Commands (mutations): Observe, AddIssue, Delete.
//
// Thread-safe with RWMutex for concurrent access.
package procmeta
