// Package schema defines the project aggregate that tasksync keeps in sync.
//
// # Overview
//
// A Project is the unit of synchronization: it carries a monotonically
// increasing Version, an UpdatedAt timestamp, an ordered list of Tasks and a
// list of Connections between tasks. Remote writes are accepted only when the
// caller's version matches the stored one, so every component that writes a
// project works on whole aggregates.
//
// Tasks form a forest through ParentID. A task is soft-deleted by setting
// DeletedAt (a tombstone); DeletedMeta keeps the placement it had before the
// delete so RestoreTask can put it back.
//
// Connections are identified by their ordered (source, target) pair:
//
//	{
//	  "source": "task-a",
//	  "target": "task-b"
//	}
//
// # Temporary identifiers
//
// Entities created offline get an id with the TempIDPrefix ("temp-"). Once the
// remote assigns a permanent id, RewriteIDs returns a copy of the projects
// with every reference rewritten: the task's own id, any ParentID pointing
// at it, and both connection endpoints.
//
// # Files
//
// Projects can be exchanged as individual JSON files named {id}.json, which
// is what the project-file inbox in internal/watch consumes.
package schema
