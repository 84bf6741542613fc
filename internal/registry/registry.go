// Package registry holds the in-memory artifact indexes: a pending index
// of artifacts still collecting files and a matched index of artifact file
// sets already emitted downstream. Both are rebuilt from a storage listing
// at startup, so process restarts need no message replay.
package registry

import (
	"sort"

	"github.com/corvid-bio/magpie/internal/events"
)

// Key identifies an artifact uniquely across both indexes. All five fields
// participate: the same artifact id uploaded to a test bucket and a prod
// bucket is two distinct entries.
type Key struct {
	Artifact    string
	Project     string
	Site        string
	Platform    string
	Environment string
}

// Entry is the registry's record of one artifact in progress. Owned
// exclusively by the registry; the matcher is the sole mutator.
type Entry struct {
	Key     Key
	RawSite string
	Files   map[string]events.FileRecord
}

// clone deep-copies an entry so matched-index state cannot be mutated
// through a pending entry seeded from it.
func (e *Entry) clone() *Entry {
	files := make(map[string]events.FileRecord, len(e.Files))
	for ext, rec := range e.Files {
		files[ext] = rec
	}
	return &Entry{Key: e.Key, RawSite: e.RawSite, Files: files}
}

// Uploaders returns the distinct submitter identities across the entry's
// files, sorted for deterministic payloads.
func (e *Entry) Uploaders() []string {
	set := make(map[string]struct{}, len(e.Files))
	for _, rec := range e.Files {
		set[rec.Submitter] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for submitter := range set {
		out = append(out, submitter)
	}
	sort.Strings(out)
	return out
}

// Registry indexes artifacts in progress and artifacts already matched.
// Not safe for concurrent use: by contract the matcher processes one
// arrival at a time, so transitions are linearizable with arrival order
// without any locking here.
type Registry struct {
	pending map[Key]*Entry
	matched map[Key]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		pending: make(map[Key]*Entry),
		matched: make(map[Key]*Entry),
	}
}

// UpsertFile records a file against a pending artifact, creating the entry
// on first sight. A file with an extension already present replaces the
// prior record whole.
func (r *Registry) UpsertFile(key Key, rawSite, extension string, rec events.FileRecord) *Entry {
	entry, ok := r.pending[key]
	if !ok {
		entry = &Entry{
			Key:     key,
			RawSite: rawSite,
			Files:   make(map[string]events.FileRecord),
		}
		r.pending[key] = entry
	}
	entry.Files[extension] = rec
	return entry
}

// Get returns the pending entry for a key, or nil.
func (r *Registry) Get(key Key) *Entry {
	return r.pending[key]
}

// IsComplete reports whether the pending entry has every required
// extension.
func (r *Registry) IsComplete(key Key, required []string) bool {
	entry, ok := r.pending[key]
	if !ok {
		return false
	}
	for _, ext := range required {
		if _, ok := entry.Files[ext]; !ok {
			return false
		}
	}
	return true
}

// Remove drops a pending entry. Called only after the matched event for it
// has been published.
func (r *Registry) Remove(key Key) {
	delete(r.pending, key)
}

// Matched returns the matched-index entry for a key, or nil.
func (r *Registry) Matched(key Key) *Entry {
	return r.matched[key]
}

// PutMatched records an emitted artifact in the matched index. The entry
// is copied so later pending-side mutation cannot alias it.
func (r *Registry) PutMatched(entry *Entry) {
	r.matched[entry.Key] = entry.clone()
}

// SeedPending reinstates a pending entry from a previously matched file
// set, used when a resubmission must recombine the new file with its
// already-matched siblings.
func (r *Registry) SeedPending(from *Entry) *Entry {
	entry := from.clone()
	r.pending[entry.Key] = entry
	return entry
}

// PendingCount and MatchedCount expose index sizes for metrics.
func (r *Registry) PendingCount() int { return len(r.pending) }
func (r *Registry) MatchedCount() int { return len(r.matched) }
