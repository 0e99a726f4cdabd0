package smtp

import "sync"

// RequestKind names one of the ten Pending-request registry families.
type RequestKind string

const (
	KindPTR                RequestKind = "ptr"
	KindFilterConnect      RequestKind = "filter_connect"
	KindFilterHELO         RequestKind = "filter_helo"
	KindFilterMAIL         RequestKind = "filter_mail"
	KindFilterRCPT         RequestKind = "filter_rcpt"
	KindFilterDATA         RequestKind = "filter_data"
	KindAuth               RequestKind = "auth"
	KindQueueCreateMessage RequestKind = "queue_create_message"
	KindQueueOpenFile      RequestKind = "queue_open_file"
	KindQueueCommit        RequestKind = "queue_commit"
)

// Registry is a family of mappings, one per request kind, from request id
// to the session awaiting that request's reply. Insertion must precede
// request emission; lookup-and-remove is the normal resumption pattern.
// Although this implementation resolves most collaborators synchronously
// within the session's own goroutine rather than through a process-wide
// event loop, the registry still enforces "at most one outstanding request
// per kind per session" and gives the testable property in ("no Wait*
// registry contains that session id after disposal") something real to
// check against.
type Registry struct {
	mu    sync.Mutex
	kinds map[RequestKind]map[uint64]*Session
}

// NewRegistry creates an empty Registry with all ten kinds pre-allocated.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[RequestKind]map[uint64]*Session)}
	for _, k := range []RequestKind{
		KindPTR, KindFilterConnect, KindFilterHELO, KindFilterMAIL, KindFilterRCPT,
		KindFilterDATA, KindAuth, KindQueueCreateMessage, KindQueueOpenFile, KindQueueCommit,
	} {
		r.kinds[k] = make(map[uint64]*Session)
	}
	return r
}

// Insert records sess as awaiting a reply of the given kind under reqid.
func (r *Registry) Insert(kind RequestKind, reqid uint64, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind][reqid] = sess
}

// Remove looks up and removes the session awaiting reqid under kind. ok is
// false when no such entry exists. A missing entry under KindFilterDATA is
// the only tolerated "dead session" condition; callers must treat a
// missing entry under any other kind as a fatal programming error.
func (r *Registry) Remove(kind RequestKind, reqid uint64) (sess *Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.kinds[kind]
	sess, ok = m[reqid]
	if ok {
		delete(m, reqid)
	}
	return sess, ok
}

// RemoveSession purges every registry entry for the given session id,
// called during disposal so the post-disposal invariant holds
// regardless of which registries the session happened to be in.
func (r *Registry) RemoveSession(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.kinds {
		delete(m, id)
	}
}

// ContainsSession reports whether id appears in any registry kind.
func (r *Registry) ContainsSession(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.kinds {
		if _, ok := m[id]; ok {
			return true
		}
	}
	return false
}
