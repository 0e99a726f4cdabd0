package smtp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/infodancer/auth/domain"
	"github.com/infodancer/msgstore"
)

// Queue manages the temporary spool file backing one in-progress
// transaction and its eventual commit to durable storage.
// QueueCreateMessage/QueueSubmitEnvelope+QueueCommitEnvelopes/QueueCommit
// name the collaborator requests this interface's methods satisfy.
type Queue interface {
	// CreateMessage allocates a fresh spool handle for a new transaction,
	// returning a handle the body ingester appends to and the handler later
	// rewinds and reads back for delivery. Called from MAIL FROM once the
	// sender is accepted, per spec section 4.3.
	CreateMessage(ctx context.Context, env *Envelope) (SpoolHandle, error)
	// SubmitRecipient reserves delivery for one accepted recipient, called
	// once per RCPT TO after FilterRCPT accepts. The reference architecture
	// streams a QueueSubmitEnvelope per recipient followed by a single
	// QueueCommitEnvelopes; since this engine handles one RCPT TO at a time
	// rather than batching submissions before a shared commit, the two
	// collapse into this one synchronous call. An error here sets
	// TEMPFAILURE without touching dest_count, rcpt_count, or kick_count.
	SubmitRecipient(ctx context.Context, env *Envelope, recipient string) error
	// Commit delivers the spooled message body to durable storage for every
	// accepted recipient. The caller does not distinguish error types: any
	// error from Commit is a transient failure, answered with 421 and the
	// end of the session.
	Commit(ctx context.Context, env *Envelope, body io.Reader) error
	// Discard releases any spool resources without delivering, used on RSET
	// or abnormal disconnect mid-transaction.
	Discard(ctx context.Context, env *Envelope) error
}

// SpoolQueue is the default Queue, spooling to a temp file and committing
// through msgstore, the same delivery backend used for mailbox storage on
// the read side, here invoked from the write side instead.
type SpoolQueue struct {
	domains  domain.DomainProvider
	fallback msgstore.MessageStore
	spoolDir string

	mu     sync.Mutex
	spools map[uint64]*os.File
}

// NewSpoolQueue builds a Queue. domains resolves each recipient's delivery
// store by domain; fallback is used when domains is nil or a domain has no
// store configured (suitable for single-domain deployments). spoolDir ""
// uses the OS default temp directory.
func NewSpoolQueue(domains domain.DomainProvider, fallback msgstore.MessageStore, spoolDir string) *SpoolQueue {
	return &SpoolQueue{
		domains:  domains,
		fallback: fallback,
		spoolDir: spoolDir,
		spools:   make(map[uint64]*os.File),
	}
}

func (q *SpoolQueue) CreateMessage(ctx context.Context, env *Envelope) (SpoolHandle, error) {
	f, err := os.CreateTemp(q.spoolDir, fmt.Sprintf("smtpd-%d-*.spool", env.SessionID))
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.spools[env.SessionID] = f
	q.mu.Unlock()
	return f, nil
}

// SubmitRecipient verifies a deliverable destination store exists for
// recipient's domain before DATA begins, catching an unroutable recipient
// early instead of only at the bulk Commit.
func (q *SpoolQueue) SubmitRecipient(ctx context.Context, env *Envelope, recipient string) error {
	_, host, ok := splitAddr(recipient)
	if !ok {
		return fmt.Errorf("smtp: malformed recipient %q", recipient)
	}
	_, err := q.storeForDomain(host)
	return err
}

func (q *SpoolQueue) Commit(ctx context.Context, env *Envelope, body io.Reader) error {
	store, err := q.storeFor(env)
	if err != nil {
		return err
	}
	envelope := msgstore.Envelope{
		Sender:     env.Sender,
		Recipients: env.Recipients,
	}
	if err := store.Deliver(ctx, envelope, body); err != nil {
		return err
	}
	return q.cleanupSpool(env.SessionID)
}

func (q *SpoolQueue) Discard(ctx context.Context, env *Envelope) error {
	return q.cleanupSpool(env.SessionID)
}

func (q *SpoolQueue) cleanupSpool(sessionID uint64) error {
	q.mu.Lock()
	f, ok := q.spools[sessionID]
	if ok {
		delete(q.spools, sessionID)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	name := f.Name()
	closeErr := f.Close()
	removeErr := os.Remove(name)
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}

// storeFor resolves the delivery backend for the first recipient's domain,
// falling back to the configured default store. Multi-domain fan-out across
// recipients in different domains is out of scope (Non-goals: no
// outbound relay; all accepted recipients are presumed local).
func (q *SpoolQueue) storeFor(env *Envelope) (msgstore.MessageStore, error) {
	if len(env.Recipients) > 0 {
		_, host, ok := splitAddr(env.Recipients[0])
		if ok {
			return q.storeForDomain(host)
		}
	}
	return q.storeForDomain("")
}

// storeForDomain resolves the delivery backend for one recipient domain,
// falling back to the configured default store.
func (q *SpoolQueue) storeForDomain(host string) (msgstore.MessageStore, error) {
	if q.domains != nil && host != "" {
		if d := q.domains.GetDomain(host); d != nil {
			if store, err := d.Store(); err == nil && store != nil {
				return store, nil
			}
		}
	}
	if q.fallback != nil {
		return q.fallback, nil
	}
	return nil, fmt.Errorf("smtp: no delivery store configured for recipient domain %q", host)
}
