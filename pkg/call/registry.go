package call

import (
	"errors"
	"sync"
)

// registry holds every live session with secondary indices by provider
// call id and media token. All three indices mutate under one lock so no
// dangling index entry can outlive its session row.
type registry struct {
	mu         sync.Mutex
	byID       map[string]*Session
	byProvider map[string]*Session
	byToken    map[string]*Session
}

func newRegistry() *registry {
	return &registry{
		byID:       make(map[string]*Session),
		byProvider: make(map[string]*Session),
		byToken:    make(map[string]*Session),
	}
}

func (r *registry) add(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[sess.id]; exists {
		return errors.New("duplicate call id")
	}
	if _, exists := r.byToken[sess.mediaToken]; exists {
		return errors.New("duplicate media token")
	}
	r.byID[sess.id] = sess
	r.byToken[sess.mediaToken] = sess
	return nil
}

// bindProvider records the provider-assigned call id once the outbound
// request returns.
func (r *registry) bindProvider(sess *Session, providerCallID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byProvider[providerCallID]; ok && existing != sess {
		return errors.New("provider call id already bound")
	}
	sess.mu.Lock()
	sess.providerCallID = providerCallID
	sess.mu.Unlock()
	r.byProvider[providerCallID] = sess
	return nil
}

func (r *registry) get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[callID]
	return sess, ok
}

func (r *registry) getByProvider(providerCallID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byProvider[providerCallID]
	return sess, ok
}

func (r *registry) getByToken(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byToken[token]
	return sess, ok
}

// soleRelaySession returns the only live relay session, if exactly one
// exists. Relay webhooks that omit a usable call id fall back to it.
func (r *registry) soleRelaySession() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Session
	for _, sess := range r.byID {
		if !sess.relay {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = sess
	}
	return found, found != nil
}

// remove deletes the session row and both secondary index entries in one
// critical section.
func (r *registry) remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, sess.id)
	delete(r.byToken, sess.mediaToken)
	sess.mu.Lock()
	pcid := sess.providerCallID
	sess.mu.Unlock()
	if pcid != "" && r.byProvider[pcid] == sess {
		delete(r.byProvider, pcid)
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
