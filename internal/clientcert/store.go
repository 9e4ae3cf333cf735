// Package clientcert unifies the two client-certificate file lifetimes
// spec §9's Open Question leaves to the implementer — per-connection
// session files (§4.2.5) and the content-addressed, ref-counted store
// (§4.4) — behind one interface, so the engine does not need to know
// which design a given deployment chose.
package clientcert

import (
	"github.com/cockpit-project/cockpit-tls-proxy/internal/certstore"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/sessioncert"
)

// Store hands out the on-disk representation of a peer certificate that
// the engine hands to a back-end as the "client-certificate" metadata
// field. Acquire's release func must be called exactly once, when the
// connection that requested it tears down.
type Store interface {
	Acquire(fingerprint string, der []byte, pem string) (filename string, release func() error, err error)
}

// sessionStore implements Store over a per-connection random-named file
// directory (spec §4.2.5): every connection gets its own file, unlinked
// unconditionally at teardown regardless of whether another connection
// shares the same fingerprint.
type sessionStore struct {
	dir *sessioncert.Dir
}

// NewSessionStore adapts a sessioncert.Dir to the Store interface.
func NewSessionStore(dir *sessioncert.Dir) Store {
	return &sessionStore{dir: dir}
}

func (s *sessionStore) Acquire(fingerprint string, _ []byte, pem string) (string, func() error, error) {
	name, err := s.dir.Create(fingerprint, pem)
	if err != nil {
		return "", nil, err
	}

	return name, func() error { return s.dir.Unlink(name) }, nil
}

// refcountedStore implements Store over the content-addressed,
// flock-guarded certificate store (spec §4.4): connections presenting
// the same DER share one file, released when the last holder closes.
type refcountedStore struct {
	store *certstore.Store
}

// NewRefcountedStore adapts a certstore.Store to the Store interface.
func NewRefcountedStore(store *certstore.Store) Store {
	return &refcountedStore{store: store}
}

func (r *refcountedStore) Acquire(_ string, der []byte, pem string) (string, func() error, error) {
	h, err := r.store.OpenCert(der, pem)
	if err != nil {
		return "", nil, err
	}

	return h.Fingerprint(), func() error { return r.store.ReleaseCert(h) }, nil
}
