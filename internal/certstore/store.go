// Package certstore implements the content-addressed, reference-counted
// client-certificate file registry of spec §4.4: an alternative to the
// per-session design in §4.2.5 used when multiple concurrent connections
// presenting the same client certificate should share one on-disk file.
//
// The file's lifetime invariant (spec §3) is enforced with two
// primitives: a process-wide mutex serializing the open-and-lock and
// upgrade-and-unlink critical sections, and an advisory flock(2) on the
// file descriptor distinguishing "I am one of possibly several holders"
// (shared lock) from "I am the last holder, safe to unlink" (exclusive
// lock). See the Open Question decision in DESIGN.md for why both this
// package and internal/sessioncert exist side by side.
package certstore

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/golib/errors"
)

const (
	ErrorOpenDir liberr.CodeError = iota + liberr.MinAvailable + 200
	ErrorCreateFile
	ErrorWriteFile
	ErrorLockFile
	ErrorUnlinkFile
)

func init() {
	liberr.RegisterIdFctMessage(ErrorOpenDir, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorOpenDir:
		return "cannot open certificate store directory"
	case ErrorCreateFile:
		return "cannot create certificate file"
	case ErrorWriteFile:
		return "cannot write certificate file contents"
	case ErrorLockFile:
		return "cannot acquire advisory lock on certificate file"
	case ErrorUnlinkFile:
		return "cannot unlink certificate file"
	}
	return ""
}

// CgroupUnitHeader is the byte-literal cgroup assertion line written at
// the head of every certificate file, naming the wsinstance unit the
// back-end is expected to run as. Reproduced verbatim from spec §6.
func CgroupUnitHeader(fingerprint string) string {
	return fmt.Sprintf("0::/system.slice/system-cockpithttps.slice/cockpit-wsinstance-https@%s.service\n", fingerprint)
}

// Store is the content-addressed certificate file registry.
type Store struct {
	dir   *os.File
	dirfd int
	mu    sync.Mutex
}

// Open opens dir (which must already exist) and retains its fd for
// openat/unlinkat-style operations, so no absolute path parsing is
// needed after startup.
func Open(dir string) (*Store, liberr.Error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, ErrorOpenDir.Error(err)
	}

	return &Store{dir: f, dirfd: int(f.Fd())}, nil
}

// Close releases the directory fd. The store must have no live holders.
func (s *Store) Close() error {
	return s.dir.Close()
}

// Handle is a held reference into the store: the still-open fd for the
// certificate file and the fingerprint it is named after.
type Handle struct {
	fd          int
	fingerprint string
}

// Fingerprint returns the fingerprint this handle was opened for.
func (h *Handle) Fingerprint() string {
	return h.fingerprint
}

// OpenCert computes the fingerprint of der, takes the store-wide mutex, and
// either joins an existing certificate file (shared lock) or creates one
// (write header + PEM, then shared lock), per spec §4.4.
func (s *Store) OpenCert(der []byte, pem string) (*Handle, liberr.Error) {
	fp := Fingerprint(der)

	s.mu.Lock()
	defer s.mu.Unlock()

	fd, err := unix.Openat(s.dirfd, fp, unix.O_RDONLY, 0)
	if err == nil {
		if lerr := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); lerr != nil {
			_ = unix.Close(fd)
			return nil, ErrorLockFile.Error(lerr)
		}
		return &Handle{fd: fd, fingerprint: fp}, nil
	}

	if err != unix.ENOENT {
		return nil, ErrorOpenDir.Error(err)
	}

	fd, err = unix.Openat(s.dirfd, fp, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY, 0o400)
	if err != nil {
		return nil, ErrorCreateFile.Error(err)
	}

	content := CgroupUnitHeader(fp) + pem
	if _, werr := unix.Write(fd, []byte(content)); werr != nil {
		_ = unix.Close(fd)
		_ = unix.Unlinkat(s.dirfd, fp, 0)
		return nil, ErrorWriteFile.Error(werr)
	}

	if lerr := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); lerr != nil {
		_ = unix.Close(fd)
		_ = unix.Unlinkat(s.dirfd, fp, 0)
		return nil, ErrorLockFile.Error(lerr)
	}

	return &Handle{fd: fd, fingerprint: fp}, nil
}

// ReleaseCert releases h. If the flock upgrade to exclusive succeeds, this
// caller is the last holder and the file is unlinked in the same
// critical section, per spec §4.4. Any failure to unlink as the
// confirmed last holder is process-fatal, matching the "stale session
// cert file is a security violation" policy applied to the per-session
// design in §4.2.5.
func (s *Store) ReleaseCert(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := unix.Flock(h.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		if uerr := unix.Unlinkat(s.dirfd, h.fingerprint, 0); uerr != nil {
			return fmt.Errorf("certstore: last holder failed to unlink %s: %w", h.fingerprint, uerr)
		}
		return unix.Close(h.fd)
	}

	if err == unix.EWOULDBLOCK {
		// BSD flock semantics drop the shared lock on a failed upgrade;
		// release it explicitly per spec §9 design notes so
		// implementations that do not inherit that behaviour natively
		// still converge on it.
		_ = unix.Flock(h.fd, unix.LOCK_UN)
		return unix.Close(h.fd)
	}

	return fmt.Errorf("certstore: unexpected flock error releasing %s: %w", h.fingerprint, err)
}
