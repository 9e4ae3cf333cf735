// Package sessioncert implements the per-connection client-certificate
// session file design of spec §4.2.5: a randomly-named file under the
// session directory ($RUNTIME_DIRECTORY/clients), created once per
// connection and unlinked eagerly at teardown, as an alternative to the
// content-addressed, ref-counted design in internal/certstore. See the
// Open Question decision in DESIGN.md for which one a given deployment
// should pick.
package sessioncert

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/golib/errors"
)

const (
	ErrorOpenDir liberr.CodeError = iota + liberr.MinAvailable + 300
	ErrorCreateTemp
	ErrorWrite
	ErrorLink
	ErrorUnlink
)

func init() {
	liberr.RegisterIdFctMessage(ErrorOpenDir, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorOpenDir:
		return "cannot open client session directory"
	case ErrorCreateTemp:
		return "cannot create temporary session certificate file"
	case ErrorWrite:
		return "cannot write session certificate contents"
	case ErrorLink:
		return "cannot link session certificate file into place"
	case ErrorUnlink:
		return "cannot unlink session certificate file"
	}
	return ""
}

// CgroupUnitHeader is the byte-literal cgroup assertion line, identical
// to the one written by internal/certstore, reproduced per spec §6.
func CgroupUnitHeader(fingerprint string) string {
	return fmt.Sprintf("0::/system.slice/system-cockpithttps.slice/cockpit-wsinstance-https@%s.service\n", fingerprint)
}

// Dir is the session directory fd retained for openat/linkat/unlinkat
// operations, avoiding absolute-path parsing after startup (spec §3).
type Dir struct {
	dirfd int
	path  string
}

// Open opens the session directory (which must already exist, typically
// "$RUNTIME_DIRECTORY/clients").
func Open(path string) (*Dir, liberr.Error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, ErrorOpenDir.Error(err)
	}
	return &Dir{dirfd: fd, path: path}, nil
}

// Close releases the directory fd.
func (d *Dir) Close() error {
	return unix.Close(d.dirfd)
}

// randomName returns a 64-character lowercase hex name, matching the
// fingerprint's shape so the two designs are visually interchangeable on
// disk even though this one carries no addressing meaning.
func randomName() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create builds the session certificate file per spec §4.2.5:
//  1. open an unlinked temp file (O_TMPFILE) in the session dir, mode 0400
//  2. write the cgroup header line
//  3. write the peer certificate PEM
//  4. link the temp file into the directory under a random 64-hex name
//
// Any failure along the way is fatal for the connection; the temp fd, if
// still open, is always closed before returning.
func (d *Dir) Create(fingerprint, pem string) (name string, err liberr.Error) {
	fd, e := unix.Openat(d.dirfd, ".", unix.O_TMPFILE|unix.O_WRONLY, 0o400)
	if e != nil {
		return "", ErrorCreateTemp.Error(e)
	}
	defer unix.Close(fd)

	content := CgroupUnitHeader(fingerprint) + pem
	if _, e = unix.Write(fd, []byte(content)); e != nil {
		return "", ErrorWrite.Error(e)
	}

	name, rerr := randomName()
	if rerr != nil {
		return "", ErrorCreateTemp.Error(rerr)
	}

	procPath := fmt.Sprintf("/proc/self/fd/%d", fd)
	if e = unix.Linkat(unix.AT_FDCWD, procPath, d.dirfd, name, unix.AT_SYMLINK_FOLLOW); e != nil {
		return "", ErrorLink.Error(e)
	}

	return name, nil
}

// Unlink removes a previously-created session certificate file by name.
// Per spec §4.2.5, a failure here is an integrity violation ("a stale
// session cert file is a security violation") and must abort the whole
// process — the caller is expected to treat a non-nil return as fatal,
// not as a per-connection error.
func (d *Dir) Unlink(name string) error {
	if e := unix.Unlinkat(d.dirfd, name, 0); e != nil {
		return fmt.Errorf("sessioncert: failed to unlink %s: %w", name, e)
	}
	return nil
}
