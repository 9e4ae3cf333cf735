// Package metadata builds the one-shot out-of-band message a connection
// hands its back-end: origin IP/port and, for TLS connections with a
// client certificate, the session certificate filename. Spec §4.2.6/§6
// specify it as a sealed, read-only memfd containing a small JSON object,
// delivered as SCM_RIGHTS ancillary data on the first successful write to
// the back-end and never again.
package metadata

import (
	"encoding/json"
	"fmt"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/golib/errors"
)

const (
	ErrorMarshal liberr.CodeError = iota + liberr.MinAvailable + 400
	ErrorCreateMemfd
	ErrorWriteMemfd
	ErrorSealMemfd
)

func init() {
	liberr.RegisterIdFctMessage(ErrorMarshal, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorMarshal:
		return "cannot marshal connection metadata"
	case ErrorCreateMemfd:
		return "cannot create sealed memfd for connection metadata"
	case ErrorWriteMemfd:
		return "cannot write connection metadata into memfd"
	case ErrorSealMemfd:
		return "cannot seal connection metadata memfd"
	}
	return ""
}

// Metadata is the recognized JSON shape of the out-of-band message, per
// spec §9 design notes.
type Metadata struct {
	OriginIP          string `json:"origin-ip"`
	OriginPort        int    `json:"origin-port"`
	ClientCertificate string `json:"client-certificate,omitempty"`
}

// Seal marshals m and returns a sealed, read-only memfd containing the
// JSON bytes: F_SEAL_SHRINK|F_SEAL_GROW|F_SEAL_WRITE|F_SEAL_SEAL, so the
// back-end receiving it cannot mutate what the proxy asserted about the
// connection.
func Seal(m Metadata) (fd int, err liberr.Error) {
	buf, jerr := json.Marshal(m)
	if jerr != nil {
		return -1, ErrorMarshal.Error(jerr)
	}

	memfd, merr := unix.MemfdCreate("cockpit-tls-proxy-metadata", unix.MFD_ALLOW_SEALING)
	if merr != nil {
		return -1, ErrorCreateMemfd.Error(merr)
	}

	if _, werr := unix.Write(memfd, buf); werr != nil {
		_ = unix.Close(memfd)
		return -1, ErrorWriteMemfd.Error(werr)
	}

	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	if _, ferr := unix.FcntlInt(uintptr(memfd), unix.F_ADD_SEALS, seals); ferr != nil {
		_ = unix.Close(memfd)
		return -1, ErrorSealMemfd.Error(fmt.Errorf("fcntl(F_ADD_SEALS): %w", ferr))
	}

	return memfd, nil
}
