package engine

import "crypto/x509"

// verifyPeerCertificate implements the policy of spec §4.2.3: run the
// library's ordinary chain verification, but ignore failures that amount
// to "no trust anchor was configured for this signer" — an
// x509.UnknownAuthorityError, or a CertificateInvalidError whose Reason is
// NotAuthorizedToSign (an intermediate lacking the CA basic-constraint).
// Any other failure (expired, not yet valid, name constraints, too many
// intermediates, ...) is still rejected. A client presenting no
// certificate at all is accepted — trust-anchor decisions are left to the
// back-end identity service, per the Non-goals in spec §1.
//
// Go's crypto/tls does not run its own client-certificate chain
// verification unless ClientAuth is VerifyClientCertIfGiven or
// RequireAndVerifyClientCert; with RequestClientCert (what this engine
// configures) it calls this callback with verifiedChains always nil and
// rawCerts holding whatever the client sent, which is exactly the hook
// spec §4.2.3 describes.
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return nil
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		if c, perr := x509.ParseCertificate(raw); perr == nil {
			intermediates.AddCert(c)
		}
	}

	_, verr := leaf.Verify(x509.VerifyOptions{
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if verr == nil {
		return nil
	}

	if isIgnoredVerifyFailure(verr) {
		return nil
	}

	return verr
}

// isIgnoredVerifyFailure reports whether err is one of the two
// signer-related failure classes spec §4.2.3 says to ignore.
func isIgnoredVerifyFailure(err error) bool {
	switch e := err.(type) {
	case x509.UnknownAuthorityError:
		return true
	case x509.CertificateInvalidError:
		return e.Reason == x509.NotAuthorizedToSign
	default:
		return false
	}
}
