package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedDER(t *testing.T, notBefore, notAfter time.Time, isCA bool) []byte {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "client"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return der
}

func TestVerifyPeerCertificate_NoCertIsOK(t *testing.T) {
	require.NoError(t, verifyPeerCertificate(nil, nil))
}

func TestVerifyPeerCertificate_UnknownAuthorityIsIgnored(t *testing.T) {
	der := selfSignedDER(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), true)
	err := verifyPeerCertificate([][]byte{der}, nil)
	require.NoError(t, err, "a self-signed cert with no configured trust anchor must still be accepted")
}

func TestVerifyPeerCertificate_ExpiredIsRejected(t *testing.T) {
	der := selfSignedDER(t, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour), true)
	err := verifyPeerCertificate([][]byte{der}, nil)
	require.Error(t, err)

	var cie x509.CertificateInvalidError
	require.ErrorAs(t, err, &cie)
	require.Equal(t, x509.Expired, cie.Reason)
}

func TestIsIgnoredVerifyFailure(t *testing.T) {
	require.True(t, isIgnoredVerifyFailure(x509.UnknownAuthorityError{}))
	require.True(t, isIgnoredVerifyFailure(x509.CertificateInvalidError{Reason: x509.NotAuthorizedToSign}))
	require.False(t, isIgnoredVerifyFailure(x509.CertificateInvalidError{Reason: x509.Expired}))
	require.False(t, isIgnoredVerifyFailure(nil))
}
