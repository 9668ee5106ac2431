package api

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint returns the SHA-256 digest of a DER-encoded certificate as
// lowercase hex. This is the value receivers pin against.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips separators and case so fingerprints copied
// from openssl output compare cleanly.
func NormalizeFingerprint(fp string) string {
	fp = strings.ReplaceAll(fp, ":", "")
	fp = strings.ReplaceAll(fp, " ", "")
	return strings.ToLower(fp)
}

// CertificateFingerprint returns the pinning fingerprint of a loaded TLS
// certificate's leaf.
func CertificateFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", fmt.Errorf("certificate has no leaf")
	}
	return Fingerprint(cert.Certificate[0]), nil
}

// VerifyPinnedPeer returns a VerifyPeerCertificate callback that accepts
// exactly the certificate matching the pinned fingerprint. Used with
// InsecureSkipVerify: the pin replaces chain validation entirely, which
// is the trust model for self-provisioned certificates.
func VerifyPinnedPeer(pinned string) func([][]byte, [][]*x509.Certificate) error {
	want := NormalizeFingerprint(pinned)
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: server presented no certificate", ErrHandshakeFailed)
		}
		got := Fingerprint(rawCerts[0])
		if got != want {
			return fmt.Errorf("%w: certificate fingerprint mismatch (got %s)", ErrHandshakeFailed, got)
		}
		return nil
	}
}
