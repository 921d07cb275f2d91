// Package pki issues and revokes the client certificates that open protected
// routes. The CA itself sits behind the Authority interface; Gateway orders
// the steps and keeps the client registry, the bundle directories and the
// CRL consistent.
package pki

import (
	"context"
	"crypto/x509/pkix"
	"fmt"
	"path/filepath"
	"strings"
)

// Bundle file names inside a client's directory.
const (
	KeyFile     = "client.key"
	CSRFile     = "client.csr"
	CertFile    = "client.crt"
	ArchiveFile = "client.p12"
)

// Bundle locates the artifacts of one client identity.
type Bundle struct {
	Name string
	Dir  string
}

func (b Bundle) Key() string     { return filepath.Join(b.Dir, KeyFile) }
func (b Bundle) CSR() string     { return filepath.Join(b.Dir, CSRFile) }
func (b Bundle) Cert() string    { return filepath.Join(b.Dir, CertFile) }
func (b Bundle) Archive() string { return filepath.Join(b.Dir, ArchiveFile) }

// Subject is the fixed part of every client certificate subject. Only the
// common name varies per client.
type Subject struct {
	Organization string `toml:"organization"`
	Locality     string `toml:"locality"`
	State        string `toml:"state"`
	Country      string `toml:"country"`
}

// DefaultSubject returns the subject of the reference deployment.
func DefaultSubject() Subject {
	return Subject{
		Organization: "Clinica VidaMais",
		Locality:     "Palmital",
		State:        "PR",
		Country:      "BR",
	}
}

// String renders the subject in openssl's -subj form for commonName.
func (s Subject) String(commonName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/CN=%s", commonName)
	for _, part := range []struct{ key, value string }{
		{"O", s.Organization},
		{"L", s.Locality},
		{"ST", s.State},
		{"C", s.Country},
	} {
		if part.value != "" {
			fmt.Fprintf(&b, "/%s=%s", part.key, part.value)
		}
	}
	return b.String()
}

// Name returns the subject as a pkix.Name for commonName.
func (s Subject) Name(commonName string) pkix.Name {
	n := pkix.Name{CommonName: commonName}
	if s.Organization != "" {
		n.Organization = []string{s.Organization}
	}
	if s.Locality != "" {
		n.Locality = []string{s.Locality}
	}
	if s.State != "" {
		n.Province = []string{s.State}
	}
	if s.Country != "" {
		n.Country = []string{s.Country}
	}
	return n
}

// RevocationReason represents the reason for certificate revocation
// Based on RFC 5280 CRL Reason Codes
type RevocationReason int

const (
	RevocationReasonUnspecified          RevocationReason = 0
	RevocationReasonKeyCompromise        RevocationReason = 1
	RevocationReasonAffiliationChanged   RevocationReason = 3
	RevocationReasonSuperseded           RevocationReason = 4
	RevocationReasonCessationOfOperation RevocationReason = 5
)

// String returns the name openssl uses for -crl_reason.
func (r RevocationReason) String() string {
	switch r {
	case RevocationReasonUnspecified:
		return "unspecified"
	case RevocationReasonKeyCompromise:
		return "keyCompromise"
	case RevocationReasonAffiliationChanged:
		return "affiliationChanged"
	case RevocationReasonSuperseded:
		return "superseded"
	case RevocationReasonCessationOfOperation:
		return "cessationOfOperation"
	default:
		return "unspecified"
	}
}

// CAConfig locates the CA material shared by every Authority.
type CAConfig struct {
	// Dir holds ca.crt, ca.key and crl.pem.
	Dir string `toml:"dir"`
	// OpenSSLConfig is the openssl.cnf used by "openssl ca".
	OpenSSLConfig string `toml:"openssl_config"`
	KeyBits       int    `toml:"key_bits"`
	ValidityDays  int    `toml:"validity_days"`
	CRLDays       int    `toml:"crl_days"`
}

// DefaultCAConfig returns the reference layout under /etc/ssl/server.
func DefaultCAConfig() CAConfig {
	return CAConfig{
		Dir:           "/etc/ssl/server/ca",
		OpenSSLConfig: "/etc/ssl/server/openssl.cnf",
		KeyBits:       4096,
		ValidityDays:  365,
		CRLDays:       30,
	}
}

func (c CAConfig) CertPath() string { return filepath.Join(c.Dir, "ca.crt") }
func (c CAConfig) KeyPath() string  { return filepath.Join(c.Dir, "ca.key") }
func (c CAConfig) CRLPath() string  { return filepath.Join(c.Dir, "crl.pem") }

// Authority performs the individual CA operations on a bundle's files. The
// bundle name is the certificate common name. Failures wrap
// apperr.ErrExternalTool (or apperr.ErrTimeout).
type Authority interface {
	GenerateKey(ctx context.Context, b Bundle) error
	CreateCSR(ctx context.Context, b Bundle, subject Subject) error
	SignCertificate(ctx context.Context, b Bundle) error
	ExportPKCS12(ctx context.Context, b Bundle, password string) error
	Revoke(ctx context.Context, b Bundle, reason RevocationReason) error
	GenerateCRL(ctx context.Context) error
}

// NameRevoker is implemented by authorities that index what they issued and
// can therefore revoke a client whose certificate file is gone.
type NameRevoker interface {
	RevokeByName(ctx context.Context, name string, reason RevocationReason) error
}

// Initializer is implemented by authorities that can bootstrap their own CA.
type Initializer interface {
	InitCA(ctx context.Context, commonName string) error
}
