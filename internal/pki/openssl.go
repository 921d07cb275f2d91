package pki

import (
	"context"
	"strconv"

	"github.com/vidamais/edgeguard/internal/command"
)

// OpenSSL is an Authority backed by the openssl command line tool.
type OpenSSL struct {
	runner command.Runner
	cfg    CAConfig
	binary string
}

// NewOpenSSL creates an OpenSSL authority.
func NewOpenSSL(runner command.Runner, cfg CAConfig) *OpenSSL {
	return &OpenSSL{runner: runner, cfg: cfg, binary: "openssl"}
}

func (o *OpenSSL) run(ctx context.Context, args ...string) error {
	_, err := o.runner.Run(ctx, o.binary, args...)
	return err
}

func (o *OpenSSL) GenerateKey(ctx context.Context, b Bundle) error {
	return o.run(ctx, "genrsa", "-out", b.Key(), strconv.Itoa(o.cfg.KeyBits))
}

func (o *OpenSSL) CreateCSR(ctx context.Context, b Bundle, subject Subject) error {
	return o.run(ctx, "req", "-new", "-sha256",
		"-key", b.Key(),
		"-out", b.CSR(),
		"-subj", subject.String(b.Name),
	)
}

func (o *OpenSSL) SignCertificate(ctx context.Context, b Bundle) error {
	return o.run(ctx, "x509", "-req", "-sha256",
		"-days", strconv.Itoa(o.cfg.ValidityDays),
		"-in", b.CSR(),
		"-CA", o.cfg.CertPath(),
		"-CAkey", o.cfg.KeyPath(),
		"-CAcreateserial",
		"-out", b.Cert(),
	)
}

func (o *OpenSSL) ExportPKCS12(ctx context.Context, b Bundle, password string) error {
	return o.run(ctx, "pkcs12", "-export",
		"-out", b.Archive(),
		"-inkey", b.Key(),
		"-in", b.Cert(),
		"-certfile", o.cfg.CertPath(),
		"-password", "pass:"+password,
	)
}

func (o *OpenSSL) Revoke(ctx context.Context, b Bundle, reason RevocationReason) error {
	return o.run(ctx, "ca", "-revoke", b.Cert(),
		"-config", o.cfg.OpenSSLConfig,
		"-keyfile", o.cfg.KeyPath(),
		"-cert", o.cfg.CertPath(),
		"-crl_reason", reason.String(),
	)
}

func (o *OpenSSL) GenerateCRL(ctx context.Context) error {
	return o.run(ctx, "ca", "-gencrl",
		"-out", o.cfg.CRLPath(),
		"-config", o.cfg.OpenSSLConfig,
		"-keyfile", o.cfg.KeyPath(),
		"-cert", o.cfg.CertPath(),
	)
}
