package pki

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/clients"
	"software.sslmate.com/src/go-pkcs12"
)

func newTestNative(t *testing.T) (*Native, CAConfig) {
	t.Helper()
	cfg := DefaultCAConfig()
	cfg.Dir = filepath.Join(t.TempDir(), "ca")
	cfg.KeyBits = 2048
	n, err := OpenNative(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.InitCA(context.Background(), "Test CA"))
	return n, cfg
}

func TestNative_InitCA(t *testing.T) {
	n, cfg := newTestNative(t)

	ca, err := readCertificate(cfg.CertPath())
	require.NoError(t, err)
	require.True(t, ca.IsCA)

	crl := readCRL(t, cfg)
	require.Empty(t, crl.RevokedCertificateEntries)

	// A second init keeps the existing CA.
	require.NoError(t, n.InitCA(context.Background(), "Other CA"))
	again, err := readCertificate(cfg.CertPath())
	require.NoError(t, err)
	require.Equal(t, ca.SerialNumber, again.SerialNumber)
}

func TestNative_GatewayLifecycle(t *testing.T) {
	n, cfg := newTestNative(t)
	clientsDir := filepath.Join(t.TempDir(), "clients")
	reloader := &MockReloader{}
	gw := NewGateway(GatewayConfig{
		ClientsDir:     clientsDir,
		Authority:      n,
		Registry:       clients.NewRegistry(filepath.Join(clientsDir, "clients.json")),
		Proxy:          reloader,
		Subject:        DefaultSubject(),
		ExportPassword: "s3cret",
	})
	ctx := context.Background()

	_, err := gw.Issue(ctx, "alice")
	require.NoError(t, err)

	path, err := gw.BundlePath(ctx, "alice")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	key, cert, caCerts, err := pkcs12.DecodeChain(data, "s3cret")
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Equal(t, "alice", cert.Subject.CommonName)
	require.Equal(t, []string{"Clinica VidaMais"}, cert.Subject.Organization)
	require.Len(t, caCerts, 1)
	require.NoError(t, cert.CheckSignatureFrom(caCerts[0]))
	require.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	_, _, _, err = pkcs12.DecodeChain(data, "wrong")
	require.Error(t, err)

	res, err := gw.Revoke(ctx, "alice")
	require.NoError(t, err)
	require.True(t, res.CRLUpdated)
	require.Empty(t, res.Anomalies)
	require.Equal(t, 1, reloader.Reloads)

	revoked, err := n.Revoked(cert.SerialNumber)
	require.NoError(t, err)
	require.True(t, revoked)

	crl := readCRL(t, cfg)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	require.Equal(t, 0, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(cert.SerialNumber))
	require.Equal(t, int(RevocationReasonCessationOfOperation), crl.RevokedCertificateEntries[0].ReasonCode)
}

func TestNative_RevokeTwiceFails(t *testing.T) {
	n, _ := newTestNative(t)
	ctx := context.Background()
	b := Bundle{Name: "bob", Dir: t.TempDir()}

	require.NoError(t, n.GenerateKey(ctx, b))
	require.NoError(t, n.CreateCSR(ctx, b, DefaultSubject()))
	require.NoError(t, n.SignCertificate(ctx, b))

	require.NoError(t, n.Revoke(ctx, b, RevocationReasonCessationOfOperation))
	err := n.Revoke(ctx, b, RevocationReasonCessationOfOperation)
	require.ErrorIs(t, err, apperr.ErrExternalTool)
}

func TestNative_RevokeMissingBundleRevokesSerial(t *testing.T) {
	n, cfg := newTestNative(t)
	clientsDir := filepath.Join(t.TempDir(), "clients")
	registry := clients.NewRegistry(filepath.Join(clientsDir, "clients.json"))
	reloader := &MockReloader{}
	gw := NewGateway(GatewayConfig{
		ClientsDir: clientsDir,
		Authority:  n,
		Registry:   registry,
		Proxy:      reloader,
		Subject:    DefaultSubject(),
	})
	ctx := context.Background()

	_, err := gw.Issue(ctx, "alice")
	require.NoError(t, err)
	cert, err := readCertificate(filepath.Join(clientsDir, "alice", CertFile))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(clientsDir, "alice")))

	res, err := gw.Revoke(ctx, "alice")
	require.NoError(t, err)
	require.True(t, res.Revoked)
	require.True(t, res.CRLUpdated)
	require.Equal(t, 1, reloader.Reloads)
	require.Len(t, res.Anomalies, 1)

	revoked, err := n.Revoked(cert.SerialNumber)
	require.NoError(t, err)
	require.True(t, revoked)

	crl := readCRL(t, cfg)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	require.Equal(t, 0, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(cert.SerialNumber))

	registered, err := registry.Contains(ctx, "alice")
	require.NoError(t, err)
	require.False(t, registered)
}

func TestNative_RevokeByNameWithoutCertificate(t *testing.T) {
	n, _ := newTestNative(t)
	ctx := context.Background()

	err := n.RevokeByName(ctx, "nobody", RevocationReasonCessationOfOperation)
	require.ErrorIs(t, err, apperr.ErrExternalTool)

	b := Bundle{Name: "carol", Dir: t.TempDir()}
	require.NoError(t, n.GenerateKey(ctx, b))
	require.NoError(t, n.CreateCSR(ctx, b, DefaultSubject()))
	require.NoError(t, n.SignCertificate(ctx, b))
	require.NoError(t, n.Revoke(ctx, b, RevocationReasonCessationOfOperation))

	// Already revoked by file, so nothing is left to revoke by name.
	err = n.RevokeByName(ctx, "carol", RevocationReasonCessationOfOperation)
	require.ErrorIs(t, err, apperr.ErrExternalTool)
}

func TestNative_ExpiredContextIsTimeout(t *testing.T) {
	n, _ := newTestNative(t)
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	err := n.GenerateKey(ctx, Bundle{Name: "x", Dir: t.TempDir()})
	require.ErrorIs(t, err, apperr.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	err = n.GenerateCRL(cancelled)
	require.ErrorIs(t, err, apperr.ErrExternalTool)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNative_MissingCSRIsToolFailure(t *testing.T) {
	n, _ := newTestNative(t)
	err := n.SignCertificate(context.Background(), Bundle{Name: "x", Dir: t.TempDir()})
	require.ErrorIs(t, err, apperr.ErrExternalTool)
}

func TestNative_CRLNumberIncreases(t *testing.T) {
	n, cfg := newTestNative(t)
	first := readCRL(t, cfg).Number

	require.NoError(t, n.GenerateCRL(context.Background()))
	second := readCRL(t, cfg).Number
	require.Equal(t, 1, second.Cmp(first))
}

func readCRL(t *testing.T, cfg CAConfig) *x509.RevocationList {
	t.Helper()
	data, err := os.ReadFile(cfg.CRLPath())
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	return crl
}
