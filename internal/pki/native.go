package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/repository"
	"go.etcd.io/bbolt"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	issuedBucket  = []byte("issued")
	revokedBucket = []byte("revoked")
	crlBucket     = []byte("crl")
)

// certRecord is the index entry of an issued or revoked certificate.
type certRecord struct {
	Serial    []byte    `cbor:"1,keyasint"`
	Name      string    `cbor:"2,keyasint"`
	NotAfter  time.Time `cbor:"3,keyasint"`
	RevokedAt time.Time `cbor:"4,keyasint,omitempty"`
	Reason    int       `cbor:"5,keyasint,omitempty"`
}

// Native is an in-process Authority built on crypto/x509. Its certificate
// index (issued and revoked serials) lives in a bbolt database next to the
// CA material.
type Native struct {
	cfg CAConfig
	db  *bbolt.DB
	now func() time.Time

	mu     sync.Mutex
	caCert *x509.Certificate
	caKey  crypto.Signer
}

// OpenNative opens the CA index at <cfg.Dir>/index.db, creating it if needed.
// The CA key pair is loaded lazily so InitCA can run on an empty directory.
func OpenNative(cfg CAConfig) (*Native, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, apperr.InternalIO("create ca dir", err)
	}
	db, err := bbolt.Open(filepath.Join(cfg.Dir, "index.db"), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, apperr.InternalIO("open ca index", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{issuedBucket, revokedBucket, crlBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.InternalIO("create ca index buckets", err)
	}
	return &Native{cfg: cfg, db: db, now: time.Now}, nil
}

// Close releases the index.
func (n *Native) Close() error {
	return n.db.Close()
}

func caFailure(op string, err error) error {
	return fmt.Errorf("%w: native ca %s: %v", apperr.ErrExternalTool, op, err)
}

// interrupted reports a done context the way ExecRunner reports a killed
// process, so a deadline surfaces as ErrTimeout.
func interrupted(ctx context.Context, op string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	return &apperr.ToolError{
		Tool:     "native ca",
		Args:     []string{op},
		ExitCode: -1,
		TimedOut: errors.Is(err, context.DeadlineExceeded),
		Err:      err,
	}
}

// InitCA creates a self-signed CA and an empty CRL unless ca.crt exists.
func (n *Native) InitCA(ctx context.Context, commonName string) error {
	if _, err := os.Stat(n.cfg.CertPath()); err == nil {
		return nil
	}
	key, err := rsa.GenerateKey(rand.Reader, n.cfg.KeyBits)
	if err != nil {
		return caFailure("init", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return caFailure("init", err)
	}
	now := n.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               DefaultSubject().Name(commonName),
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return caFailure("init", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return caFailure("init", err)
	}
	if err := repository.WriteFileAtomic(n.cfg.KeyPath(), pemBytes("PRIVATE KEY", keyDER), 0600); err != nil {
		return apperr.InternalIO("write ca key", err)
	}
	if err := repository.WriteFileAtomic(n.cfg.CertPath(), pemBytes("CERTIFICATE", der), 0644); err != nil {
		return apperr.InternalIO("write ca certificate", err)
	}
	return n.GenerateCRL(ctx)
}

func (n *Native) GenerateKey(ctx context.Context, b Bundle) error {
	if err := interrupted(ctx, "genrsa"); err != nil {
		return err
	}
	key, err := rsa.GenerateKey(rand.Reader, n.cfg.KeyBits)
	if err != nil {
		return caFailure("genrsa", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return caFailure("genrsa", err)
	}
	if err := os.WriteFile(b.Key(), pemBytes("PRIVATE KEY", der), 0600); err != nil {
		return caFailure("genrsa", err)
	}
	return nil
}

func (n *Native) CreateCSR(ctx context.Context, b Bundle, subject Subject) error {
	if err := interrupted(ctx, "req"); err != nil {
		return err
	}
	key, err := readPrivateKey(b.Key())
	if err != nil {
		return caFailure("req", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject.Name(b.Name),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return caFailure("req", err)
	}
	if err := os.WriteFile(b.CSR(), pemBytes("CERTIFICATE REQUEST", der), 0644); err != nil {
		return caFailure("req", err)
	}
	return nil
}

func (n *Native) SignCertificate(ctx context.Context, b Bundle) error {
	if err := interrupted(ctx, "x509"); err != nil {
		return err
	}
	caCert, caKey, err := n.loadCA()
	if err != nil {
		return caFailure("x509", err)
	}
	block, err := readPEM(b.CSR(), "CERTIFICATE REQUEST")
	if err != nil {
		return caFailure("x509", err)
	}
	csr, err := x509.ParseCertificateRequest(block)
	if err != nil {
		return caFailure("x509", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return caFailure("x509", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return caFailure("x509", err)
	}
	now := n.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.AddDate(0, 0, n.cfg.ValidityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return caFailure("x509", err)
	}
	if err := os.WriteFile(b.Cert(), pemBytes("CERTIFICATE", der), 0644); err != nil {
		return caFailure("x509", err)
	}

	rec := certRecord{Serial: serial.Bytes(), Name: b.Name, NotAfter: template.NotAfter}
	return n.put(issuedBucket, rec)
}

func (n *Native) ExportPKCS12(ctx context.Context, b Bundle, password string) error {
	if err := interrupted(ctx, "pkcs12"); err != nil {
		return err
	}
	caCert, _, err := n.loadCA()
	if err != nil {
		return caFailure("pkcs12", err)
	}
	key, err := readPrivateKey(b.Key())
	if err != nil {
		return caFailure("pkcs12", err)
	}
	cert, err := readCertificate(b.Cert())
	if err != nil {
		return caFailure("pkcs12", err)
	}
	data, err := pkcs12.Modern.Encode(key, cert, []*x509.Certificate{caCert}, password)
	if err != nil {
		return caFailure("pkcs12", err)
	}
	if err := os.WriteFile(b.Archive(), data, 0600); err != nil {
		return caFailure("pkcs12", err)
	}
	return nil
}

// Revoke records the certificate's serial as revoked. Revoking an already
// revoked certificate is an error, as with "openssl ca -revoke".
func (n *Native) Revoke(ctx context.Context, b Bundle, reason RevocationReason) error {
	if err := interrupted(ctx, "revoke"); err != nil {
		return err
	}
	caCert, _, err := n.loadCA()
	if err != nil {
		return caFailure("revoke", err)
	}
	cert, err := readCertificate(b.Cert())
	if err != nil {
		return caFailure("revoke", err)
	}
	if err := cert.CheckSignatureFrom(caCert); err != nil {
		return caFailure("revoke", fmt.Errorf("certificate not issued by this CA: %w", err))
	}

	err = n.db.Update(func(tx *bbolt.Tx) error {
		return n.revokeLocked(tx, certRecord{
			Serial:   cert.SerialNumber.Bytes(),
			Name:     b.Name,
			NotAfter: cert.NotAfter,
		}, reason)
	})
	return indexError(err)
}

// RevokeByName revokes every certificate the index holds for name that is
// not revoked yet. It fails when there is none, since the caller cannot
// otherwise tell that nothing was revoked.
func (n *Native) RevokeByName(ctx context.Context, name string, reason RevocationReason) error {
	if err := interrupted(ctx, "revoke"); err != nil {
		return err
	}
	err := n.db.Update(func(tx *bbolt.Tx) error {
		revoked := tx.Bucket(revokedBucket)
		var pending []certRecord
		err := tx.Bucket(issuedBucket).ForEach(func(k, v []byte) error {
			var rec certRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Name == name && revoked.Get(k) == nil {
				pending = append(pending, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return caFailure("revoke", fmt.Errorf("no unrevoked certificate issued to %q", name))
		}
		for _, rec := range pending {
			if err := n.revokeLocked(tx, rec, reason); err != nil {
				return err
			}
		}
		return nil
	})
	return indexError(err)
}

func (n *Native) revokeLocked(tx *bbolt.Tx, rec certRecord, reason RevocationReason) error {
	bucket := tx.Bucket(revokedBucket)
	if bucket.Get(rec.Serial) != nil {
		return caFailure("revoke", fmt.Errorf("serial %X already revoked", rec.Serial))
	}
	rec.RevokedAt = n.now().UTC()
	rec.Reason = int(reason)
	value, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put(rec.Serial, value)
}

func indexError(err error) error {
	if err != nil && !errors.Is(err, apperr.ErrExternalTool) {
		return apperr.InternalIO("write ca index", err)
	}
	return err
}

// GenerateCRL writes a CRL listing every revoked serial.
func (n *Native) GenerateCRL(ctx context.Context) error {
	if err := interrupted(ctx, "gencrl"); err != nil {
		return err
	}
	caCert, caKey, err := n.loadCA()
	if err != nil {
		return caFailure("gencrl", err)
	}

	var entries []x509.RevocationListEntry
	var number uint64
	err = n.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(revokedBucket).ForEach(func(k, v []byte) error {
			var rec certRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   new(big.Int).SetBytes(rec.Serial),
				RevocationTime: rec.RevokedAt,
				ReasonCode:     rec.Reason,
			})
			return nil
		})
		if err != nil {
			return err
		}
		number, err = tx.Bucket(crlBucket).NextSequence()
		return err
	})
	if err != nil {
		return apperr.InternalIO("read ca index", err)
	}

	now := n.now()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(number),
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, n.cfg.CRLDays),
		RevokedCertificateEntries: entries,
	}, caCert, caKey)
	if err != nil {
		return caFailure("gencrl", err)
	}
	if err := repository.WriteFileAtomic(n.cfg.CRLPath(), pemBytes("X509 CRL", der), 0644); err != nil {
		return apperr.InternalIO("write crl", err)
	}
	return nil
}

// Revoked reports whether serial is in the revocation index.
func (n *Native) Revoked(serial *big.Int) (bool, error) {
	var found bool
	err := n.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(revokedBucket).Get(serial.Bytes()) != nil
		return nil
	})
	return found, err
}

func (n *Native) put(bucket []byte, rec certRecord) error {
	value, err := cbor.Marshal(rec)
	if err != nil {
		return apperr.InternalIO("encode ca index record", err)
	}
	err = n.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(rec.Serial, value)
	})
	if err != nil {
		return apperr.InternalIO("write ca index", err)
	}
	return nil
}

func (n *Native) loadCA() (*x509.Certificate, crypto.Signer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.caCert != nil {
		return n.caCert, n.caKey, nil
	}
	cert, err := readCertificate(n.cfg.CertPath())
	if err != nil {
		return nil, nil, err
	}
	key, err := readPrivateKey(n.cfg.KeyPath())
	if err != nil {
		return nil, nil, err
	}
	n.caCert, n.caKey = cert, key
	return cert, key, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func pemBytes(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%s: no %s block", path, blockType)
		}
		if block.Type == blockType {
			return block.Bytes, nil
		}
	}
}

func readCertificate(path string) (*x509.Certificate, error) {
	der, err := readPEM(path, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// readPrivateKey accepts PKCS#8 and the PKCS#1 form older openssl writes.
func readPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%s: unsupported key type %T", path, key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("%s: unexpected PEM block %q", path, block.Type)
	}
}
