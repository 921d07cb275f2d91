package pki

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/clients"
	"github.com/vidamais/edgeguard/internal/events"
	"github.com/vidamais/edgeguard/internal/metrics"
	"github.com/vidamais/edgeguard/internal/repository"
	"go.uber.org/multierr"
)

// DefaultExportPassword is the PKCS#12 passphrase used by the reference
// deployment. It is shared by every bundle; override it in configuration.
const DefaultExportPassword = "1234"

// Anomaly kinds reported by Revoke and Audit.
const (
	AnomalyBundleMissing  = "bundle_missing"
	AnomalyOrphanedBundle = "orphaned_bundle"
	AnomalyCRL            = "crl_not_updated"
	AnomalyReload         = "proxy_not_reloaded"
	AnomalyBundleDelete   = "bundle_not_deleted"
	AnomalyArchive        = "archive_not_synced"
	AnomalyNotRevoked     = "not_revoked_at_ca"
)

// ClientStore is the registry of issued names.
type ClientStore interface {
	List(ctx context.Context) ([]string, error)
	Contains(ctx context.Context, name string) (bool, error)
	Add(ctx context.Context, name string) (repository.Outcome, error)
	Remove(ctx context.Context, name string) (repository.Outcome, error)
}

// Reloader makes the proxy pick up a new CRL.
type Reloader interface {
	Reload(ctx context.Context) error
}

// BundleArchive keeps an off-host copy of issued bundles.
type BundleArchive interface {
	Put(ctx context.Context, name, path string) error
	Delete(ctx context.Context, name string) error
}

// GatewayConfig holds the dependencies of a Gateway.
type GatewayConfig struct {
	// ClientsDir holds one bundle directory per client.
	ClientsDir     string
	Authority      Authority
	Registry       ClientStore
	Proxy          Reloader
	Subject        Subject
	ExportPassword string
	// Archive is optional.
	Archive BundleArchive
	Events  events.Publisher
	Logger  *slog.Logger
}

// IssueResult describes a completed or failed issue.
type IssueResult struct {
	Name     string `json:"name"`
	Issued   bool   `json:"issued"`
	Archived bool   `json:"archived,omitempty"`
	// CleanedUp is set on failure when the partial bundle was removed.
	CleanedUp bool `json:"cleaned_up,omitempty"`
}

// RevokeResult describes a revoke. Anomalies lists the best-effort steps
// that failed after the CA revoked the certificate.
type RevokeResult struct {
	Name       string   `json:"name"`
	Revoked    bool     `json:"revoked"`
	CRLUpdated bool     `json:"crl_updated"`
	Reloaded   bool     `json:"reloaded"`
	Anomalies  []string `json:"anomalies,omitempty"`
}

// Discrepancy is a divergence between the registry and the bundle
// directories.
type Discrepancy struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Gateway runs the certificate lifecycle. Issue and Revoke are serialized.
type Gateway struct {
	mu         sync.Mutex
	clientsDir string
	authority  Authority
	registry   ClientStore
	proxy      Reloader
	subject    Subject
	password   string
	archive    BundleArchive
	events     events.Publisher
	logger     *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.ExportPassword == "" {
		cfg.ExportPassword = DefaultExportPassword
	}
	return &Gateway{
		clientsDir: cfg.ClientsDir,
		authority:  cfg.Authority,
		registry:   cfg.Registry,
		proxy:      cfg.Proxy,
		subject:    cfg.Subject,
		password:   cfg.ExportPassword,
		archive:    cfg.Archive,
		events:     cfg.Events,
		logger:     cfg.Logger,
	}
}

func (g *Gateway) bundle(name string) Bundle {
	return Bundle{Name: name, Dir: filepath.Join(g.clientsDir, name)}
}

// Issue creates a key, CSR, certificate and PKCS#12 bundle for name, then
// registers it. On any failure the bundle directory is removed and name
// stays unregistered.
func (g *Gateway) Issue(ctx context.Context, name string) (IssueResult, error) {
	result := IssueResult{Name: name}
	if err := clients.ValidateName(name); err != nil {
		return result, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.registry.Contains(ctx, name)
	if err != nil {
		return result, err
	}
	if exists {
		metrics.RecordCertOperation("issue", false)
		return result, apperr.Conflict("client %q already has a certificate", name)
	}

	b := g.bundle(name)
	if _, err := os.Stat(b.Dir); err == nil {
		// Not registered, so nothing references it.
		g.logger.Warn("Removing orphaned bundle before issue", "client", name, "dir", b.Dir)
		metrics.RecordCertAnomaly(AnomalyOrphanedBundle)
		if err := os.RemoveAll(b.Dir); err != nil {
			return result, apperr.InternalIO("remove orphaned bundle "+b.Dir, err)
		}
	}
	if err := os.MkdirAll(b.Dir, 0700); err != nil {
		return result, apperr.InternalIO("create bundle dir "+b.Dir, err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"generate key", func() error { return g.authority.GenerateKey(ctx, b) }},
		{"create csr", func() error { return g.authority.CreateCSR(ctx, b, g.subject) }},
		{"sign certificate", func() error { return g.authority.SignCertificate(ctx, b) }},
		{"export pkcs12", func() error { return g.authority.ExportPKCS12(ctx, b, g.password) }},
		{"register client", func() error { _, err := g.registry.Add(ctx, name); return err }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return g.abortIssue(ctx, result, b, step.name, err)
		}
		g.logger.Debug("Issue step completed", "client", name, "step", step.name)
	}

	result.Issued = true
	if g.archive != nil {
		if err := g.archive.Put(ctx, name, b.Archive()); err != nil {
			metrics.RecordCertAnomaly(AnomalyArchive)
			g.logger.Warn("Bundle archive upload failed", "client", name, "error", err)
		} else {
			result.Archived = true
		}
	}

	metrics.RecordCertOperation("issue", true)
	g.logger.Info("Client certificate issued", "client", name, "bundle", b.Archive())
	g.events.Publish(ctx, events.New(events.EventTypeCertIssued, name, "client certificate issued"))
	return result, nil
}

func (g *Gateway) abortIssue(ctx context.Context, result IssueResult, b Bundle, step string, cause error) (IssueResult, error) {
	cleanupErr := os.RemoveAll(b.Dir)
	result.CleanedUp = cleanupErr == nil

	metrics.RecordCertOperation("issue", false)
	g.logger.Error("Client certificate issue failed",
		"client", b.Name,
		"step", step,
		"error", cause,
		"output", apperr.Output(cause),
		"cleaned_up", result.CleanedUp,
		"cleanup_error", cleanupErr,
	)
	g.events.Publish(ctx, events.Warning(events.EventTypeCertIssueFailed, b.Name, "client certificate issue failed").
		With("step", step))

	return result, fmt.Errorf("issue %s: %s: %w", b.Name, step, cause)
}

// Revoke revokes name's certificate at the CA, regenerates the CRL, reloads
// the proxy, deletes the bundle and unregisters name, in that order.
//
// Only a CA revoke failure aborts. The later steps are best-effort: their
// failures are logged and returned as anomalies, and the registry removal is
// always attempted. Without client.crt the revoke goes through NameRevoker;
// an authority that lacks it leaves the certificate valid and Revoked false.
func (g *Gateway) Revoke(ctx context.Context, name string) (RevokeResult, error) {
	result := RevokeResult{Name: name}
	if err := clients.ValidateName(name); err != nil {
		return result, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.registry.Contains(ctx, name)
	if err != nil {
		return result, err
	}
	if !exists {
		metrics.RecordCertOperation("revoke", false)
		return result, apperr.NotFound("client %q is not registered", name)
	}

	b := g.bundle(name)
	var anomalies, revokeErr error
	if _, statErr := os.Stat(b.Cert()); errors.Is(statErr, fs.ErrNotExist) {
		// The client may still hold its downloaded bundle, so the CA must
		// revoke from its own index.
		anomalies = multierr.Append(anomalies, fmt.Errorf("%s: %s", AnomalyBundleMissing, b.Cert()))
		metrics.RecordCertAnomaly(AnomalyBundleMissing)
		if byName, ok := g.authority.(NameRevoker); ok {
			revokeErr = byName.RevokeByName(ctx, name, RevocationReasonCessationOfOperation)
			result.Revoked = revokeErr == nil
		} else {
			anomalies = multierr.Append(anomalies, fmt.Errorf("%s: certificate NOT revoked at CA, revoke %s manually", AnomalyNotRevoked, name))
			metrics.RecordCertAnomaly(AnomalyNotRevoked)
		}
	} else {
		revokeErr = g.authority.Revoke(ctx, b, RevocationReasonCessationOfOperation)
		result.Revoked = revokeErr == nil
	}
	if revokeErr != nil {
		metrics.RecordCertOperation("revoke", false)
		g.logger.Error("CA revoke failed",
			"client", name, "error", revokeErr, "output", apperr.Output(revokeErr))
		g.events.Publish(ctx, events.Critical(events.EventTypeCertRevokeFailed, name, "certificate revocation failed"))
		return result, fmt.Errorf("revoke %s: %w", name, revokeErr)
	}

	if result.Revoked {
		g.logger.Info("Certificate revoked at CA", "client", name, "reason", RevocationReasonCessationOfOperation.String())

		if err := g.authority.GenerateCRL(ctx); err != nil {
			anomalies = multierr.Append(anomalies, fmt.Errorf("%s: %w", AnomalyCRL, err))
			metrics.RecordCertAnomaly(AnomalyCRL)
		} else {
			result.CRLUpdated = true
		}

		if err := g.proxy.Reload(ctx); err != nil {
			anomalies = multierr.Append(anomalies, fmt.Errorf("%s: %w", AnomalyReload, err))
			metrics.RecordCertAnomaly(AnomalyReload)
		} else {
			result.Reloaded = true
		}
	}

	if err := os.RemoveAll(b.Dir); err != nil {
		anomalies = multierr.Append(anomalies, fmt.Errorf("%s: %w", AnomalyBundleDelete, err))
		metrics.RecordCertAnomaly(AnomalyBundleDelete)
	}
	if g.archive != nil {
		if err := g.archive.Delete(ctx, name); err != nil {
			anomalies = multierr.Append(anomalies, fmt.Errorf("%s: %w", AnomalyArchive, err))
			metrics.RecordCertAnomaly(AnomalyArchive)
		}
	}

	for _, a := range multierr.Errors(anomalies) {
		result.Anomalies = append(result.Anomalies, a.Error())
	}
	if anomalies != nil {
		g.logger.Warn("Revoke completed with anomalies", "client", name, "anomalies", anomalies)
		ev := events.Warning(events.EventTypeCertAnomaly, name, anomalies.Error())
		if !result.Revoked {
			ev = events.Critical(events.EventTypeCertAnomaly, name, anomalies.Error())
		}
		g.events.Publish(ctx, ev)
	}

	if _, err := g.registry.Remove(ctx, name); err != nil {
		metrics.RecordCertOperation("revoke", false)
		g.logger.Error("Client registry removal failed after revoke", "client", name, "error", err)
		return result, fmt.Errorf("revoke %s: unregister: %w", name, err)
	}

	metrics.RecordCertOperation("revoke", true)
	g.logger.Info("Client certificate revoked", "client", name, "anomalies", len(result.Anomalies))
	g.events.Publish(ctx, events.Warning(events.EventTypeCertRevoked, name, "client certificate revoked").
		With("reason", RevocationReasonCessationOfOperation.String()))
	return result, nil
}

// BundlePath returns the PKCS#12 archive of a registered client.
// An unregistered name is ErrNotFound; a registered name whose archive is
// missing is ErrInternalIO.
func (g *Gateway) BundlePath(ctx context.Context, name string) (string, error) {
	if err := clients.ValidateName(name); err != nil {
		return "", apperr.NotFound("client %q is not registered", name)
	}
	exists, err := g.registry.Contains(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", apperr.NotFound("client %q is not registered", name)
	}

	path := g.bundle(name).Archive()
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		metrics.RecordCertAnomaly(AnomalyBundleMissing)
		g.logger.Warn("Registered client has no bundle archive", "client", name, "path", path)
		return "", apperr.InternalIO("bundle archive missing for "+name, err)
	}
	metrics.RecordCertOperation("download", true)
	return path, nil
}

// List returns the registered client names.
func (g *Gateway) List(ctx context.Context) ([]string, error) {
	return g.registry.List(ctx)
}

// Audit compares the registry with the bundle directories.
func (g *Gateway) Audit(ctx context.Context) ([]Discrepancy, error) {
	names, err := g.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	registered := make(map[string]bool, len(names))
	var found []Discrepancy
	for _, name := range names {
		registered[name] = true
		if _, err := os.Stat(g.bundle(name).Archive()); err != nil {
			found = append(found, Discrepancy{Name: name, Kind: AnomalyBundleMissing})
		}
	}

	entries, err := os.ReadDir(g.clientsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.InternalIO("read "+g.clientsDir, err)
	}
	for _, e := range entries {
		if e.IsDir() && !registered[e.Name()] {
			found = append(found, Discrepancy{Name: e.Name(), Kind: AnomalyOrphanedBundle})
		}
	}
	return found, nil
}
