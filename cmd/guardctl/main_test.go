package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vidamais/edgeguard/internal/app"
	"github.com/vidamais/edgeguard/internal/config"
)

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.PathsConfig{
		ClientsDir:     filepath.Join(dir, "clients"),
		ClientRegistry: filepath.Join(dir, "clients", "clients.json"),
		RouteRegistry:  filepath.Join(dir, "protected_routes.json"),
		ProxySnapshot:  filepath.Join(dir, "protected_routes.conf"),
		Ruleset:        filepath.Join(dir, "naxsi.rules"),
		Whitelist:      filepath.Join(dir, "generated.wl"),
	}
	cfg.CA.Dir = filepath.Join(dir, "ca")
	cfg.CA.Backend = config.CABackendNative

	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	out := &bytes.Buffer{}
	return &cli{app: a, out: out}, out
}

func TestCLI_CertLifecycle(t *testing.T) {
	c, out := newTestCLI(t)
	ctx := context.Background()

	require.NoError(t, c.run(ctx, "init", nil))
	require.NoError(t, c.run(ctx, "certs", []string{"issue", "alice"}))
	require.Contains(t, out.String(), "issued alice")

	out.Reset()
	c.json = true
	require.NoError(t, c.run(ctx, "certs", []string{"list"}))
	var names []string
	require.NoError(t, json.Unmarshal(out.Bytes(), &names))
	require.Equal(t, []string{"alice"}, names)

	out.Reset()
	c.json = false
	require.NoError(t, c.run(ctx, "certs", []string{"audit"}))
	require.Contains(t, out.String(), "consistent")
}

func TestCLI_RenderEmptyRegistry(t *testing.T) {
	c, out := newTestCLI(t)
	require.NoError(t, c.run(context.Background(), "render", nil))
	require.Empty(t, strings.TrimSpace(out.String()))
}

func TestCLI_UsageErrors(t *testing.T) {
	c, _ := newTestCLI(t)
	ctx := context.Background()

	for _, args := range [][]string{
		{"bogus"},
		{"routes"},
		{"routes", "add"},
		{"certs", "issue"},
		{"certs", "frobnicate"},
		{"events", "-3"},
	} {
		err := c.run(ctx, args[0], args[1:])
		require.Truef(t, errors.Is(err, errUsage), "%v: expected usage error, got %v", args, err)
		require.Equal(t, exitUsage, exitCode(err))
	}
}

func TestCLI_ArchiveDisabled(t *testing.T) {
	c, _ := newTestCLI(t)
	err := c.run(context.Background(), "archive", []string{"reconcile"})
	require.Error(t, err)
	require.Equal(t, exitFailure, exitCode(err))
}

func TestCLI_HashPassword(t *testing.T) {
	out := &bytes.Buffer{}
	c := &cli{in: strings.NewReader("correct-horse\n"), out: out}
	require.NoError(t, c.hashPassword())

	hash := strings.TrimSpace(out.String())
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct-horse")))

	c = &cli{in: strings.NewReader("short\n"), out: &bytes.Buffer{}}
	require.Error(t, c.hashPassword())
}
