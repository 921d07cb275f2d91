// Package main provides guardctl, the operator CLI for edgeguard. It works
// on the same registries and CA as the admin API, without going over HTTP.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vidamais/edgeguard/internal/app"
	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/auth"
	"github.com/vidamais/edgeguard/internal/config"
	"github.com/vidamais/edgeguard/internal/logger"
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	// exitPending means the change is saved but the proxy was not reloaded.
	exitPending = 3
)

var errUsage = errors.New("usage")

// cli carries what every command needs
type cli struct {
	app  *app.App
	in   io.Reader
	out  io.Writer
	json bool
}

func main() {
	var (
		configPath = flag.String("config", os.Getenv(config.ConfigFileEnv), "Path to TOML configuration file")
		jsonOut    = flag.Bool("json", false, "Print results as JSON")
		verbose    = flag.Bool("v", false, "Log progress to stderr")
		version    = flag.Bool("version", false, "Print version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Operator tool for the edgeguard access-control core\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  init                  Create the clients directory, the CA (native backend) and the proxy snapshot\n")
		fmt.Fprintf(os.Stderr, "  routes list           List protected routes\n")
		fmt.Fprintf(os.Stderr, "  routes add PATH       Protect PATH and reload the proxy\n")
		fmt.Fprintf(os.Stderr, "  routes remove PATH    Unprotect PATH and reload the proxy\n")
		fmt.Fprintf(os.Stderr, "  routes sync           Re-render the snapshot from the registry and reload\n")
		fmt.Fprintf(os.Stderr, "  render                Print the proxy snapshot for the current registry\n")
		fmt.Fprintf(os.Stderr, "  certs list            List client identities\n")
		fmt.Fprintf(os.Stderr, "  certs issue NAME      Issue a client certificate bundle\n")
		fmt.Fprintf(os.Stderr, "  certs revoke NAME     Revoke a client certificate\n")
		fmt.Fprintf(os.Stderr, "  certs audit           Compare the client registry with the bundle directories\n")
		fmt.Fprintf(os.Stderr, "  archive reconcile     Delete archived bundles of unregistered clients\n")
		fmt.Fprintf(os.Stderr, "  events [N]            Show the N most recent audit events (default 20)\n")
		fmt.Fprintf(os.Stderr, "  hash-password         Read a password from stdin and print its bcrypt hash\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit status is %d when a change was saved but the proxy reload failed.\n", exitPending)
	}

	flag.Parse()

	if *version {
		fmt.Printf("guardctl version %s\n", app.Version)
		os.Exit(exitOK)
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	// hash-password runs before the configuration so it works on any host.
	if args[0] == "hash-password" {
		c := &cli{in: os.Stdin, out: os.Stdout}
		os.Exit(exitCode(c.hashPassword()))
	}

	logCfg := logger.DefaultConfig()
	logCfg.Output = "stderr"
	if !*verbose {
		logCfg.Level = "warn"
	}
	appLogger := logger.New(logCfg)
	slog.SetDefault(appLogger)

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}
	a, err := app.New(cfg, appLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}

	c := &cli{app: a, in: os.Stdin, out: os.Stdout, json: *jsonOut}
	err = c.run(context.Background(), args[0], args[1:])
	a.Close()
	if errors.Is(err, errUsage) {
		flag.Usage()
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, apperr.ErrEnforcementPending):
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return exitPending
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if out := apperr.Output(err); out != "" {
			fmt.Fprintf(os.Stderr, "%s\n", out)
		}
		return exitFailure
	}
}

// run executes the specified command
func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "init":
		return c.app.Init(ctx)
	case "render":
		return c.render(ctx)
	case "routes":
		return c.routes(ctx, args)
	case "certs":
		return c.certs(ctx, args)
	case "archive":
		return c.archive(ctx, args)
	case "events":
		return c.events(ctx, args)
	case "hash-password":
		return c.hashPassword()
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (c *cli) routes(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: routes requires a subcommand", errUsage)
	}
	svc := c.app.Routes
	switch args[0] {
	case "list":
		list, err := svc.List(ctx)
		if err != nil {
			return err
		}
		return c.printList(list)
	case "add", "remove":
		if len(args) != 2 {
			return fmt.Errorf("%w: routes %s requires a path", errUsage, args[0])
		}
		mutate := svc.Add
		if args[0] == "remove" {
			mutate = svc.Remove
		}
		outcome, err := mutate(ctx, args[1])
		if err != nil && !errors.Is(err, apperr.ErrEnforcementPending) {
			return err
		}
		c.printf("%s %s: %s\n", args[0], args[1], outcome)
		return err
	case "sync":
		return svc.Sync(ctx)
	default:
		return fmt.Errorf("%w: unknown routes subcommand %q", errUsage, args[0])
	}
}

func (c *cli) render(ctx context.Context) error {
	list, err := c.app.Routes.List(ctx)
	if err != nil {
		return err
	}
	data, err := c.app.Proxy.Render(list)
	if err != nil {
		return err
	}
	_, err = c.out.Write(data)
	return err
}

func (c *cli) certs(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: certs requires a subcommand", errUsage)
	}
	gw := c.app.Gateway
	switch args[0] {
	case "list":
		names, err := gw.List(ctx)
		if err != nil {
			return err
		}
		return c.printList(names)
	case "issue":
		if len(args) != 2 {
			return fmt.Errorf("%w: certs issue requires a name", errUsage)
		}
		result, err := gw.Issue(ctx, args[1])
		if err != nil {
			return err
		}
		if c.json {
			return c.printJSON(result)
		}
		path, err := gw.BundlePath(ctx, args[1])
		if err != nil {
			return err
		}
		c.printf("issued %s: %s\n", result.Name, path)
		return nil
	case "revoke":
		if len(args) != 2 {
			return fmt.Errorf("%w: certs revoke requires a name", errUsage)
		}
		result, err := gw.Revoke(ctx, args[1])
		if err != nil {
			return err
		}
		if c.json {
			return c.printJSON(result)
		}
		c.printf("revoked %s (crl updated: %t, proxy reloaded: %t)\n", result.Name, result.CRLUpdated, result.Reloaded)
		for _, a := range result.Anomalies {
			c.printf("  anomaly: %s\n", a)
		}
		return nil
	case "audit":
		found, err := gw.Audit(ctx)
		if err != nil {
			return err
		}
		if c.json {
			return c.printJSON(found)
		}
		if len(found) == 0 {
			c.printf("registry and bundle directories are consistent\n")
			return nil
		}
		for _, d := range found {
			c.printf("%s\t%s\n", d.Kind, d.Name)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown certs subcommand %q", errUsage, args[0])
	}
}

func (c *cli) archive(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] != "reconcile" {
		return fmt.Errorf("%w: archive supports only reconcile", errUsage)
	}
	if c.app.Reconcile == nil {
		return errors.New("bundle archive is not enabled")
	}
	result := c.app.Reconcile.RunNow(ctx)
	if c.json {
		return c.printJSON(result)
	}
	c.printf("scanned %d, orphans %d, deleted %d, freed %d bytes\n",
		result.Scanned, result.OrphansFound, result.OrphansDeleted, result.BytesFreed)
	for _, e := range result.Errors {
		c.printf("  error: %s\n", e)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("reconcile finished with %d errors", len(result.Errors))
	}
	return nil
}

func (c *cli) events(ctx context.Context, args []string) error {
	limit := 20
	if len(args) > 0 {
		if _, err := fmt.Sscanf(args[0], "%d", &limit); err != nil || limit <= 0 {
			return fmt.Errorf("%w: invalid event count %q", errUsage, args[0])
		}
	}
	list, err := c.app.Audit.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(list)
	}
	for _, e := range list {
		c.printf("%s  %-8s %-22s %s\n", e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Severity, e.Type, e.Message)
	}
	return nil
}

func (c *cli) hashPassword() error {
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	c.printf("%s\n", hash)
	return nil
}

func (c *cli) printList(items []string) error {
	if c.json {
		if items == nil {
			items = []string{}
		}
		return c.printJSON(items)
	}
	for _, item := range items {
		c.printf("%s\n", item)
	}
	return nil
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}
