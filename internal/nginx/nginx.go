// Package nginx generates the SNI routing table for the edge router.
//
// When SNI sharing is on, every proxy container is reachable through a
// single public port: nginx peeks at the TLS ClientHello server name
// and forwards the raw stream to the matching container. Backends are
// written as names, not addresses, and resolved per connection via the
// engine's embedded DNS, so a stopped container never invalidates the
// whole table.
package nginx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kansean/mtproto-manager/internal/backend"
	"github.com/kansean/mtproto-manager/internal/fleet"
	"github.com/kansean/mtproto-manager/internal/store"
)

const (
	streamFile = "proxy.conf"
	// Where unmatched names and the panel's own domain land: the local
	// TLS listener on the alternate port.
	fallbackBackend = "127.0.0.1:8443"
	// The engine's embedded DNS resolver.
	dockerResolver = "127.0.0.11"
)

// Entry is one SNI → backend mapping.
type Entry struct {
	ServerName string // "default" for the catch-all
	Backend    string
}

// Table derives the routing entries from the declared state: one entry
// per enabled user with a fronting domain, one for the panel domain,
// and a default catch-all. Users without a fronting domain are not
// routable and are omitted.
func Table(users []store.User, settings store.Settings) []Entry {
	var entries []Entry
	for _, u := range users {
		if !u.Enabled || u.FrontingDomain == "" {
			continue
		}
		entries = append(entries, Entry{
			ServerName: u.FrontingDomain,
			Backend:    fmt.Sprintf("%s:%d", fleet.ContainerName(u.Port), u.Port),
		})
	}
	if settings.ServerDomain != "" {
		entries = append(entries, Entry{ServerName: settings.ServerDomain, Backend: fallbackBackend})
	}
	entries = append(entries, Entry{ServerName: "default", Backend: fallbackBackend})
	return entries
}

// Render produces the nginx stream config for a table.
func Render(entries []Entry) string {
	var b strings.Builder
	b.WriteString("map $ssl_preread_server_name $backend {\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "    %s  %s;\n", e.ServerName, e.Backend)
	}
	b.WriteString("}\n\n")
	b.WriteString("server {\n")
	b.WriteString("    listen 443;\n")
	b.WriteString("    ssl_preread on;\n")
	fmt.Fprintf(&b, "    resolver %s valid=10s ipv6=off;\n", dockerResolver)
	b.WriteString("    proxy_pass $backend;\n")
	b.WriteString("    proxy_connect_timeout 5s;\n")
	b.WriteString("    proxy_timeout 24h;\n")
	b.WriteString("}\n")
	return b.String()
}

// Builder writes the routing config and reloads the edge router.
type Builder struct {
	dir       string // stream.d directory
	rt        backend.Runtime
	container string // nginx container name
	logger    *slog.Logger
}

func NewBuilder(dir string, rt backend.Runtime, container string, logger *slog.Logger) *Builder {
	return &Builder{dir: dir, rt: rt, container: container, logger: logger.With("component", "nginx")}
}

// Dir returns the directory the routing config is written to.
func (b *Builder) Dir() string {
	return b.dir
}

// Build regenerates the routing config wholesale and signals the router
// to reload. With SNI sharing off, any previous config is removed so
// the router falls back to plain per-port listening. Reload failure is
// logged, never fatal: stale routing persists until the next success.
func (b *Builder) Build(ctx context.Context, rec store.Record) error {
	path := filepath.Join(b.dir, streamFile)

	if !rec.Settings.SNISharing {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("nginx: remove %q: %w", path, err)
		}
		b.reload(ctx)
		return nil
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("nginx: mkdir %q: %w", b.dir, err)
	}
	content := Render(Table(rec.Users, rec.Settings))

	tmp, err := os.CreateTemp(b.dir, ".proxy-*.conf.tmp")
	if err != nil {
		return fmt.Errorf("nginx: create temp file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("nginx: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("nginx: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("nginx: rename into place: %w", err)
	}

	b.reload(ctx)
	return nil
}

func (b *Builder) reload(ctx context.Context) {
	res, err := b.rt.Exec(ctx, b.container, []string{"nginx", "-s", "reload"})
	if err != nil {
		b.logger.Warn("nginx reload failed", "container", b.container, "err", err)
		return
	}
	if res.ExitCode != 0 {
		b.logger.Warn("nginx reload failed", "container", b.container,
			"exit_code", res.ExitCode, "output", res.Output)
		return
	}
	b.logger.Info("nginx reloaded")
}
