package nginx

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kansean/mtproto-manager/internal/backend"
	"github.com/kansean/mtproto-manager/internal/store"
)

type fakeRuntime struct {
	execs      []string
	reloadFail bool
}

func (f *fakeRuntime) List(context.Context, string) ([]backend.Container, error) { return nil, nil }
func (f *fakeRuntime) Start(context.Context, backend.StartSpec) error            { return nil }
func (f *fakeRuntime) Inspect(context.Context, string) (backend.Container, error) {
	return backend.Container{}, nil
}
func (f *fakeRuntime) StopRemove(context.Context, string) error { return nil }
func (f *fakeRuntime) Stats(context.Context, string) (backend.NetCounters, bool, error) {
	return backend.NetCounters{}, false, nil
}
func (f *fakeRuntime) Logs(context.Context, string, int) (string, error) { return "", nil }
func (f *fakeRuntime) EnsureImage(context.Context, string) error         { return nil }

func (f *fakeRuntime) Exec(_ context.Context, name string, cmd []string) (backend.ExecResult, error) {
	f.execs = append(f.execs, name+" "+strings.Join(cmd, " "))
	if f.reloadFail {
		return backend.ExecResult{ExitCode: 1, Output: "nginx: [emerg]"}, nil
	}
	return backend.ExecResult{ExitCode: 0}, nil
}

func testRecord() store.Record {
	return store.Record{
		Settings: store.Settings{SNISharing: true, ServerDomain: "panel.example"},
		Users: []store.User{
			{Name: "alice", Port: 2443, Enabled: true, FrontingDomain: "a.example"},
			{Name: "bob", Port: 2444, Enabled: true, FrontingDomain: "b.example"},
			{Name: "carol", Port: 2445, Enabled: true}, // no fronting domain
			{Name: "dave", Port: 2446, Enabled: false, FrontingDomain: "d.example"},
		},
	}
}

func TestTable(t *testing.T) {
	rec := testRecord()
	entries := Table(rec.Users, rec.Settings)

	want := []Entry{
		{ServerName: "a.example", Backend: "mtg-proxy-2443:2443"},
		{ServerName: "b.example", Backend: "mtg-proxy-2444:2444"},
		{ServerName: "panel.example", Backend: "127.0.0.1:8443"},
		{ServerName: "default", Backend: "127.0.0.1:8443"},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries: %+v", len(entries), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestTableWithoutPanelDomain(t *testing.T) {
	rec := testRecord()
	rec.Settings.ServerDomain = ""
	entries := Table(rec.Users, rec.Settings)
	// Still ends with the default catch-all.
	last := entries[len(entries)-1]
	if last.ServerName != "default" {
		t.Fatalf("last entry: %+v", last)
	}
	for _, e := range entries[:len(entries)-1] {
		if e.ServerName == "panel.example" {
			t.Fatal("panel entry should be absent")
		}
	}
}

func TestRenderResolvesAtConnectionTime(t *testing.T) {
	rec := testRecord()
	conf := Render(Table(rec.Users, rec.Settings))

	for _, want := range []string{
		"map $ssl_preread_server_name $backend {",
		"a.example  mtg-proxy-2443:2443;",
		"default  127.0.0.1:8443;",
		"ssl_preread on;",
		"resolver 127.0.0.11 valid=10s ipv6=off;",
		"proxy_pass $backend;",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q:\n%s", want, conf)
		}
	}
	// No upstream blocks: backends must stay names resolved per
	// connection, never baked-in addresses.
	if strings.Contains(conf, "upstream ") {
		t.Error("config must not contain upstream blocks")
	}
}

func testBuilder(t *testing.T) (*Builder, *fakeRuntime, string) {
	t.Helper()
	dir := t.TempDir()
	rt := &fakeRuntime{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBuilder(dir, rt, "mtproto-nginx", logger), rt, dir
}

func TestBuildWritesAndReloads(t *testing.T) {
	b, rt, dir := testBuilder(t)
	if err := b.Build(context.Background(), testRecord()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "proxy.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "b.example  mtg-proxy-2444:2444;") {
		t.Fatalf("config content:\n%s", data)
	}
	if len(rt.execs) != 1 || !strings.Contains(rt.execs[0], "nginx -s reload") {
		t.Fatalf("execs: %v", rt.execs)
	}
}

func TestBuildDisabledRemovesConfig(t *testing.T) {
	b, _, dir := testBuilder(t)
	if err := b.Build(context.Background(), testRecord()); err != nil {
		t.Fatal(err)
	}

	rec := testRecord()
	rec.Settings.SNISharing = false
	if err := b.Build(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "proxy.conf")); !os.IsNotExist(err) {
		t.Fatal("config file should have been removed")
	}

	// Removing an already-absent file is fine.
	if err := b.Build(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func TestReloadFailureIsNotFatal(t *testing.T) {
	b, rt, dir := testBuilder(t)
	rt.reloadFail = true
	if err := b.Build(context.Background(), testRecord()); err != nil {
		t.Fatalf("reload failure must not fail the build: %v", err)
	}
	// The table is still written for the next successful reload.
	if _, err := os.Stat(filepath.Join(dir, "proxy.conf")); err != nil {
		t.Fatal("config file should exist despite reload failure")
	}
}
