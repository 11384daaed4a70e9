package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memocache/memocache/internal/protocol"
	"github.com/memocache/memocache/internal/store"
)

type testServer struct {
	*Server
	addr   string
	cancel context.CancelFunc
	errCh  chan error
}

func startTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	if opts.Registry == nil {
		opts.Registry = NewCacheRegistry(RegistryOptions{
			Store:    store.Options{CapacityBytes: -1, FlushFrequency: 1, AppendMode: true},
			ReadOnly: opts.ReadOnly,
		})
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 200 * time.Millisecond
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, addr: ln.Addr().String(), cancel: cancel, errCh: make(chan error, 1)}
	go func() {
		ts.errCh <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.errCh:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ts.errCh:
		ts.errCh <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
		return nil
	}
}

type rawConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *rawConn) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *rawConn) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func (c *rawConn) roundTrip(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

func TestSessionBasicCommands(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := dialRaw(t, ts.addr)
	path := filepath.Join(t.TempDir(), "basic.tsv")

	if got := conn.roundTrip("get\tk"); got != "ERROR: no file opened yet" {
		t.Fatalf("get before open: %q", got)
	}
	if got := conn.roundTrip("put\tk\tv"); got != "ERROR: no file opened yet" {
		t.Fatalf("put before open: %q", got)
	}
	if got := conn.roundTrip("open\t" + path); got != protocol.OK {
		t.Fatalf("open: %q", got)
	}
	if got := conn.roundTrip("get\tk"); got != protocol.NullSentinel {
		t.Fatalf("miss: %q", got)
	}
	if got := conn.roundTrip("put\tk\tv"); got != protocol.OK {
		t.Fatalf("put: %q", got)
	}
	if got := conn.roundTrip("get\tk"); got != "v" {
		t.Fatalf("hit: %q", got)
	}
	if got := conn.roundTrip("put\tempty\t"); got != protocol.OK {
		t.Fatalf("put empty value: %q", got)
	}
	if got := conn.roundTrip("get\tempty"); got != "" {
		t.Fatalf("empty value should round-trip, got %q", got)
	}
	if got := conn.roundTrip("flush\tall"); got != "ERROR: flush\tall" {
		t.Fatalf("unknown command: %q", got)
	}
	if got := conn.roundTrip("get\ta\tb"); got != "ERROR: get\ta\tb" {
		t.Fatalf("wrong arity: %q", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(data) != "k\tv\nempty\t\n" {
		t.Fatalf("unexpected log %q", string(data))
	}
}

func TestSessionHelpAndStats(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := dialRaw(t, ts.addr)
	dir := t.TempDir()

	conn.send("help")
	for _, want := range strings.Split(protocol.HelpText, "\n") {
		if got := conn.readLine(); got != want {
			t.Fatalf("help line: expected %q, got %q", want, got)
		}
	}

	for _, name := range []string{"one.tsv", "two.tsv"} {
		if got := conn.roundTrip("open\t" + filepath.Join(dir, name)); got != protocol.OK {
			t.Fatalf("open %s: %q", name, got)
		}
	}
	if got := conn.roundTrip("put\tk\tv"); got != protocol.OK {
		t.Fatalf("put: %q", got)
	}

	conn.send("stats")
	if got := conn.readLine(); !protocol.IsStatsHeader(got) {
		t.Fatalf("stats header: %q", got)
	}
	first, err := protocol.ParseStatsEntry(conn.readLine())
	if err != nil || first.Path != filepath.Join(dir, "one.tsv") || first.Entries != 0 {
		t.Fatalf("first stats entry: %+v (%v)", first, err)
	}
	second, err := protocol.ParseStatsEntry(conn.readLine())
	if err != nil || second.Path != filepath.Join(dir, "two.tsv") || second.Entries != 1 {
		t.Fatalf("second stats entry: %+v (%v)", second, err)
	}
}

func TestSessionsShareStores(t *testing.T) {
	ts := startTestServer(t, Options{})
	path := filepath.Join(t.TempDir(), "shared.tsv")

	writer := dialRaw(t, ts.addr)
	reader := dialRaw(t, ts.addr)
	for _, c := range []*rawConn{writer, reader} {
		if got := c.roundTrip("open\t" + path); got != protocol.OK {
			t.Fatalf("open: %q", got)
		}
	}
	if got := writer.roundTrip("put\tshared\tyes"); got != protocol.OK {
		t.Fatalf("put: %q", got)
	}
	if got := reader.roundTrip("get\tshared"); got != "yes" {
		t.Fatalf("expected shared value, got %q", got)
	}
	if got := ts.Registry().Len(); got != 1 {
		t.Fatalf("expected 1 store, got %d", got)
	}
}

func TestConcurrentSessionsPutAndGet(t *testing.T) {
	ts := startTestServer(t, Options{})
	path := filepath.Join(t.TempDir(), "concurrent.tsv")

	const (
		workers = 8
		keys    = 50
	)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			conn, err := net.Dial("tcp", ts.addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
			reader := bufio.NewReader(conn)

			roundTrip := func(line string) (string, error) {
				if _, err := conn.Write([]byte(line + "\n")); err != nil {
					return "", err
				}
				reply, err := reader.ReadString('\n')
				return strings.TrimSuffix(reply, "\n"), err
			}

			if reply, err := roundTrip("open\t" + path); err != nil || reply != protocol.OK {
				return fmt.Errorf("worker %d open: %q %v", w, reply, err)
			}
			for k := 0; k < keys; k++ {
				key := fmt.Sprintf("w%d-k%d", w, k)
				value := fmt.Sprintf("v%d-%d", w, k)
				if reply, err := roundTrip("put\t" + key + "\t" + value); err != nil || reply != protocol.OK {
					return fmt.Errorf("put %s: %q %v", key, reply, err)
				}
				if reply, err := roundTrip("get\t" + key); err != nil || reply != value {
					return fmt.Errorf("get %s: %q %v", key, reply, err)
				}
				// 读取其他连接写入的 key，只要求应答是该 key 的值或缺失标记。
				other := fmt.Sprintf("w%d-k%d", (w+1)%workers, k)
				reply, err := roundTrip("get\t" + other)
				if err != nil {
					return err
				}
				if want := fmt.Sprintf("v%d-%d", (w+1)%workers, k); reply != want && reply != protocol.NullSentinel {
					return fmt.Errorf("get %s: unexpected %q", other, reply)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent sessions: %v", err)
	}

	st, ok := ts.Registry().Lookup(path)
	if !ok {
		t.Fatalf("store not registered")
	}
	if got := st.Size(); got != workers*keys {
		t.Fatalf("expected %d entries, got %d", workers*keys, got)
	}
	if got := ts.Registry().Len(); got != 1 {
		t.Fatalf("expected 1 store, got %d", got)
	}
}

func TestSessionBasePathRestriction(t *testing.T) {
	base := t.TempDir()
	ts := startTestServer(t, Options{BasePath: base})
	conn := dialRaw(t, ts.addr)

	for _, name := range []string{"sub/x.tsv", "../x.tsv", ".."} {
		if got := conn.roundTrip("open\t" + name); got != "ERROR: only simple file names allowed" {
			t.Fatalf("open %q: %q", name, got)
		}
	}
	if got := conn.roundTrip("open\tsimple.tsv"); got != protocol.OK {
		t.Fatalf("open simple name: %q", got)
	}
	if _, ok := ts.Registry().Lookup(filepath.Join(base, "simple.tsv")); !ok {
		t.Fatalf("store should be registered under the base path")
	}
}

func TestSessionReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.tsv")
	if err := os.WriteFile(path, []byte("k\tv\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	ts := startTestServer(t, Options{ReadOnly: true})
	conn := dialRaw(t, ts.addr)

	if got := conn.roundTrip("open\t" + path); got != protocol.OK {
		t.Fatalf("open: %q", got)
	}
	if got := conn.roundTrip("get\tk"); got != "v" {
		t.Fatalf("get: %q", got)
	}
	if got := conn.roundTrip("put\tk\tother"); got != "ERROR: read-only" {
		t.Fatalf("put: %q", got)
	}
	if got := conn.roundTrip("terminate"); got != "ERROR: read-only" {
		t.Fatalf("terminate: %q", got)
	}
	if ts.Terminated() {
		t.Fatalf("read-only server must ignore terminate")
	}
}

func TestSessionOpenFailureKeepsPreviousStore(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.tsv")
	bad := filepath.Join(dir, "bad.tsv")
	if err := os.WriteFile(bad, []byte("missing separator\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	ts := startTestServer(t, Options{})
	conn := dialRaw(t, ts.addr)

	if got := conn.roundTrip("open\t" + good); got != protocol.OK {
		t.Fatalf("open good: %q", got)
	}
	if got := conn.roundTrip("open\t" + bad); !protocol.IsError(got) {
		t.Fatalf("open corrupt log should fail, got %q", got)
	}
	if got := conn.roundTrip("put\tk\tv"); got != protocol.OK {
		t.Fatalf("put after failed open: %q", got)
	}
	st, ok := ts.Registry().Lookup(good)
	if !ok {
		t.Fatalf("good store missing")
	}
	if value, ok := st.Get("k"); !ok || value != "v" {
		t.Fatalf("put should land in the previous store, got %q ok=%v", value, ok)
	}
}

func TestTerminateStopsServerAndFlushes(t *testing.T) {
	registry := NewCacheRegistry(RegistryOptions{
		Store: store.Options{CapacityBytes: -1, FlushFrequency: 1000},
	})
	ts := startTestServer(t, Options{Registry: registry})
	path := filepath.Join(t.TempDir(), "term.tsv")

	idle := dialRaw(t, ts.addr)
	if got := idle.roundTrip("help"); !strings.HasPrefix(got, "Commands") {
		t.Fatalf("help: %q", got)
	}

	conn := dialRaw(t, ts.addr)
	if got := conn.roundTrip("open\t" + path); got != protocol.OK {
		t.Fatalf("open: %q", got)
	}
	if got := conn.roundTrip("put\tk\tv"); got != protocol.OK {
		t.Fatalf("put: %q", got)
	}
	if got := conn.roundTrip("terminate"); got != protocol.TerminateReply {
		t.Fatalf("terminate: %q", got)
	}

	if err := ts.wait(t); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
	if !ts.Terminated() {
		t.Fatalf("server should report terminated")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(data) != "k\tv\n" {
		t.Fatalf("expected flushed log, got %q", string(data))
	}

	if _, err := net.DialTimeout("tcp", ts.addr, 200*time.Millisecond); err == nil {
		t.Fatalf("listener should be closed after terminate")
	}
}

func TestContextCancelStopsServer(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := dialRaw(t, ts.addr)
	if got := conn.roundTrip("help"); !strings.HasPrefix(got, "Commands") {
		t.Fatalf("help: %q", got)
	}

	ts.cancel()
	if err := ts.wait(t); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
	if ts.ActiveConnections() != 0 {
		t.Fatalf("expected idle connections to be closed")
	}
}

func TestNewServerValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected missing registry to fail")
	}
	registry := NewCacheRegistry(RegistryOptions{})
	if _, err := New(Options{Registry: registry, ListenPort: 70000}); err == nil {
		t.Fatalf("expected invalid port to fail")
	}
}
