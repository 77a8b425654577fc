package fetch

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/tessera/modrt/pkg/executor"
)

// testSFTPServer is a minimal SSH server exposing an in-memory SFTP tree.
type testSFTPServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	handlers sftp.Handlers
	addr     string
	done     chan struct{}
}

func newTestSFTPServer(t *testing.T, files map[string]string) *testSFTPServer {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSFTPServer{
		listener: listener,
		config:   config,
		handlers: sftp.InMemHandler(),
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	s.seed(t, files)

	go s.serve()
	t.Cleanup(s.close)

	return s
}

// seed writes files into the in-memory tree through a piped SFTP session.
func (s *testSFTPServer) seed(t *testing.T, files map[string]string) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, s.handlers)
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		t.Fatalf("failed to open seed client: %v", err)
	}
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	for name, content := range files {
		if err := client.MkdirAll(path.Dir(name)); err != nil {
			t.Fatalf("failed to create %s: %v", path.Dir(name), err)
		}
		f, err := client.Create(name)
		if err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		_ = f.Close()
	}
}

func (s *testSFTPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSFTPServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func (s *testSFTPServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "subsystem" || len(req.Payload) < 4 {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		n := binary.BigEndian.Uint32(req.Payload[:4])
		if string(req.Payload[4:4+n]) != "sftp" {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		go ssh.DiscardRequests(requests)

		server := sftp.NewRequestServer(channel, s.handlers)
		_ = server.Serve()
		_ = server.Close()
		return
	}
}

func (s *testSFTPServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSFTPServer) source(t *testing.T, root string) Source {
	t.Helper()

	host, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	src, err := ParseURL(fmt.Sprintf("sftp://deploy@%s:%s%s", host, port, root))
	if err != nil {
		t.Fatalf("failed to parse source: %v", err)
	}
	return src
}

func testFetchConfig() Config {
	cfg := DefaultConfig()
	cfg.Password = "testpass"
	cfg.InsecureIgnoreHostKey = true
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

var repoFiles = map[string]string{
	"/repo/core/mod.yaml":        "id: core\nversion: 1.2.0\nentrypoint: main.star\n",
	"/repo/core/main.star":       "log('core')\n",
	"/repo/core/data/items.json": "[]\n",
	"/repo/extra/mod.yaml":       "id: extra\nversion: 0.1.0\nentrypoint: native:extra\n",
	"/repo/liar/mod.yaml":        "id: someone-else\nversion: 1.0.0\nentrypoint: native:x\n",
	"/repo/broken/mod.yaml":      "id: broken\n",
}

func TestFetchInstallsMods(t *testing.T) {
	server := newTestSFTPServer(t, repoFiles)
	modsDir := t.TempDir()

	fetcher, err := New(testFetchConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := fetcher.Fetch(ctx, server.source(t, "/repo"), modsDir, []string{"core", "extra"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ModID != "core" || results[0].Version != "1.2.0" || results[0].Files != 3 {
		t.Errorf("unexpected core result: %+v", results[0])
	}
	if results[1].ModID != "extra" || results[1].Files != 1 {
		t.Errorf("unexpected extra result: %+v", results[1])
	}

	data, err := os.ReadFile(filepath.Join(modsDir, "core", "data", "items.json"))
	if err != nil {
		t.Fatalf("expected nested file to be installed: %v", err)
	}
	if string(data) != "[]\n" {
		t.Errorf("unexpected file content %q", data)
	}

	entries, err := os.ReadDir(modsDir)
	if err != nil {
		t.Fatalf("failed to read mods dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("staging directory %s left behind", e.Name())
		}
	}
}

func TestFetchIsolatesFailures(t *testing.T) {
	server := newTestSFTPServer(t, repoFiles)
	modsDir := t.TempDir()

	exec := executor.NewService(executor.Config{IOWorkers: 2}, zerolog.Nop())
	defer exec.Shutdown(context.Background())

	fetcher, err := New(testFetchConfig(), zerolog.Nop(), WithExecutor(exec))
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids := []string{"liar", "core", "broken", "missing"}
	results, err := fetcher.Fetch(ctx, server.source(t, "/repo"), modsDir, ids)
	if err == nil {
		t.Fatal("expected joined error for failing mods")
	}
	for _, id := range []string{"liar", "broken", "missing"} {
		if !strings.Contains(err.Error(), "mod "+id) {
			t.Errorf("expected error to mention %s, got %v", id, err)
		}
	}

	if len(results) != 1 || results[0].ModID != "core" {
		t.Fatalf("expected only core to install, got %+v", results)
	}

	for _, id := range []string{"liar", "broken", "missing"} {
		if _, err := os.Stat(filepath.Join(modsDir, id)); !os.IsNotExist(err) {
			t.Errorf("expected %s not to be installed", id)
		}
	}
}

func TestFetchReplacesExistingInstall(t *testing.T) {
	server := newTestSFTPServer(t, repoFiles)
	modsDir := t.TempDir()

	stale := filepath.Join(modsDir, "extra", "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	fetcher, err := New(testFetchConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}

	if _, err := fetcher.Fetch(context.Background(), server.source(t, "/repo"), modsDir, []string{"extra"}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale file to be removed by reinstall")
	}
	if _, err := os.Stat(filepath.Join(modsDir, "extra", "mod.yaml")); err != nil {
		t.Errorf("expected manifest to be installed: %v", err)
	}
}

func TestFetchRejectsBadCredentials(t *testing.T) {
	server := newTestSFTPServer(t, repoFiles)

	cfg := testFetchConfig()
	cfg.Password = "wrong"

	fetcher, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}

	_, err = fetcher.Fetch(context.Background(), server.source(t, "/repo"), t.TempDir(), []string{"core"})
	if err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestInstallRejectsInvalidIDs(t *testing.T) {
	fetcher, err := New(testFetchConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		t.Run(id, func(t *testing.T) {
			if _, err := fetcher.Install(context.Background(), nil, "/repo", t.TempDir(), []string{id}); err == nil {
				t.Errorf("expected error for id %q", id)
			}
		})
	}
}
