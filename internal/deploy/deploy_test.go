package deploy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv, "assetflow")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") || !strings.HasSuffix(pub, " assetflow\n") {
		t.Fatalf("unexpected public key %q", pub)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("private key does not parse back: %v", err)
	}
	if got := string(xssh.MarshalAuthorizedKey(signer.PublicKey())); !strings.HasPrefix(pub, strings.TrimSpace(got)) {
		t.Fatalf("public key mismatch: %q vs %q", got, pub)
	}
	b, err := os.ReadFile(priv + ".pub")
	if err != nil || string(b) != pub {
		t.Fatalf("public key file: %q, %v", b, err)
	}
	st, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("private key mode %v", st.Mode().Perm())
	}
}

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "id_ed25519"), "")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendKnownHost(kh, "example.com", pub); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	cb, err := LoadKnownHostsCallback(kh, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	key, _, _, _, _ := xssh.ParseAuthorizedKey([]byte(pub))
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	if err := cb("example.com:22", remote, key); err != nil {
		t.Fatalf("known key rejected: %v", err)
	}
	if err := cb("other.example.com:22", remote, key); err == nil {
		t.Fatalf("unknown host accepted without acceptNew")
	}
}

func TestKnownHostsAcceptNew(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "ssh", "known_hosts")
	pubA, _ := GenerateEd25519Keypair(filepath.Join(dir, "a"), "")
	pubB, _ := GenerateEd25519Keypair(filepath.Join(dir, "b"), "")
	keyA, _, _, _, _ := xssh.ParseAuthorizedKey([]byte(pubA))
	keyB, _, _, _, _ := xssh.ParseAuthorizedKey([]byte(pubB))
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}

	cb, err := LoadKnownHostsCallback(kh, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cb("deploy.example.com:2222", remote, keyA); err != nil {
		t.Fatalf("first contact rejected: %v", err)
	}
	if err := cb("deploy.example.com:2222", remote, keyA); err != nil {
		t.Fatalf("recorded key rejected: %v", err)
	}
	err = cb("deploy.example.com:2222", remote, keyB)
	var ke *knownhosts.KeyError
	if !errors.As(err, &ke) || len(ke.Want) == 0 {
		t.Fatalf("changed key must be rejected, got %v", err)
	}
}

func memSFTP(t *testing.T) *sftp.Client {
	t.Helper()
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	srv := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw}, sftp.InMemHandler())
	go func() { _ = srv.Serve() }()
	c, err := sftp.NewClientPipe(cr, cw)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.Close()
	})
	return c
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readRemote(t *testing.T, c *sftp.Client, name string) string {
	t.Helper()
	f, err := c.Open(name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(b)
}

func TestUploadTreeIsIncremental(t *testing.T) {
	local := t.TempDir()
	writeTree(t, local, map[string]string{
		"index.html":        "<h1>hi</h1>",
		"css/style.min.css": "h1{color:red}",
		"img/sprite.svg":    "<svg/>",
	})
	c := memSFTP(t)
	rfs := WrapSFTP(c)
	ctx := context.Background()

	rep, err := UploadTree(ctx, rfs, local, "/site")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rep.Uploaded != 3 || rep.Skipped != 0 {
		t.Fatalf("first upload: %+v", rep)
	}
	if got := readRemote(t, c, "/site/css/style.min.css"); got != "h1{color:red}" {
		t.Fatalf("remote css = %q", got)
	}

	rep, err = UploadTree(ctx, rfs, local, "/site")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if rep.Uploaded != 0 || rep.Skipped != 3 {
		t.Fatalf("unchanged tree re-uploaded: %+v", rep)
	}

	writeTree(t, local, map[string]string{"index.html": "<h1>changed</h1>"})
	rep, err = UploadTree(ctx, rfs, local, "/site")
	if err != nil {
		t.Fatalf("third upload: %v", err)
	}
	if rep.Uploaded != 1 || rep.Skipped != 2 {
		t.Fatalf("expected only index.html, got %+v", rep)
	}
	if got := readRemote(t, c, "/site/index.html"); got != "<h1>changed</h1>" {
		t.Fatalf("remote html = %q", got)
	}
}

func TestRemotePath(t *testing.T) {
	cases := map[string]string{
		"index.html":       "/var/www/index.html",
		"css/style.css":    "/var/www/css/style.css",
		"../../etc/passwd": "/var/www/etc/passwd",
	}
	for rel, want := range cases {
		if got := RemotePath("/var/www", rel); got != want {
			t.Fatalf("RemotePath(%q) = %q, want %q", rel, got, want)
		}
	}
}

func TestTargetValidate(t *testing.T) {
	if err := (Target{}).Validate(); err == nil {
		t.Fatalf("empty target accepted")
	}
	ok := Target{Host: "h", User: "u", KeyPath: "k", RemoteDir: "/srv"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid target rejected: %v", err)
	}
}

func TestDialRetriesThenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dir := t.TempDir()
	if _, err := GenerateEd25519Keypair(filepath.Join(dir, "id"), ""); err != nil {
		t.Fatal(err)
	}
	signer, err := LoadPrivateKeySigner(filepath.Join(dir, "id"))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = Dial(context.Background(), &Client{
		Addr:       addr,
		User:       "deploy",
		Signer:     signer,
		KnownHosts: xssh.InsecureIgnoreHostKey(),
		Timeout:    time.Second,
		Retries:    1,
		Backoff:    20 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("dial to closed port succeeded")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected a backoff between attempts")
	}

	if _, err := Dial(context.Background(), &Client{Addr: addr}); err == nil {
		t.Fatalf("dial without signer succeeded")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	for attempt, base := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		d := p.Delay(attempt)
		if d < base*3/4 || d > base*5/4 {
			t.Fatalf("attempt %d: delay %v outside jitter range of %v", attempt, d, base)
		}
	}
	if d := p.Delay(10); d != time.Second {
		t.Fatalf("delay not capped: %v", d)
	}
}
