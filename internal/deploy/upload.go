package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// ManifestName is the file kept in the remote directory that records the
// checksum of every uploaded file.
const ManifestName = ".assetflow-manifest.json"

// RemoteFS is the subset of an SFTP client the uploader needs.
type RemoteFS interface {
	MkdirAll(dir string) error
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
}

// SFTP adapts a pkg/sftp client to RemoteFS.
type SFTP struct {
	c *sftp.Client
}

// NewSFTP opens an SFTP session on an established SSH connection.
func NewSFTP(conn *xssh.Client) (*SFTP, error) {
	c, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &SFTP{c: c}, nil
}

// WrapSFTP adapts an existing client.
func WrapSFTP(c *sftp.Client) *SFTP { return &SFTP{c: c} }

func (s *SFTP) MkdirAll(dir string) error { return s.c.MkdirAll(dir) }

func (s *SFTP) Create(name string) (io.WriteCloser, error) {
	f, err := s.c.Create(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SFTP) Open(name string) (io.ReadCloser, error) {
	f, err := s.c.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SFTP) Close() error { return s.c.Close() }

// Report summarizes an upload.
type Report struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

// Transfer is one planned file copy.
type Transfer struct {
	Local    string
	Remote   string
	Rel      string
	Size     int64
	Checksum string
}

// RemotePath maps a slash-separated path relative to the output tree onto
// the remote root.
func RemotePath(remoteRoot, rel string) string {
	return path.Join(remoteRoot, path.Clean("/"+rel))
}

// Plan walks localRoot and returns one transfer per regular file, sorted by
// relative path.
func Plan(localRoot, remoteRoot string) ([]Transfer, error) {
	var out []Transfer
	err := filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := checksum(p)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		out = append(out, Transfer{
			Local:    p,
			Remote:   RemotePath(remoteRoot, rel),
			Rel:      rel,
			Size:     info.Size(),
			Checksum: sum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("plan upload: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rel < out[j].Rel })
	return out, nil
}

// UploadTree copies localRoot to remoteRoot. Files whose checksum matches
// the remote manifest are skipped; the manifest is rewritten at the end.
func UploadTree(ctx context.Context, rfs RemoteFS, localRoot, remoteRoot string) (Report, error) {
	var rep Report
	plan, err := Plan(localRoot, remoteRoot)
	if err != nil {
		return rep, err
	}
	if err := rfs.MkdirAll(remoteRoot); err != nil {
		return rep, fmt.Errorf("create remote directory: %w", err)
	}
	prev := readManifest(rfs, remoteRoot)
	next := make(map[string]string, len(plan))
	made := map[string]bool{remoteRoot: true}

	for _, t := range plan {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		next[t.Rel] = t.Checksum
		if prev[t.Rel] == t.Checksum {
			rep.Skipped++
			continue
		}
		dir := path.Dir(t.Remote)
		if !made[dir] {
			if err := rfs.MkdirAll(dir); err != nil {
				return rep, fmt.Errorf("create remote directory %s: %w", dir, err)
			}
			made[dir] = true
		}
		if err := copyFile(rfs, t.Local, t.Remote); err != nil {
			return rep, err
		}
		rep.Uploaded++
		rep.Bytes += t.Size
		log.Debug().Str("file", t.Rel).Str("size", humanize.Bytes(uint64(t.Size))).Msg("Uploaded")
	}
	if err := writeManifest(rfs, remoteRoot, next); err != nil {
		return rep, err
	}
	return rep, nil
}

func copyFile(rfs RemoteFS, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()
	dst, err := rfs.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy %s: %w", remote, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote file %s: %w", remote, err)
	}
	return nil
}

func checksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readManifest(rfs RemoteFS, remoteRoot string) map[string]string {
	r, err := rfs.Open(path.Join(remoteRoot, ManifestName))
	if err != nil {
		return nil
	}
	defer r.Close()
	var m map[string]string
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable remote manifest")
		return nil
	}
	return m
}

func writeManifest(rfs RemoteFS, remoteRoot string, m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	w, err := rfs.Create(path.Join(remoteRoot, ManifestName))
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	return w.Close()
}

// Target describes where the output tree goes.
type Target struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	KnownHosts string
	AcceptNew  bool
	RemoteDir  string
	Retries    int
	Timeout    time.Duration
}

// Validate reports the first missing field.
func (t Target) Validate() error {
	switch {
	case t.Host == "":
		return errors.New("deploy: host is not set")
	case t.User == "":
		return errors.New("deploy: user is not set")
	case t.KeyPath == "":
		return errors.New("deploy: key path is not set")
	case t.RemoteDir == "":
		return errors.New("deploy: remote dir is not set")
	}
	return nil
}

// Deploy connects to the target and uploads localRoot.
func Deploy(ctx context.Context, t Target, localRoot string) (Report, error) {
	if err := t.Validate(); err != nil {
		return Report{}, err
	}
	signer, err := LoadPrivateKeySigner(t.KeyPath)
	if err != nil {
		return Report{}, fmt.Errorf("load SSH key: %w", err)
	}
	kh, err := LoadKnownHostsCallback(t.KnownHosts, t.AcceptNew)
	if err != nil {
		return Report{}, fmt.Errorf("load known hosts: %w", err)
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := Dial(ctx, &Client{
		Addr:       net.JoinHostPort(t.Host, strconv.Itoa(port)),
		User:       t.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    timeout,
		Retries:    t.Retries,
	})
	if err != nil {
		return Report{}, err
	}
	defer conn.Close()

	s, err := NewSFTP(conn)
	if err != nil {
		return Report{}, err
	}
	defer s.Close()

	start := time.Now()
	rep, err := UploadTree(ctx, s, localRoot, t.RemoteDir)
	if err != nil {
		return rep, err
	}
	log.Info().
		Str("host", t.Host).
		Str("dir", t.RemoteDir).
		Int("uploaded", rep.Uploaded).
		Int("unchanged", rep.Skipped).
		Str("bytes", humanize.Bytes(uint64(rep.Bytes))).
		Dur("elapsed", time.Since(start)).
		Msg("Deployed")
	return rep, nil
}
