package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/tessera/modrt/pkg/executor"
	"github.com/tessera/modrt/pkg/mods"
)

// Result describes one installed mod.
type Result struct {
	ModID   string
	Version string

	// Path is the local directory the mod was installed into.
	Path  string
	Files int
	Bytes int64
}

// Fetcher copies mod directories from an SFTP repository into a local
// mods directory.
type Fetcher struct {
	cfg    Config
	logger zerolog.Logger
	exec   *executor.Service

	// loaderMu serializes manifest loading; the CUE context is not
	// safe for concurrent use.
	loaderMu sync.Mutex
	loader   *mods.ManifestLoader
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithExecutor downloads mods in parallel on the executor's io pool.
func WithExecutor(s *executor.Service) Option {
	return func(f *Fetcher) {
		f.exec = s
	}
}

// New creates a Fetcher.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Fetcher, error) {
	loader, err := mods.NewManifestLoader()
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		cfg:    cfg,
		logger: logger.With().Str("component", "mod-fetcher").Logger(),
		loader: loader,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch connects to src and installs every mod in ids into modsDir.
func (f *Fetcher) Fetch(ctx context.Context, src Source, modsDir string, ids []string) ([]Result, error) {
	if err := f.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch config: %w", err)
	}

	client, closeFn, err := f.dial(ctx, src)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	return f.Install(ctx, client, src.Path, modsDir, ids)
}

// dial opens an SSH connection to src and starts the SFTP subsystem.
func (f *Fetcher) dial(ctx context.Context, src Source) (*sftp.Client, func(), error) {
	user := src.User
	if user == "" {
		user = f.cfg.User
	}
	if user == "" {
		return nil, nil, fmt.Errorf("no SSH user in URL or configuration")
	}

	clientConfig, err := f.cfg.clientConfig(user)
	if err != nil {
		return nil, nil, err
	}

	address := src.Address()
	f.logger.Debug().Str("address", address).Str("user", user).Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: f.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	// The handshake does not take a context; bound it by the deadline instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("SSH handshake with %s failed: %w", address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	f.logger.Info().Str("address", address).Msg("SFTP session established")

	closeFn := func() {
		_ = sftpClient.Close()
		_ = sshClient.Close()
	}
	return sftpClient, closeFn, nil
}

// Install copies <remoteRoot>/<id>/ for every id into <modsDir>/<id>/.
// Each mod is staged next to its destination and only replaces an existing
// installation once its manifest loaded and matched the requested id.
// Results are returned in ids order; a failed mod does not stop the others.
func (f *Fetcher) Install(ctx context.Context, client *sftp.Client, remoteRoot, modsDir string, ids []string) ([]Result, error) {
	for _, id := range ids {
		if err := checkModID(id); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(modsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mods directory: %w", err)
	}

	if f.exec == nil {
		results := make([]Result, 0, len(ids))
		var errs []error
		for _, id := range ids {
			r, err := f.installOne(ctx, client, remoteRoot, modsDir, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			results = append(results, r)
		}
		return results, errors.Join(errs...)
	}

	tasks := make([]executor.NamedTask[Result], len(ids))
	for i, id := range ids {
		tasks[i] = executor.NamedTask[Result]{
			Name: "fetch-mod-" + id,
			Run: func(ctx context.Context) (Result, error) {
				return f.installOne(ctx, client, remoteRoot, modsDir, id)
			},
		}
	}

	all, err := executor.All(f.exec, executor.CategoryIO, tasks).Await(ctx)
	results := make([]Result, 0, len(all))
	for _, r := range all {
		if !r.Failed() {
			results = append(results, r.Value)
		}
	}
	return results, err
}

func (f *Fetcher) installOne(ctx context.Context, client *sftp.Client, remoteRoot, modsDir, id string) (Result, error) {
	start := time.Now()
	remoteDir := path.Join(remoteRoot, id)
	logger := f.logger.With().Str("mod_id", id).Str("remote", remoteDir).Logger()

	info, err := client.Stat(remoteDir)
	if err != nil {
		return Result{}, fmt.Errorf("mod %s: failed to stat remote directory: %w", id, err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("mod %s: remote path %s is not a directory", id, remoteDir)
	}

	staging, err := os.MkdirTemp(modsDir, "."+id+"-fetch-")
	if err != nil {
		return Result{}, fmt.Errorf("mod %s: failed to create staging directory: %w", id, err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	result := Result{ModID: id}

	walker := client.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return Result{}, fmt.Errorf("mod %s: failed to walk remote directory: %w", id, err)
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		relPath, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			return Result{}, err
		}
		if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
			return Result{}, fmt.Errorf("mod %s: remote entry %s escapes the mod directory", id, walker.Path())
		}

		stat := walker.Stat()
		targetPath := filepath.Join(staging, relPath)

		switch {
		case stat.Mode()&os.ModeSymlink != 0:
			logger.Debug().Str("path", walker.Path()).Msg("Skipping symlink")
		case stat.IsDir():
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return Result{}, fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}
		default:
			n, err := downloadFile(ctx, client, walker.Path(), targetPath, stat.Mode().Perm())
			if err != nil {
				return Result{}, fmt.Errorf("mod %s: failed to download %s: %w", id, walker.Path(), err)
			}
			result.Files++
			result.Bytes += n
		}
	}

	f.loaderMu.Lock()
	mod, err := f.loader.LoadFromDir(staging)
	f.loaderMu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("mod %s: fetched files are not a valid mod: %w", id, err)
	}
	if mod.ID() != id {
		return Result{}, fmt.Errorf("mod %s: manifest declares id %q", id, mod.ID())
	}

	dest := filepath.Join(modsDir, id)
	if err := os.RemoveAll(dest); err != nil {
		return Result{}, fmt.Errorf("mod %s: failed to remove previous installation: %w", id, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return Result{}, fmt.Errorf("mod %s: failed to install: %w", id, err)
	}

	result.Path = dest
	result.Version = mod.Metadata.Version.String()

	logger.Info().
		Str("version", result.Version).
		Int("files", result.Files).
		Int64("bytes", result.Bytes).
		Dur("duration", time.Since(start)).
		Msg("Mod fetched")

	return result, nil
}

// downloadFile copies one remote file to localPath.
func downloadFile(ctx context.Context, client *sftp.Client, remotePath, localPath string, mode os.FileMode) (int64, error) {
	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create local directory: %w", err)
	}

	if mode == 0 {
		mode = 0o644
	}
	localFile, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer localFile.Close()

	return copyWithContext(ctx, localFile, remoteFile)
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

func checkModID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid mod id %q", id)
	}
	return nil
}
