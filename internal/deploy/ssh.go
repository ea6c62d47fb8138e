package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/blockadesystems/certpilot/internal/model"
)

// SSHDialer connects with golang.org/x/crypto/ssh and transfers files over SFTP.
type SSHDialer struct {
	Timeout time.Duration
	logger  *zap.Logger
}

var _ Dialer = (*SSHDialer)(nil)

func NewSSHDialer(timeout time.Duration, logger *zap.Logger) *SSHDialer {
	if logger == nil {
		logger = zap.L()
	}
	return &SSHDialer{Timeout: timeout, logger: logger.With(zap.String("package", "deploy"))}
}

func (d *SSHDialer) clientConfig(srv *model.Server) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if srv.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(srv.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("deploy: failed to parse SSH private key for %s: %w", srv.Name, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if srv.Password != "" {
		pw := srv.Password
		auth = append(auth, ssh.Password(pw), ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: server %s has no SSH credentials", ErrNotReady, srv.Name)
	}

	var hostKey ssh.HostKeyCallback
	if srv.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(srv.HostKey))
		if err != nil {
			return nil, fmt.Errorf("deploy: failed to parse host key for %s: %w", srv.Name, err)
		}
		hostKey = ssh.FixedHostKey(pub)
	} else {
		d.logger.Warn("no host key pinned, accepting any host key", zap.String("server", srv.Name), zap.String("host", srv.Host))
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            srv.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.Timeout,
	}, nil
}

func (d *SSHDialer) Dial(ctx context.Context, srv *model.Server) (Session, error) {
	cfg, err := d.clientConfig(srv)
	if err != nil {
		return nil, err
	}
	port := srv.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("deploy: failed to dial %s: %w", addr, err)
	}
	// The handshake has no context; bound it with a deadline instead.
	var deadline time.Time
	if d.Timeout > 0 {
		deadline = time.Now().Add(d.Timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("deploy: SSH handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("deploy: failed to start SFTP on %s: %w", addr, err)
	}
	return &sshSession{client: client, sftp: sc}, nil
}

type sshSession struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// Upload stages data in a local temp file and copies it to remotePath. The
// remote copy is written under a temporary name restricted to mode before any
// data is sent, then renamed into place.
func (s *sshSession) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "certpilot-upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("failed to restrict temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	dir := path.Dir(remotePath)
	if err := s.sftp.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := path.Join(dir, "."+path.Base(remotePath)+"."+uuid.NewString()[:8]+".tmp")
	if err := s.writeStaged(staged, tmp, mode); err != nil {
		s.sftp.Remove(staged) //nolint:errcheck
		return err
	}
	if err := s.sftp.PosixRename(staged, remotePath); err != nil {
		// Servers without posix-rename refuse to rename over an existing file.
		s.sftp.Remove(remotePath) //nolint:errcheck
		if err := s.sftp.Rename(staged, remotePath); err != nil {
			s.sftp.Remove(staged) //nolint:errcheck
			return fmt.Errorf("failed to move remote file into place: %w", err)
		}
	}
	return nil
}

func (s *sshSession) writeStaged(staged string, src io.Reader, mode os.FileMode) error {
	dst, err := s.sftp.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if err := dst.Chmod(mode); err != nil {
		dst.Close()
		return fmt.Errorf("failed to chmod remote file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy data: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close remote file: %w", err)
	}
	return nil
}

func (s *sshSession) Run(ctx context.Context, cmd, stdin string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer sess.Close()
	sess.Stdin = strings.NewReader(stdin)

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return string(r.out), r.err
	case <-ctx.Done():
		sess.Close()
		return "", ctx.Err()
	}
}

func (s *sshSession) Close() error {
	return errors.Join(s.sftp.Close(), s.client.Close())
}
