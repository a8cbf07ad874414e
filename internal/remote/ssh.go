package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHExecutor runs commands over SSH using password or key authentication.
// Each call opens a fresh connection; fleet operations are infrequent
// enough that connection pooling is not worth the liveness bookkeeping.
type SSHExecutor struct {
	// ConnectTimeout bounds the TCP dial and SSH handshake. The ctx
	// passed to Run additionally bounds the whole call.
	ConnectTimeout time.Duration

	// StrictHostKey enables known_hosts verification. Off by default:
	// discovery and auto-setup connect to hosts fleetd has never seen.
	StrictHostKey  bool
	KnownHostsPath string
}

// NewSSHExecutor returns an executor with the given connect timeout.
func NewSSHExecutor(connectTimeout time.Duration) *SSHExecutor {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &SSHExecutor{ConnectTimeout: connectTimeout}
}

// Run executes cmd on the endpoint and returns its output and exit code.
// Dial, handshake, and auth failures come back as *ConnectivityError.
// A non-zero exit status is not an error; it is reported in Result.
func (x *SSHExecutor) Run(ctx context.Context, ep Endpoint, cmd string) (Result, error) {
	start := time.Now()
	addr := ep.Address()

	cfg, err := x.clientConfig(ep)
	if err != nil {
		return Result{}, fmt.Errorf("building ssh config for %s: %w", addr, err)
	}

	dialer := net.Dialer{Timeout: x.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, categorizeError(addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return Result{}, categorizeError(addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, categorizeError(addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Best effort: closing the session unblocks the Run goroutine.
		session.Close()
		<-done
		return Result{}, &ConnectivityError{Addr: addr, Reason: FailTimeout, Cause: ctx.Err()}
	case err = <-done:
	}

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, categorizeError(addr, err)
	}
	return res, nil
}

func (x *SSHExecutor) clientConfig(ep Endpoint) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	switch {
	case ep.Password != "":
		methods = append(methods, ssh.Password(ep.Password))
	default:
		keyPath := ep.KeyPath
		if keyPath == "" {
			keyPath = identityFileFor(ep.Host)
		}
		auth, err := keyFileAuth(keyPath)
		if err != nil {
			return nil, err
		}
		methods = append(methods, auth)
	}

	callback := ssh.InsecureIgnoreHostKey() //nolint:gosec // see StrictHostKey doc
	if x.StrictHostKey {
		path := x.KnownHostsPath
		if path == "" {
			path = filepath.Join(homeDir(), ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", path, err)
		}
		callback = cb
	}

	user := ep.User
	if user == "" {
		user = "root"
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         x.ConnectTimeout,
	}, nil
}

// identityFileFor falls back to ~/.ssh/config for hosts registered with
// key auth but no explicit key path, then to the conventional defaults.
func identityFileFor(host string) string {
	if identity, err := ssh_config.GetStrict(host, "IdentityFile"); err == nil && identity != "" {
		if p := expandPath(identity); fileExists(p) {
			return p
		}
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(homeDir(), ".ssh", name)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("no ssh key available")
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var _ Executor = (*SSHExecutor)(nil)
