// Package transport drives worker hosts over SSH: running one-shot
// commands and writing single payloads to remote files over base64'd stdin,
// with connection pooling, retry with backoff, and strict shell-argument
// validation.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/types"
)

var (
	uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]+$`)
)

// ValidUUID reports whether s is shell-safe to interpolate as an ID argument.
func ValidUUID(s string) bool { return uuidPattern.MatchString(s) }

// ValidName reports whether s is shell-safe to interpolate as a name argument.
func ValidName(s string) bool { return namePattern.MatchString(s) }

// Result is the outcome of a remote command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

const (
	maxAttempts  = 3
	dialTimeout  = 30 * time.Second
	retryBackoff = time.Second
)

// Transport runs commands and uploads files against worker hosts over SSH.
type Transport struct {
	config    *ssh.ClientConfig
	selfAddr  string // the control plane's own advertised address; rewritten to loopback
	mu        sync.Mutex
	conns     map[string]*ssh.Client
}

// New builds a Transport authenticating with the given private key and
// host-key callback. selfAddr, when non-empty, is rewritten to loopback so
// the control plane can address a worker co-located with itself.
func New(signer ssh.Signer, hostKeyCallback ssh.HostKeyCallback, user, selfAddr string) *Transport {
	return &Transport{
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         dialTimeout,
		},
		selfAddr: selfAddr,
		conns:    make(map[string]*ssh.Client),
	}
}

func (t *Transport) resolveAddr(addr string) string {
	if t.selfAddr != "" && addr == t.selfAddr {
		return "127.0.0.1:22"
	}
	return addr
}

// dial returns a cached connection to addr, establishing and caching a new
// one on first use or after the cached one has gone bad.
func (t *Transport) dial(addr string) (*ssh.Client, error) {
	resolved := t.resolveAddr(addr)

	t.mu.Lock()
	if c, ok := t.conns[resolved]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", resolved, dialTimeout)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, resolved, t.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.conns[resolved] = client
	t.mu.Unlock()

	return client, nil
}

func (t *Transport) dropConn(addr string) {
	resolved := t.resolveAddr(addr)
	t.mu.Lock()
	if c, ok := t.conns[resolved]; ok {
		delete(t.conns, resolved)
		c.Close()
	}
	t.mu.Unlock()
}

// Exec runs command on worker, retrying up to maxAttempts times with
// linear backoff on connection failure. command elements are joined with
// spaces only after every identifier argument has passed allow-list
// validation at the call site — Exec itself never escapes or quotes.
func (t *Transport) Exec(ctx context.Context, worker *types.Worker, command []string) (Result, error) {
	return t.ExecWithStdin(ctx, worker, command, nil)
}

// ExecWithStdin is Exec with an additional payload piped to the remote
// command's stdin, for invocations that accept a body rather than argv
// (e.g. piping a message into an instance's CLI).
func (t *Transport) ExecWithStdin(ctx context.Context, worker *types.Worker, command []string, stdin []byte) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := t.execOnce(ctx, worker.Address, command, stdin)
		if err == nil {
			return res, nil
		}
		lastErr = err
		t.dropConn(worker.Address)

		log.Warn(fmt.Sprintf("transport: exec attempt %d/%d to worker %s failed: %s",
			attempt, maxAttempts, worker.ID, log.Redact(err.Error())))

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
	}
	return Result{}, errs.Wrap(errs.Unreachable, fmt.Sprintf("worker %s unreachable after %d attempts", worker.ID, maxAttempts), lastErr)
}

func (t *Transport) execOnce(ctx context.Context, addr string, command []string, stdin []byte) (Result, error) {
	client, err := t.dial(addr)
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(joinCommand(command)) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err := <-done:
		code := 0
		if exitErr, ok := err.(*ssh.ExitError); ok {
			code = exitErr.ExitStatus()
			err = nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
	}
}

// WriteStdin runs a remote write-stdin helper command, base64-encoding
// payload so it never touches argv or shell-interpolation.
func (t *Transport) WriteStdin(ctx context.Context, worker *types.Worker, remotePath string, payload []byte) error {
	if !pathSafe(remotePath) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("unsafe remote path %q", remotePath), nil)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	cmd := []string{"sh", "-c", fmt.Sprintf("base64 -d > %s", remotePath)}

	client, err := t.dial(worker.Address)
	if err != nil {
		return errs.Wrap(errs.Unreachable, "write-stdin dial failed", err)
	}
	session, err := client.NewSession()
	if err != nil {
		return errs.Wrap(errs.Unreachable, "write-stdin session failed", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewBufferString(encoded)
	if err := session.Run(joinCommand(cmd)); err != nil {
		return errs.Wrap(errs.Unreachable, "write-stdin run failed", err)
	}
	return nil
}

func pathSafe(p string) bool {
	return len(p) > 0 && p[0] == '/' && !bytes.ContainsAny([]byte(p), " ;|&$`<>\"'\\\n")
}

func joinCommand(parts []string) string {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

// Close tears down every cached connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for addr, c := range t.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, addr)
	}
	return firstErr
}
