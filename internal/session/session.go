// Package session implements the per-connection FTP control-channel state
// machine: command parsing/dispatch, the authenticated/unauthenticated
// command gate, TLS upgrade of the control channel, and the glue that ties
// the data channel manager, transfer pipelines, and listing engine to one
// client.
//
// A Session is meant to run inside its own OS process (the "worker"); it
// never reaches into supervisor state directly. Anything that requires
// supervisor privilege (UID/GID name resolution, passive port allocation)
// goes through the injected IPC client.
package session

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cftpd/cftpd/internal/parser"
	"github.com/cftpd/cftpd/internal/ratelimit"
)

// MaxCommandLine is the maximum accepted length of one control line.
const MaxCommandLine = 1024

// State is the control-channel state machine's current state.
type State int

const (
	StateGreeting State = iota
	StateUnauthenticated
	StateAuthenticated
	StateTLSHandshakePending
	StateClosing
)

// IPCClient is the subset of ipc.Client a session needs; defined here so
// tests can substitute a fake without spinning up a real socketpair.
type IPCClient interface {
	LookupUser(uid uint32) (string, error)
	LookupGroup(gid uint32) (string, error)
	ReservePassivePort() (port int, ok bool, err error)
	ReleasePassivePort(port int) error
}

// Jailer performs the privilege drop described in §4.8: chroot to the
// user's home directory, chdir to "/", then drop group and user
// privileges. It is an injected dependency because issuing real
// chroot/setuid/setgid from a test process would be both privileged and
// irreversible for the rest of that process's lifetime.
type Jailer interface {
	Enter(homeDir string, uid, gid uint32) error
}

// CredentialStore resolves a username/password pair to post-jail identity.
// This is the "OS-level credential database" the top-level specification
// calls out as external to the core: the core only ever talks to this
// narrow interface.
type CredentialStore interface {
	// Authenticate checks user/pass. ok is false for any authentication
	// failure (unknown user, bad password, or disallowed login such as
	// "root"). HomeDir becomes the chroot target on success.
	Authenticate(user, pass string) (info UserInfo, ok bool)
}

// UserInfo is what a successful credential check yields.
type UserInfo struct {
	UID     uint32
	GID     uint32
	HomeDir string
}

// Deps bundles a session's external collaborators.
type Deps struct {
	IPC         IPCClient
	Jailer      Jailer
	Credentials CredentialStore
	Logger      *slog.Logger

	ServerName string
	TLSConfig  *tls.Config // nil disables AUTH TLS entirely

	// RootDir anchors chroot-relative paths to a real directory on disk.
	// The production worker leaves this empty because it has already
	// chrooted for real (via Jailer), so chroot-relative and real paths
	// are identical; tests that never chroot set it to a temp directory.
	RootDir string

	ConnectionAcceptTimeout time.Duration // pre-auth idle timeout, §4.4
	DataAcceptTimeout       time.Duration

	// TransferLimiter throttles RETR/STOR byte rates. Nil disables
	// throttling entirely (ratelimit.NewReader/NewWriter pass through).
	TransferLimiter *ratelimit.Limiter
}

// Session is one client's control-channel state and transfer scratch, per
// the data model in §3.
type Session struct {
	deps Deps

	// Control.
	conn          net.Conn
	reader        *bufio.Reader
	writer        *bufio.Writer
	state         State
	clientIP      string
	controlWriteCB func() // at most one queued, fires once then cleared

	// Identity.
	username      string
	authenticated bool
	uid, gid      uint32
	homeDir       string
	cwd           string // chroot-relative, always slash-rooted

	// Data channel + transfer + listing scratch, in data.go/transfer.go/listing.go.
	data data

	// Transfer mode, §3: 'A' or 'I'. Both stream bytes identically (§9 OQ1).
	transferType byte

	preAuthTimer *time.Timer
}

// New constructs a Session bound to conn, ready to run via Run.
func New(conn net.Conn, clientIP string, deps Deps) *Session {
	s := &Session{
		deps:         deps,
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, MaxCommandLine*2),
		writer:       bufio.NewWriter(conn),
		state:        StateGreeting,
		clientIP:     clientIP,
		transferType: 'I',
	}
	return s
}

// Run drives the session to completion: greeting, command loop, teardown.
// It returns once the session has ended (QUIT, fatal error, idle timeout,
// or transport error).
func (s *Session) Run() {
	defer s.teardown()

	s.reply(220, fmt.Sprintf("%s ready.", s.serverNameOrDefault()))
	s.state = StateUnauthenticated

	if s.deps.ConnectionAcceptTimeout > 0 {
		s.preAuthTimer = time.AfterFunc(s.deps.ConnectionAcceptTimeout, func() {
			if !s.authenticated {
				s.logger().Warn("pre_auth_timeout", "remote_ip", s.clientIP)
				s.conn.Close()
			}
		})
	}

	for s.state != StateClosing {
		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				s.logger().Debug("control read error", "error", err, "remote_ip", s.clientIP)
			}
			return
		}

		s.dispatch(line)
		s.fireControlWriteCB()
	}
}

func (s *Session) serverNameOrDefault() string {
	if s.deps.ServerName != "" {
		return s.deps.ServerName
	}
	return "cftpd"
}

func (s *Session) logger() *slog.Logger {
	if s.deps.Logger != nil {
		return s.deps.Logger
	}
	return slog.Default()
}

// readLine reads one CRLF- or LF-terminated line, enforcing MaxCommandLine.
func (s *Session) readLine() (string, error) {
	var buf []byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		buf = append(buf, b)
		if len(buf) > MaxCommandLine {
			return "", fmt.Errorf("command line too long")
		}
	}
	return strings.TrimRight(string(buf), "\r"), nil
}

// dispatch parses one line and routes it through the command registry.
func (s *Session) dispatch(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	cmd := parser.Parse(line)
	if cmd.Verb == "" {
		return
	}

	entry, known := registry[cmd.Verb]
	if !known {
		s.reply(502, "Command not implemented.")
		return
	}

	if entry.authed != nil && s.authenticated {
		entry.authed(s, cmd)
		return
	}
	if entry.unauthed != nil && !s.authenticated {
		entry.unauthed(s, cmd)
		return
	}

	// Verb exists in the registry but not for this auth state.
	if s.authenticated {
		// Pre-auth-only verb (USER/PASS) hit post-auth.
		s.reply(230, "Already logged in.")
		return
	}
	s.reply(530, "Please login with USER and PASS.")
}

// reply sends a single-line "%d %s\r\n" control reply.
func (s *Session) reply(code int, msg string) {
	fmt.Fprintf(s.writer, "%d %s\r\n", code, msg)
	s.writer.Flush()
}

// replyMultiline sends a pre-composed multiline block, bypassing the
// status-code prefixer; callers provide the full NNN-...\r\n...\r\nNNN
// End\r\n shape (e.g. FEAT).
func (s *Session) replyMultiline(block string) {
	s.writer.WriteString(block)
	s.writer.Flush()
}

// queueControlWriteCB installs the single control-write continuation slot.
// A second call before the first fires silently replaces it, matching the
// at-most-one-pending-hook invariant.
func (s *Session) queueControlWriteCB(cb func()) {
	s.controlWriteCB = cb
}

func (s *Session) fireControlWriteCB() {
	if s.controlWriteCB == nil {
		return
	}
	cb := s.controlWriteCB
	s.controlWriteCB = nil
	cb()
}

func (s *Session) teardown() {
	if s.preAuthTimer != nil {
		s.preAuthTimer.Stop()
	}
	s.closeDataChannel()
	if s.data.uploadFile != nil {
		s.data.uploadFile.Close()
	}
	if s.data.retr != nil && s.data.retr.file != nil {
		s.data.retr.file.Close()
	}
	s.conn.Close()
	s.logger().Debug("session closed", "remote_ip", s.clientIP, "user", s.username)
}

// upgradeControlToTLS performs the AUTH TLS handshake, replacing the
// session's byte stream with a TLS filter. Per §4.4, the plain reader must
// stop being read from before the filter's first read, since the filter's
// first read has to see the ClientHello.
func (s *Session) upgradeControlToTLS() error {
	tlsConn := tls.Server(s.conn, s.deps.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.conn = tlsConn
	s.reader = bufio.NewReaderSize(tlsConn, MaxCommandLine*2)
	s.writer = bufio.NewWriter(tlsConn)
	return nil
}
