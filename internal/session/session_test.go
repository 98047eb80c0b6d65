package session

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cftpd/cftpd/internal/parser"
)

func cmdWithArgs(verb string, args ...string) parser.Command {
	return parser.Command{Verb: verb, Args: args}
}

// fakeIPC satisfies IPCClient without a real supervisor process, handing
// out real ephemeral ports so the data channel manager can actually bind.
type fakeIPC struct {
	users  map[uint32]string
	groups map[uint32]string
	held   map[int]bool
}

func (f *fakeIPC) LookupUser(uid uint32) (string, error) {
	if n, ok := f.users[uid]; ok {
		return n, nil
	}
	return "unknown", nil
}

func (f *fakeIPC) LookupGroup(gid uint32) (string, error) {
	if n, ok := f.groups[gid]; ok {
		return n, nil
	}
	return "unknown", nil
}

func (f *fakeIPC) ReservePassivePort() (int, bool, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return 0, false, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	if f.held == nil {
		f.held = map[int]bool{}
	}
	f.held[port] = true
	return port, true, nil
}

func (f *fakeIPC) ReleasePassivePort(port int) error {
	delete(f.held, port)
	return nil
}

type fakeCreds struct{ users map[string]string }

func (f fakeCreds) Authenticate(user, pass string) (UserInfo, bool) {
	if strings.EqualFold(user, "root") {
		return UserInfo{}, false
	}
	want, ok := f.users[user]
	if !ok || want != pass {
		return UserInfo{}, false
	}
	return UserInfo{UID: 1000, GID: 1000, HomeDir: "/"}, true
}

type noopJailer struct{}

func (noopJailer) Enter(string, uint32, uint32) error { return nil }

func newTestSession(t *testing.T, root string) (*Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	deps := Deps{
		IPC:                     &fakeIPC{},
		Jailer:                  noopJailer{},
		Credentials:             fakeCreds{users: map[string]string{"alice": "secret"}},
		ServerName:              "cftpd",
		RootDir:                 root,
		ConnectionAcceptTimeout: time.Minute,
		DataAcceptTimeout:       2 * time.Second,
	}
	s := New(serverConn, "127.0.0.1", deps)
	return s, clientConn
}

func TestDispatchRejectsCommandsBeforeLogin(t *testing.T) {
	s, _ := newTestSession(t, t.TempDir())
	s.state = StateUnauthenticated

	rw := &recordingWriter{}
	s.writer = bufio.NewWriter(rw)

	s.dispatch("PWD")

	if !strings.Contains(rw.String(), "530") {
		t.Errorf("expected 530 before login, got %q", rw.String())
	}
}

func TestDispatchUnknownVerb(t *testing.T) {
	s, _ := newTestSession(t, t.TempDir())
	s.state = StateUnauthenticated

	rw := &recordingWriter{}
	s.writer = bufio.NewWriter(rw)

	s.dispatch("BOGUS")

	if !strings.Contains(rw.String(), "502") {
		t.Errorf("expected 502 for unknown verb, got %q", rw.String())
	}
}

func TestUserRootAlwaysRejected(t *testing.T) {
	s, _ := newTestSession(t, t.TempDir())

	rw := &recordingWriter{}
	s.writer = bufio.NewWriter(rw)

	handleUSER(s, cmdWithArgs("USER", "root"))

	if !strings.Contains(rw.String(), "530") {
		t.Errorf("expected 530 for root user, got %q", rw.String())
	}
}

func TestLoginSucceedsAndSetsCwd(t *testing.T) {
	s, _ := newTestSession(t, t.TempDir())

	rw := &recordingWriter{}
	s.writer = bufio.NewWriter(rw)

	handleUSER(s, cmdWithArgs("USER", "alice"))
	handlePASS(s, cmdWithArgs("PASS", "secret"))

	if !s.authenticated {
		t.Fatal("expected session to be authenticated")
	}
	if s.cwd != "/" {
		t.Errorf("cwd = %q, want /", s.cwd)
	}
	if !strings.Contains(rw.String(), "230") {
		t.Errorf("expected 230 in reply stream, got %q", rw.String())
	}
}

func TestLoginFailsOnWrongPassword(t *testing.T) {
	s, _ := newTestSession(t, t.TempDir())

	rw := &recordingWriter{}
	s.writer = bufio.NewWriter(rw)
	handleUSER(s, cmdWithArgs("USER", "alice"))
	handlePASS(s, cmdWithArgs("PASS", "wrong"))

	if s.authenticated {
		t.Fatal("expected authentication to fail")
	}
	if !strings.Contains(rw.String(), "530") {
		t.Errorf("expected 530, got %q", rw.String())
	}
}

func TestCwdRejectsDotDot(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestSession(t, root)
	s.authenticated = true
	s.cwd = "/"

	rw := &recordingWriter{}
	s.writer = bufio.NewWriter(rw)

	handleCWD(s, cmdWithArgs("CWD", "../etc"))

	if !strings.Contains(rw.String(), "550") {
		t.Errorf("expected 550 for dot-dot path, got %q", rw.String())
	}
}

func TestCwdIntoExistingDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "uploads"), 0755); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestSession(t, root)
	s.authenticated = true
	s.cwd = "/"

	rw := &recordingWriter{}
	s.writer = bufio.NewWriter(rw)

	handleCWD(s, cmdWithArgs("CWD", "uploads"))

	if s.cwd != "/uploads" {
		t.Errorf("cwd = %q, want /uploads", s.cwd)
	}
	if !strings.Contains(rw.String(), "250") {
		t.Errorf("expected 250, got %q", rw.String())
	}
}

// recordingWriter is a minimal io.Writer capture used in place of the
// session's real socket-backed bufio.Writer, so reply() and friends can
// be exercised without a real connection to drain.
type recordingWriter struct {
	buf []byte
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

func (r *recordingWriter) String() string { return string(r.buf) }
