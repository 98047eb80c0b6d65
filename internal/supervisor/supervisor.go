// Package supervisor implements the always-privileged parent process:
// it owns the listening socket, the passive port arbiter, and one
// privileged IPC host per connected session. Per-connection work itself
// never runs here; each accepted connection is handed to a freshly
// re-exec'd worker process that drops privilege and runs the session
// state machine in internal/session.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/cftpd/cftpd/internal/config"
	"github.com/cftpd/cftpd/internal/ipc"
	"github.com/cftpd/cftpd/internal/portarbiter"
)

// WorkerFlag is the argv[1] the supervisor passes to a re-exec'd copy of
// itself so main() knows to run the worker branch instead of listening.
const WorkerFlag = "-worker"

// Supervisor owns the listening socket and the privileged resources no
// chrooted, unprivileged worker is allowed to touch directly.
type Supervisor struct {
	cfg      config.Config
	arbiter  *portarbiter.Arbiter
	logger   *slog.Logger
	inflight int64
}

// New builds a Supervisor from a loaded configuration.
func New(cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	arb, err := portarbiter.New(cfg.PassivePortStart, cfg.PassivePortEnd)
	if err != nil {
		return nil, fmt.Errorf("port arbiter: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, arbiter: arb, logger: logger}, nil
}

// Serve accepts connections on ln until ctx is cancelled, forking a
// worker process per connection. Each worker is reaped by its own
// spawnWorker goroutine calling cmd.Wait(); there is no separate SIGCHLD
// reaper, since a second waiter racing cmd.Wait() on the same pid would
// occasionally win the reap and leave cmd.Wait() returning ECHILD before
// spawnWorker has synchronized on that worker's exit and released its
// held port. Serve returns when ln.Accept starts failing because ln was
// closed (the expected shutdown path) or ctx is done.
func (sv *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}

		atomic.AddInt64(&sv.inflight, 1)
		go sv.spawnWorker(conn)
	}
}

// spawnWorker forks (via self re-exec, §1) a worker for one accepted
// connection. The supervisor keeps the IPC parent end and registers an
// ipc.Host on it so the worker can resolve UIDs/GIDs and passive ports
// through this process's retained privilege; it closes its copy of the
// client fd immediately, since only the child needs it.
func (sv *Supervisor) spawnWorker(conn net.Conn) {
	defer atomic.AddInt64(&sv.inflight, -1)

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		sv.logger.Error("accepted non-TCP connection, dropping")
		conn.Close()
		return
	}
	clientFile, err := tcpConn.File()
	if err != nil {
		sv.logger.Error("dup client fd failed", "error", err)
		conn.Close()
		return
	}
	defer clientFile.Close()
	conn.Close() // the dup'd fd keeps the socket alive for the child

	parentIPC, childIPC, err := socketpair()
	if err != nil {
		sv.logger.Error("ipc socketpair failed", "error", err)
		return
	}
	defer parentIPC.Close()

	deathR, deathW, err := os.Pipe()
	if err != nil {
		sv.logger.Error("death pipe failed", "error", err)
		childIPC.Close()
		return
	}
	defer deathR.Close()

	cmd := exec.Command(os.Args[0], WorkerFlag)
	cmd.ExtraFiles = []*os.File{clientFile, childIPC, deathR}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		sv.logger.Error("worker spawn failed", "error", err)
		childIPC.Close()
		deathW.Close()
		return
	}
	childIPC.Close()
	clientFile.Close()

	host := ipc.NewHost(fdConnWrap(parentIPC), sv, sv, sv.logger)
	sv.logger.Debug("worker started", "pid", cmd.Process.Pid)

	go func() {
		if err := host.Serve(); err != nil {
			sv.logger.Debug("ipc host ended", "pid", cmd.Process.Pid, "error", err)
		}
	}()

	if err := cmd.Wait(); err != nil {
		sv.logger.Debug("worker exited", "pid", cmd.Process.Pid, "error", err)
	}
	if h := host.HeldPort(); h != 0 {
		sv.arbiter.Release(h)
	}
	deathW.Close()
}

// LookupUser and LookupGroup satisfy ipc.IdentityResolver, resolving
// names in the supervisor's own (non-chrooted, still-privileged)
// process, which is the only place getpwuid/getgrgid have the full
// system's user database in view.
func (sv *Supervisor) LookupUser(uid uint32) (string, bool) {
	return lookupUserName(uid)
}

func (sv *Supervisor) LookupGroup(gid uint32) (string, bool) {
	return lookupGroupName(gid)
}

// ReserveLeftmostBindable and Release satisfy ipc.PortAllocator,
// delegating straight to the arbiter, §4.1.
func (sv *Supervisor) ReserveLeftmostBindable() int {
	return sv.arbiter.ReserveLeftmostBindable()
}

func (sv *Supervisor) Release(port int) {
	sv.arbiter.Release(port)
}

// Inflight reports the current number of live worker connections.
func (sv *Supervisor) Inflight() int64 {
	return atomic.LoadInt64(&sv.inflight)
}
