package ipc

import (
	"io"
	"log/slog"
	"net"
)

// PortAllocator is the subset of portarbiter.Arbiter the IPC host needs.
// Defined here (rather than importing portarbiter) to keep this package
// free of a dependency on the supervisor's port accounting details.
type PortAllocator interface {
	ReserveLeftmostBindable() int
	Release(port int)
}

// IdentityResolver is the subset of the OS user/group database the IPC
// host needs; kept as an interface so tests can stub it without touching
// /etc/passwd.
type IdentityResolver interface {
	LookupUser(uid uint32) (name string, ok bool)
	LookupGroup(gid uint32) (name string, ok bool)
}

// Host runs on the supervisor side of one worker's IPC connection,
// answering UID/GID/PASV/RELEASE requests until the connection is closed
// (normally because the worker exited).
type Host struct {
	conn     net.Conn
	identity IdentityResolver
	ports    PortAllocator
	logger   *slog.Logger

	// heldPort is the port (if any) this worker currently has reserved,
	// so Serve's caller can release it as a safety net if the worker dies
	// without an explicit RELEASE.
	heldPort int
}

// NewHost constructs a Host bound to one worker's supervisor-side fd.
func NewHost(conn net.Conn, identity IdentityResolver, ports PortAllocator, logger *slog.Logger) *Host {
	return &Host{conn: conn, identity: identity, ports: ports, logger: logger}
}

// HeldPort reports the port currently attributed to this worker, or 0.
func (h *Host) HeldPort() int { return h.heldPort }

// Serve answers requests until EOF or a protocol error. It never returns
// an error for a clean EOF (that's the expected way a worker session
// ends); it returns non-nil only for unexpected I/O failures.
func (h *Host) Serve() error {
	scanner := NewNulScanner(h.conn)
	for {
		line, err := readNulTerminated(scanner)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		req, err := ParseRequest(line)
		if err != nil {
			h.logger.Warn("ipc malformed request", "error", err, "line", line)
			continue
		}

		resp := h.handle(req)
		if err := writeNulTerminated(h.conn, resp.StringFor(req.Kind)); err != nil {
			return err
		}
	}
}

func (h *Host) handle(req Request) Response {
	switch req.Kind {
	case KindUID:
		name, ok := h.identity.LookupUser(req.UID)
		if !ok {
			return Response{Name: ""}
		}
		return Response{Name: name}
	case KindGID:
		name, ok := h.identity.LookupGroup(req.GID)
		if !ok {
			return Response{Name: ""}
		}
		return Response{Name: name}
	case KindPASV:
		port := h.ports.ReserveLeftmostBindable()
		if port < 0 {
			return Response{OK: false}
		}
		h.heldPort = port
		return Response{OK: true, Port: port}
	case KindRelease:
		h.ports.Release(req.Port)
		if h.heldPort == req.Port {
			h.heldPort = 0
		}
		return Response{OK: true}
	default:
		return Response{}
	}
}
