package supervisor

import (
	"net"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// socketpair creates an AF_UNIX/SOCK_STREAM pair, one end for the
// supervisor to keep and one to pass to the worker via ExtraFiles, per
// §4.9's transport description.
func socketpair() (parent, child *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	parent = os.NewFile(uintptr(fds[0]), "ipc-parent")
	child = os.NewFile(uintptr(fds[1]), "ipc-child")
	return parent, child, nil
}

// fdConnWrap adapts the supervisor's *os.File IPC end to a net.Conn, since
// ipc.Host is written against net.Conn so it can also be exercised in
// tests over net.Pipe.
func fdConnWrap(f *os.File) net.Conn {
	conn, err := net.FileConn(f)
	if err != nil {
		// A raw AF_UNIX socketpair fd always yields a *net.UnixConn here;
		// FileConn only fails on an invalid fd, which would mean the
		// socketpair call itself was broken.
		panic(err)
	}
	return conn
}

// lookupUserName resolves a UID to a username using the supervisor
// process's own (unchrooted) view of the system user database.
func lookupUserName(uid uint32) (string, bool) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", false
	}
	return u.Username, true
}

// lookupGroupName resolves a GID to a group name the same way.
func lookupGroupName(gid uint32) (string, bool) {
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return "", false
	}
	return g.Name, true
}
