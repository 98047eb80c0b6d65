package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cftpd/cftpd/internal/parser"
)

// retrState is RETR's in-flight scratch: the file being streamed to the
// client. Kept as its own type (rather than a bare *os.File field) so
// teardown can tell "no RETR in progress" apart from "RETR of an already
// closed file" without a second bool.
type retrState struct {
	file *os.File
}

// data is the data-channel manager's state, §4.5. Only one mode, PASV or
// EPSV, is ever active; neither PORT nor EPRT exists in this server, so
// there is no "active mode" branch here at all.
type data struct {
	tlsRequired bool // set by PROT P, §4.4

	listener net.Listener // open between PASV/EPSV and the next data use
	conn     net.Conn     // the accepted data connection, once one arrives
	port     int          // the port reserved from the supervisor's arbiter

	uploadFile *os.File   // STOR's in-flight destination
	retr       *retrState // RETR's in-flight source
}

// closeDataChannel releases everything the data channel manager is
// currently holding: the accepted connection, the listening socket, and
// the passive port reservation itself (released back through IPC so the
// arbiter can hand it to another session). Safe to call repeatedly and
// on a channel that was never opened.
func (s *Session) closeDataChannel() {
	if s.data.conn != nil {
		s.data.conn.Close()
		s.data.conn = nil
	}
	if s.data.listener != nil {
		s.data.listener.Close()
		s.data.listener = nil
	}
	if s.data.port != 0 {
		if s.deps.IPC != nil {
			if err := s.deps.IPC.ReleasePassivePort(s.data.port); err != nil {
				s.logger().Warn("release passive port failed", "port", s.data.port, "error", err)
			}
		}
		s.data.port = 0
	}
}

// handleTYPE implements §4.3: only ASCII and Image are recognized, and
// per §9 OQ1 both are handled identically once a transfer starts.
func handleTYPE(s *Session, cmd parser.Command) {
	switch cmd.Arg(0) {
	case "A", "a":
		s.transferType = 'A'
		s.reply(200, "Switching to ASCII mode.")
	case "I", "i":
		s.transferType = 'I'
		s.reply(200, "Switching to Binary mode.")
	default:
		s.reply(504, "Type not implemented.")
	}
}

// handlePASV implements the legacy PASV reply format: the four address
// octets and two port bytes, comma-separated in parentheses, §4.5.
func handlePASV(s *Session, _ parser.Command) {
	ln, port, err := s.openPassiveListener()
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	_ = ln

	host := s.localIP4()
	p1, p2 := port>>8&0xff, port&0xff
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		host[0], host[1], host[2], host[3], p1, p2))
}

// handleEPSV implements the extended passive reply format, RFC 2428: only
// the port is disclosed, since the client is expected to reuse the
// control connection's peer address.
func handleEPSV(s *Session, _ parser.Command) {
	_, port, err := s.openPassiveListener()
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|).", port))
}

// openPassiveListener reserves a port from the supervisor's arbiter over
// IPC, then binds and listens on it locally. A previously open listener
// (a client that sent PASV twice) is torn down first.
func (s *Session) openPassiveListener() (net.Listener, int, error) {
	s.closeDataChannel()

	port, ok, err := s.deps.IPC.ReservePassivePort()
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("no passive ports available")
	}

	ln, err := net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		s.deps.IPC.ReleasePassivePort(port)
		return nil, 0, err
	}

	s.data.listener = ln
	s.data.port = port
	return ln, port, nil
}

// localIP4 returns the control connection's local address as four octets,
// falling back to 127,0,0,1 if it cannot be determined (e.g. in tests
// driven over net.Pipe, which has no real address).
func (s *Session) localIP4() [4]byte {
	var out [4]byte
	addr, ok := s.conn.LocalAddr().(*net.TCPAddr)
	if !ok || addr.IP.To4() == nil {
		out = [4]byte{127, 0, 0, 1}
		return out
	}
	ip4 := addr.IP.To4()
	copy(out[:], ip4)
	return out
}

// acceptDataConn blocks until a data connection arrives on the open
// passive listener, enforcing the accept timeout and the matching-peer
// check from §4.5: a connection from any address other than the control
// channel's peer is rejected and the wait continues, since nothing in
// the protocol prevents an unrelated host from racing to connect first.
func (s *Session) acceptDataConn() (net.Conn, error) {
	if s.data.listener == nil {
		return nil, fmt.Errorf("no passive listener open")
	}

	timeout := s.deps.DataAcceptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	peerHost, _, _ := net.SplitHostPort(s.conn.RemoteAddr().String())

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for data connection")
		}
		if tl, ok := s.data.listener.(*net.TCPListener); ok {
			tl.SetDeadline(deadline)
		}

		conn, err := s.data.listener.Accept()
		if err != nil {
			return nil, err
		}

		connHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if peerHost != "" && connHost != peerHost {
			conn.Close()
			continue
		}

		if s.data.tlsRequired && s.deps.TLSConfig != nil {
			tlsConn := tls.Server(conn, s.deps.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				tlsConn.Close()
				return nil, err
			}
			conn = tlsConn
		}

		s.data.conn = conn
		return conn, nil
	}
}

// handleABOR implements §4.3: closing the data channel is the entire
// effect, since no transfer here runs on a separate goroutine that would
// need cancelling out of band.
func handleABOR(s *Session, _ parser.Command) {
	s.closeDataChannel()
	s.reply(226, "No transfer in progress.")
}
