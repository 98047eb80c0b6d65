package session

import "github.com/cftpd/cftpd/internal/parser"

// handleAUTH implements §4.4's TLS upgrade: reply 234, then hand the
// control socket to a TLS server handshake. The plain reader/writer are
// swapped out for TLS-backed ones only after the reply has flushed, so no
// bytes from the plain stream are consumed once the filter is installed.
func handleAUTH(s *Session, cmd parser.Command) {
	if s.deps.TLSConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if cmd.Arg(0) != "TLS" {
		s.reply(502, "Only AUTH TLS is supported.")
		return
	}

	s.reply(234, "AUTH TLS Success")

	if err := s.upgradeControlToTLS(); err != nil {
		s.logger().Warn("control tls handshake failed", "error", err, "remote_ip", s.clientIP)
		s.state = StateClosing
		return
	}
}
