package session

import (
	"strings"

	"github.com/cftpd/cftpd/internal/parser"
)

// handleUSER implements §4.8: the literal "root" is always rejected before
// any credential lookup, matching the auth handler's contract.
func handleUSER(s *Session, cmd parser.Command) {
	name := cmd.Arg(0)
	if strings.EqualFold(name, "root") {
		s.reply(530, "User not found.")
		s.queueControlWriteCB(func() { s.state = StateClosing })
		return
	}
	s.username = name
	s.reply(331, "User name okay, need password.")
}

// handlePASS verifies the password via the injected CredentialStore, then
// performs the privilege drop (chroot -> chdir / -> setgid -> setuid) in
// that order, exactly as §4.8 specifies. Any failure anywhere in the
// sequence replies 530 and schedules the connection closed after the
// reply drains; passwords and usernames never cross the IPC boundary —
// the jail happens entirely inside this worker process.
func handlePASS(s *Session, cmd parser.Command) {
	if s.username == "" {
		s.reply(530, "Login with USER first.")
		return
	}

	info, ok := s.deps.Credentials.Authenticate(s.username, cmd.Arg(0))
	if !ok {
		s.logger().Warn("authentication_failed", "user", s.username, "remote_ip", s.clientIP)
		s.reply(530, "Login incorrect.")
		s.queueControlWriteCB(func() { s.state = StateClosing })
		return
	}

	if s.deps.Jailer != nil {
		if err := s.deps.Jailer.Enter(info.HomeDir, info.UID, info.GID); err != nil {
			s.logger().Error("jail failed", "user", s.username, "error", err)
			s.reply(530, "Login incorrect.")
			s.queueControlWriteCB(func() { s.state = StateClosing })
			return
		}
	}

	s.uid = info.UID
	s.gid = info.GID
	s.homeDir = info.HomeDir
	s.cwd = "/"
	s.authenticated = true
	if s.preAuthTimer != nil {
		s.preAuthTimer.Stop()
	}

	s.logger().Info("authentication_success", "user", s.username, "remote_ip", s.clientIP)
	s.reply(230, "User logged in, proceed.")
}
