package session

import (
	"os"
	"path"
	"strings"

	"github.com/cftpd/cftpd/internal/parser"
)

// resolvePath joins the session's current directory with an argument
// path into an absolute, chroot-relative path. Normalization is
// substring-only: it rejects any argument containing ".." rather than
// resolving it, since resolving dot-dot segments correctly requires
// knowing the chroot boundary is always "/" (which it is here, but
// nothing downstream should have to assume that to stay safe).
func (s *Session) resolvePath(arg string) (string, bool) {
	if strings.Contains(arg, "..") {
		return "", false
	}
	if arg == "" {
		return s.cwd, true
	}
	if path.IsAbs(arg) {
		return path.Clean(arg), true
	}
	return path.Clean(path.Join(s.cwd, arg)), true
}

func handleCWD(s *Session, cmd parser.Command) {
	target, ok := s.resolvePath(cmd.Arg(0))
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}

	info, err := os.Stat(s.jailPath(target))
	if err != nil || !info.IsDir() {
		s.reply(550, "Failed to change directory.")
		return
	}

	s.cwd = target
	s.reply(250, "Directory successfully changed.")
}

func handlePWD(s *Session, _ parser.Command) {
	s.reply(257, "\""+s.cwd+"\" is current directory")
}

func handleMKD(s *Session, cmd parser.Command) {
	target, ok := s.resolvePath(cmd.Arg(0))
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}
	if err := os.Mkdir(s.jailPath(target), 0755); err != nil {
		s.reply(550, "Create directory operation failed.")
		return
	}
	s.reply(257, "\""+target+"\" created")
}

func handleRMD(s *Session, cmd parser.Command) {
	target, ok := s.resolvePath(cmd.Arg(0))
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}
	if err := os.Remove(s.jailPath(target)); err != nil {
		s.reply(550, "Remove directory operation failed.")
		return
	}
	s.reply(250, "Remove directory operation successful.")
}

// handleDELE implements DELE, including its -r/-f flags: -f ("force")
// converts a missing-or-failing target into a 250 rather than a 550,
// and -r permits the target to be a directory, removed recursively.
func handleDELE(s *Session, cmd parser.Command) {
	force, recursive, name := parseDeleArgs(cmd)

	target, ok := s.resolvePath(name)
	if !ok {
		if force {
			s.reply(250, "Force delete.")
			return
		}
		s.reply(550, "Invalid path.")
		return
	}

	info, statErr := os.Stat(s.jailPath(target))
	if statErr != nil {
		if force {
			s.reply(250, "Force delete.")
			return
		}
		s.reply(550, "Delete operation failed.")
		return
	}

	var err error
	switch {
	case info.IsDir() && recursive:
		err = os.RemoveAll(s.jailPath(target))
	case info.IsDir():
		err = os.Remove(s.jailPath(target)) // fails for a non-empty dir without -r
	default:
		err = os.Remove(s.jailPath(target))
	}

	if err != nil {
		if force {
			s.reply(250, "Force delete.")
			return
		}
		s.reply(550, "Delete operation failed.")
		return
	}
	s.reply(250, "Delete operation successful.")
}

func parseDeleArgs(cmd parser.Command) (force, recursive bool, name string) {
	for i := 0; i < len(cmd.Args); i++ {
		a := cmd.Arg(i)
		if strings.HasPrefix(a, "-") {
			if strings.ContainsRune(a, 'f') {
				force = true
			}
			if strings.ContainsRune(a, 'r') {
				recursive = true
			}
			continue
		}
		name = a
	}
	return force, recursive, name
}

// jailPath maps a chroot-relative path to a real filesystem path. Once
// the worker has actually chrooted (the production Jailer), the two are
// the same path; this indirection exists so tests can run a session
// against a plain temp directory without any real chroot ever happening.
func (s *Session) jailPath(chrootRelative string) string {
	if s.deps.RootDir == "" {
		return chrootRelative
	}
	return path.Join(s.deps.RootDir, chrootRelative)
}
