package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"
)

// SystemCredentialStore authenticates against the OS user database via
// os/user and a salted-hash password check against a local shadow-style
// file. The top-level design treats the real credential database as an
// external system this core only ever calls through an interface; this
// implementation is the reference one used by the production worker
// binary and by integration tests that want a real (if minimal) check
// rather than a stub.
type SystemCredentialStore struct {
	// PasswordFile holds "user:salt:hash" lines, one per user. hash is
	// hex(sha256(salt + password)); salt is stored alongside it so a
	// fresh hash can be recomputed at login time rather than ever
	// comparing passwords directly. Production deployments are expected
	// to replace this with whatever the site's actual credential
	// backend is; nothing in the core depends on this particular
	// format.
	PasswordFile string
}

// Authenticate checks the password against PasswordFile, then looks the
// user up in the OS user database for UID/GID/home. "root" is never
// accepted, matching §4.8 regardless of what the password file contains.
func (c SystemCredentialStore) Authenticate(username, password string) (UserInfo, bool) {
	if strings.EqualFold(username, "root") {
		return UserInfo{}, false
	}

	if !c.checkPassword(username, password) {
		return UserInfo{}, false
	}

	u, err := user.Lookup(username)
	if err != nil {
		return UserInfo{}, false
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return UserInfo{}, false
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return UserInfo{}, false
	}

	return UserInfo{
		UID:     uint32(uid),
		GID:     uint32(gid),
		HomeDir: u.HomeDir,
	}, true
}

func (c SystemCredentialStore) checkPassword(username, password string) bool {
	if c.PasswordFile == "" {
		return false
	}
	data, err := os.ReadFile(c.PasswordFile)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] != username {
			continue
		}
		salt, storedHash := parts[1], parts[2]
		return constantTimeHashEqual(salt, password, storedHash)
	}
	return false
}

// constantTimeHashEqual recomputes hex(sha256(salt+password)) and compares
// it to storedHash in constant time, so a mismatching password never takes
// a measurably different amount of time than a matching one.
func constantTimeHashEqual(salt, password, storedHash string) bool {
	sum := sha256.Sum256([]byte(salt + password))
	computed := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// SystemJailer performs the real privilege drop described in §4.8:
// chroot to homeDir, chdir to "/", setgid, then setuid, in that order so
// the process never holds group privilege without the matching user
// privilege already queued behind it. Because these syscalls are
// process-wide, this must only ever run in a freshly re-exec'd worker
// process that serves exactly one session, never in a goroutine sharing
// an address space with other sessions.
type SystemJailer struct{}

func (SystemJailer) Enter(homeDir string, uid, gid uint32) error {
	if err := syscall.Chroot(homeDir); err != nil {
		return fmt.Errorf("chroot %s: %w", homeDir, err)
	}
	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("chdir after chroot: %w", err)
	}
	if err := syscall.Setgid(int(gid)); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(int(uid)); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}
