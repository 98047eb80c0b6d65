package session

import (
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/cftpd/cftpd/internal/parser"
	"github.com/cftpd/cftpd/internal/ratelimit"
)

// transferBufSize is the chunk size the RETR/STOR pipelines copy in. It
// also doubles as the backpressure watermark: a single in-flight chunk
// never exceeds it, so a slow peer never lets more than one buffer's
// worth of file data accumulate before the next Read/Write blocks.
const transferBufSize = 64 * 1024

// handleRETR streams a file to the client over the data connection.
// Plain and TLS-wrapped data connections are both ordinary io.Writers, so
// there is no separate "fast path" here the way a sendfile(2)-based
// implementation would need: io.CopyBuffer already drives a bounded
// read/write loop that applies backpressure for free, since Write blocks
// until the peer (or the TLS record layer) accepts the chunk.
func handleRETR(s *Session, cmd parser.Command) {
	target, ok := s.resolvePath(cmd.Arg(0))
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}

	f, err := os.Open(s.jailPath(target))
	if err != nil {
		s.reply(550, "Failed to open file.")
		return
	}
	s.data.retr = &retrState{file: f}
	defer func() {
		f.Close()
		s.data.retr = nil
	}()

	s.reply(150, "Opening data connection for "+target+".")

	conn, err := s.acceptDataConn()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer s.closeDataChannel()

	dst := ratelimit.NewWriter(conn, s.deps.TransferLimiter)
	buf := make([]byte, transferBufSize)
	if _, err := io.CopyBuffer(dst, f, buf); err != nil {
		s.logger().Warn("retr failed", "path", target, "error", err)
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}

	s.reply(226, "Transfer complete.")
}

// handleSTOR streams a file from the client into the chroot. A partial
// upload (the data connection dies mid-transfer) leaves whatever bytes
// were written on disk, matching the behavior of a plain copy loop with
// no transactional rename-on-completion step.
func handleSTOR(s *Session, cmd parser.Command) {
	target, ok := s.resolvePath(cmd.Arg(0))
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}

	f, err := os.OpenFile(s.jailPath(target), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		s.reply(550, "Failed to create file.")
		return
	}
	s.data.uploadFile = f
	defer func() {
		f.Close()
		s.data.uploadFile = nil
	}()

	s.reply(150, "Ok to send data.")

	conn, err := s.acceptDataConn()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer s.closeDataChannel()

	src := ratelimit.NewReader(conn, s.deps.TransferLimiter)
	buf := make([]byte, transferBufSize)
	if _, err := io.CopyBuffer(f, src, buf); err != nil {
		s.logger().Warn("stor failed", "path", target, "error", err)
		if errors.Is(err, syscall.ENOSPC) {
			s.reply(452, "Insufficient storage space.")
			return
		}
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}

	s.reply(226, "Transfer complete.")
}
