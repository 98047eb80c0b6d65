package session

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/cftpd/cftpd/internal/parser"
)

// handleLIST implements the directory listing engine, §4.7: an ls -l
// style rendering sent over the data connection. -a shows dotfiles and
// -h switches the size column to human-readable units (1.5K, 3.2M, …);
// -R is accepted and ignored (no recursive listing).
func handleLIST(s *Session, cmd parser.Command) {
	showAll, humanSize, target := parseListArgs(cmd)
	runListing(s, target, showAll, func(s *Session, e os.FileInfo) string {
		return renderLongEntry(s, e, humanSize)
	})
}

// handleNLST implements the bare name-only listing variant.
func handleNLST(s *Session, cmd parser.Command) {
	_, _, target := parseListArgs(cmd)
	runListing(s, target, true, func(s *Session, e os.FileInfo) string {
		return e.Name()
	})
}

func parseListArgs(cmd parser.Command) (showAll, humanSize bool, target string) {
	for i := 0; i < len(cmd.Args); i++ {
		a := cmd.Arg(i)
		if strings.HasPrefix(a, "-") {
			if strings.ContainsRune(a, 'a') {
				showAll = true
			}
			if strings.ContainsRune(a, 'h') {
				humanSize = true
			}
			continue
		}
		target = a
	}
	return showAll, humanSize, target
}

func runListing(s *Session, target string, showAll bool, render func(*Session, os.FileInfo) string) {
	s.reply(150, "Here comes the directory listing.")

	conn, err := s.acceptDataConn()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer s.closeDataChannel()

	dirPath, ok := s.resolvePath(target)
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}

	entries, err := os.ReadDir(s.jailPath(dirPath))
	if err != nil {
		s.reply(550, "Failed to list directory.")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if !showAll && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(conn, "%s\r\n", render(s, info))
	}

	s.reply(226, "Directory send OK.")
}

// renderLongEntry formats one entry in the ls -l style §4.7 specifies,
// resolving owner/group names through the IPC client rather than the
// local passwd database, since the worker has already chrooted away from
// it by the time a listing is requested. humanSize selects between a
// right-aligned decimal byte count and a human-readable unit (1.5K, 3.2M).
func renderLongEntry(s *Session, info os.FileInfo, humanSize bool) string {
	mode := info.Mode()
	owner, group := "ftp", "ftp"

	if sys, ok := info.Sys().(*syscall.Stat_t); ok && s.deps.IPC != nil {
		if n, err := s.deps.IPC.LookupUser(sys.Uid); err == nil {
			owner = n
		}
		if n, err := s.deps.IPC.LookupGroup(sys.Gid); err == nil {
			group = n
		}
	}

	return fmt.Sprintf("%s %3d %-8s %-8s %8s %s %s",
		mode.String(), 1, owner, group, formatSize(info.Size(), humanSize),
		info.ModTime().Format("Jan _2 15:04"), info.Name())
}

// formatSize renders n as a plain decimal byte count, or in human-readable
// units (K/M/G/T, one decimal place) when human is true. Values under 1024
// are always rendered as a bare decimal regardless of human, matching ls -h.
func formatSize(n int64, human bool) string {
	if !human || n < 1024 {
		return fmt.Sprintf("%d", n)
	}
	const unit = 1024.0
	size := float64(n)
	units := []string{"K", "M", "G", "T"}
	i := -1
	for size >= unit && i < len(units)-1 {
		size /= unit
		i++
	}
	return fmt.Sprintf("%.1f%s", size, units[i])
}

func handleSIZE(s *Session, cmd parser.Command) {
	target, ok := s.resolvePath(cmd.Arg(0))
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}
	info, err := os.Stat(s.jailPath(target))
	if err != nil || info.IsDir() {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
}

func handleMDTM(s *Session, cmd parser.Command) {
	target, ok := s.resolvePath(cmd.Arg(0))
	if !ok {
		s.reply(550, "Invalid path.")
		return
	}
	info, err := os.Stat(s.jailPath(target))
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}
