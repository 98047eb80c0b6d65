package session

import "github.com/cftpd/cftpd/internal/parser"

// handlerFunc is a command handler: it applies side effects to the
// session and emits one or more control replies. Handlers must not block
// on anything but the operation they exist to perform (file I/O, dialing
// a data connection) — the calling goroutine is this session's only
// goroutine, so a handler that blocks forever blocks the whole session,
// which is the same constraint §4.3 places on "the event loop".
type handlerFunc func(*Session, parser.Command)

type entry struct {
	// authed is non-nil if the verb is usable once authenticated.
	authed handlerFunc
	// unauthed is non-nil if the verb is usable before authentication.
	unauthed handlerFunc
}

// registry maps verb -> (authenticated handler, unauthenticated handler).
// Verbs valid in both states list the same handler (or equivalent ones)
// under both keys; §4.3's table drives which slot is filled:
//
//   - SYST, QUIT, AUTH, PBSZ, PROT, NOOP, FEAT: both states
//   - TYPE, EPSV, PASV, LIST, NLST, SIZE, RETR, STOR, MDTM, CWD, PWD,
//     ABOR, MKD, RMD, DELE: authed only (530 otherwise, via dispatch's
//     fallback when only `unauthed` is nil for a verb with `authed` set)
//   - USER, PASS: unauthed only (230 "Already logged in" otherwise)
var registry = map[string]entry{
	"SYST": {authed: handleSYST, unauthed: handleSYST},
	"QUIT": {authed: handleQUIT, unauthed: handleQUIT},
	"AUTH": {authed: handleAUTH, unauthed: handleAUTH},
	"PBSZ": {authed: handlePBSZ, unauthed: handlePBSZ},
	"PROT": {authed: handlePROT, unauthed: handlePROT},
	"NOOP": {authed: handleNOOP, unauthed: handleNOOP},
	"FEAT": {authed: handleFEAT, unauthed: handleFEAT},

	"USER": {unauthed: handleUSER},
	"PASS": {unauthed: handlePASS},

	"TYPE": {authed: handleTYPE},
	"EPSV": {authed: handleEPSV},
	"PASV": {authed: handlePASV},
	"LIST": {authed: handleLIST},
	"NLST": {authed: handleNLST},
	"SIZE": {authed: handleSIZE},
	"RETR": {authed: handleRETR},
	"STOR": {authed: handleSTOR},
	"MDTM": {authed: handleMDTM},
	"CWD":  {authed: handleCWD},
	"PWD":  {authed: handlePWD},
	"ABOR": {authed: handleABOR},
	"MKD":  {authed: handleMKD},
	"RMD":  {authed: handleRMD},
	"DELE": {authed: handleDELE},
}

func handleSYST(s *Session, _ parser.Command) {
	s.reply(215, "UNIX Type: L8")
}

func handleQUIT(s *Session, _ parser.Command) {
	s.queueControlWriteCB(func() {
		s.state = StateClosing
	})
	s.reply(221, "Goodbye.")
}

func handlePBSZ(s *Session, _ parser.Command) {
	s.reply(200, "PBSZ=0")
}

func handlePROT(s *Session, cmd parser.Command) {
	switch cmd.Arg(0) {
	case "P":
		s.data.tlsRequired = true
		s.reply(200, "PROT now Private")
	default:
		s.reply(502, "Unsupported PROT type.")
	}
}

func handleNOOP(s *Session, _ parser.Command) {
	s.reply(200, "NOOP ok.")
}

const featBlock = "211-Features:\r\n" +
	" EPSV\r\n" +
	" PASV\r\n" +
	" AUTH TLS\r\n" +
	" SIZE\r\n" +
	" MDTM\r\n" +
	" MLSD\r\n" +
	"211 End\r\n"

func handleFEAT(s *Session, _ parser.Command) {
	s.replyMultiline(featBlock)
}
