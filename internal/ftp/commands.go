package ftp

import (
	"context"
	"errors"
	"net"
	"path"
	"strings"

	"github.com/docdrop/ftpbridge/internal/ingest"
	"github.com/docdrop/ftpbridge/pkg/utils"
)

// dispatch routes one command to its handler. Unknown verbs get a
// syntax-error reply and leave the session state untouched.
func (s *Session) dispatch(verb, arg string) {
	s.log.Debug().Str("verb", verb).Str("arg", arg).Str("state", s.state.String()).Msg("command")

	switch verb {
	case "USER":
		s.handleUSER(arg)
	case "PASS":
		s.handlePASS(arg)
	case "QUIT":
		s.reply(StatusClosing, "Goodbye")
		s.state = stateClosing
	case "SYST":
		s.reply(StatusName, "UNIX Type: L8")
	case "FEAT":
		s.replyMulti(StatusSystem, "Features:", []string{"EPRT", "EPSV", "UTF8"}, "End")
	case "NOOP":
		s.reply(StatusOK, "NOOP ok")
	case "AUTH":
		s.reply(StatusNotImplemented, "AUTH not supported, use implicit TLS")
	default:
		s.dispatchAuthenticated(verb, arg)
	}
}

// authVerbs are the commands that require a login
var authVerbs = map[string]bool{
	"TYPE": true, "MODE": true, "STRU": true, "PWD": true, "CWD": true,
	"CDUP": true, "PASV": true, "EPSV": true, "PORT": true, "EPRT": true,
	"LIST": true, "NLST": true, "STOR": true, "ABOR": true,
}

// dispatchAuthenticated covers every verb that requires a login
func (s *Session) dispatchAuthenticated(verb, arg string) {
	if !authVerbs[verb] {
		s.reply(StatusSyntaxError, "Unknown command %s", verb)
		return
	}
	if s.state == stateUnauthenticated {
		s.reply(StatusNotLoggedIn, "Not logged in")
		return
	}

	switch verb {
	case "TYPE":
		s.handleTYPE(arg)
	case "MODE":
		s.handleSingleOption(arg, "S", "Mode set to S")
	case "STRU":
		s.handleSingleOption(arg, "F", "Structure set to F")
	case "PWD":
		s.reply(StatusPathCreated, "%q is the current directory", s.cwd)
	case "CWD":
		s.handleCWD(arg)
	case "CDUP":
		s.handleCWD("..")
	case "PASV":
		s.handlePASV(false)
	case "EPSV":
		s.handleEPSV(arg)
	case "PORT":
		s.handlePORT(arg)
	case "EPRT":
		s.handleEPRT(arg)
	case "LIST", "NLST":
		s.handleLIST()
	case "STOR":
		s.handleSTOR(arg)
	case "ABOR":
		s.releaseDataChannel()
		s.reply(StatusTransferDone, "No transfer in progress")
	}
}

func (s *Session) handleUSER(arg string) {
	if s.state != stateUnauthenticated {
		s.reply(StatusBadSequence, "Already logged in")
		return
	}
	if arg == "" {
		s.reply(StatusSyntaxErrorArgs, "USER requires a username")
		return
	}
	s.username = arg
	s.reply(StatusNeedPassword, "Password required for %s", arg)
}

func (s *Session) handlePASS(arg string) {
	if s.state != stateUnauthenticated {
		s.reply(StatusBadSequence, "Already logged in")
		return
	}
	if s.username == "" {
		s.reply(StatusBadSequence, "Send USER first")
		return
	}

	if err := s.srv.auth.Authenticate(s.username, arg); err != nil {
		s.authFailures++
		s.log.Warn().Str("username", s.username).Int("failures", s.authFailures).Msg("authentication failed")
		if s.authFailures >= s.srv.cfg.AuthFailureLimit {
			s.reply(StatusServiceUnavailable, "Too many failed login attempts, closing connection")
			s.state = stateClosing
			return
		}
		s.reply(StatusNotLoggedIn, "Login incorrect")
		return
	}

	s.state = stateIdle
	s.log.Info().Str("username", s.username).Msg("authenticated")
	s.reply(StatusLoggedIn, "Login successful")
}

func (s *Session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "A", "I", "A N", "L 8":
		s.reply(StatusOK, "Type set to %s", strings.ToUpper(arg))
	default:
		s.reply(StatusNotImplementedParm, "Unsupported type %s", arg)
	}
}

func (s *Session) handleSingleOption(arg, accepted, okText string) {
	if strings.ToUpper(arg) == accepted {
		s.reply(StatusOK, okText)
		return
	}
	s.reply(StatusNotImplementedParm, "Only %s is supported", accepted)
}

// handleCWD tracks a virtual working directory. The bridge has no
// browsable tree; any path "exists" so clients that insist on changing
// directories before uploading still work.
func (s *Session) handleCWD(arg string) {
	if arg == "" {
		s.reply(StatusSyntaxErrorArgs, "CWD requires a path")
		return
	}
	next := arg
	if !path.IsAbs(next) {
		next = path.Join(s.cwd, next)
	}
	s.cwd = path.Clean(next)
	s.reply(StatusFileOK, "Directory changed to %s", s.cwd)
}

// handlePASV allocates a passive port and advertises it. A prior
// pending channel is released first so only the latest one is live.
func (s *Session) handlePASV(extended bool) {
	s.releaseDataChannel()

	ch, err := s.srv.channels.PreparePassive()
	if err != nil {
		if errors.Is(err, ErrPortPoolExhausted) {
			s.log.Warn().Msg("passive port pool exhausted")
			s.reply(StatusCannotOpenDataConn, "No free passive port, try again later")
			return
		}
		s.log.Error().Err(err).Msg("failed to prepare passive channel")
		s.reply(StatusCannotOpenDataConn, "Cannot open data connection")
		return
	}

	// EPSV replies carry only the port, so the advertise address is
	// needed for plain PASV alone.
	if extended {
		s.dataCh = ch
		s.state = stateModePending
		s.reply(StatusEnteringEPSV, "Entering Extended Passive Mode (|||%d|)", ch.Port())
		return
	}

	ip, err := s.srv.channels.AdvertiseIP(s.conn.LocalAddr())
	if err != nil {
		ch.Release()
		s.log.Error().Err(err).Msg("cannot determine advertise address")
		s.reply(StatusCannotOpenDataConn, "Cannot determine passive address")
		return
	}

	hostPort, err := formatPASVAddr(ip, ch.Port())
	if err != nil {
		ch.Release()
		s.log.Error().Err(err).Msg("cannot format PASV reply")
		s.reply(StatusCannotOpenDataConn, "Passive mode unavailable on this address, try EPSV")
		return
	}
	s.dataCh = ch
	s.state = stateModePending
	s.reply(StatusEnteringPASV, "Entering Passive Mode (%s)", hostPort)
}

func (s *Session) handleEPSV(arg string) {
	if strings.EqualFold(arg, "ALL") {
		s.reply(StatusOK, "EPSV ALL ok")
		return
	}
	s.handlePASV(true)
}

func (s *Session) handlePORT(arg string) {
	target, err := parsePORTAddr(arg)
	if err != nil {
		s.reply(StatusSyntaxErrorArgs, "Invalid PORT argument")
		return
	}
	s.prepareActive(target)
}

func (s *Session) handleEPRT(arg string) {
	target, err := parseEPRTAddr(arg)
	if err != nil {
		s.reply(StatusSyntaxErrorArgs, "Invalid EPRT argument")
		return
	}
	s.prepareActive(target)
}

func (s *Session) prepareActive(target *net.TCPAddr) {
	s.releaseDataChannel()

	peerIP := net.IP{}
	if tcpAddr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		peerIP = tcpAddr.IP
	}

	ch, err := s.srv.channels.PrepareActive(target, peerIP)
	if err != nil {
		s.log.Warn().Err(err).Str("target", target.String()).Msg("active mode target rejected")
		s.reply(StatusSyntaxErrorArgs, "Data connection target not permitted")
		return
	}

	s.dataCh = ch
	s.state = stateModePending
	s.reply(StatusOK, "PORT command successful")
}

// handleLIST serves an empty listing. The bridge is upload-only but
// many clients LIST before storing, so the command must succeed.
func (s *Session) handleLIST() {
	if s.dataCh == nil {
		s.reply(StatusCannotOpenDataConn, "Use PASV or PORT first")
		return
	}
	ch := s.dataCh
	defer s.releaseDataChannel()

	s.reply(StatusTransferStarting, "Here comes the directory listing")

	openCtx, cancel := context.WithTimeout(s.ctx, s.srv.cfg.TransferTimeout)
	defer cancel()
	conn, err := ch.Open(openCtx)
	if err != nil {
		s.reply(StatusTransferAborted, "Data connection failed")
		return
	}
	conn.Close()
	s.reply(StatusTransferDone, "Directory send OK")
}

// handleSTOR receives one upload and hands it to the ingestion bridge.
// The success reply is held until the bridge reports delivery; a client
// must never be told 226 for a file that was not durably handed off.
func (s *Session) handleSTOR(arg string) {
	if arg == "" {
		s.reply(StatusSyntaxErrorArgs, "STOR requires a file name")
		return
	}
	name := utils.SanitizeFileName(arg)
	if name == "" {
		s.reply(StatusSyntaxErrorArgs, "Invalid file name")
		return
	}
	if s.dataCh == nil {
		s.reply(StatusBadSequence, "Use PASV or PORT before STOR")
		return
	}

	ch := s.dataCh
	s.dataCh = nil
	s.state = stateTransferring
	defer func() {
		ch.Release()
		if s.state == stateTransferring {
			s.state = stateIdle
		}
	}()

	up, err := s.srv.staging.Create(name)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create staging upload")
		s.reply(StatusLocalError, "Local error, cannot stage upload")
		return
	}

	s.reply(StatusTransferStarting, "Ok to send data")

	meta := ingest.Meta{
		SessionID:  s.id,
		RemoteAddr: s.conn.RemoteAddr().String(),
	}

	co := &Coordinator{
		MaxBytes:    s.srv.cfg.MaxUploadBytes,
		IdleTimeout: s.srv.cfg.TransferTimeout,
	}
	if err := co.Run(s.ctx, ch, up); err != nil {
		s.log.Warn().Err(err).Str("name", name).Msg("transfer failed")
		s.srv.ingestor.RecordTransferFailure(context.WithoutCancel(s.ctx), up, meta, err)
		switch {
		case errors.Is(err, ErrTransferTooLarge):
			s.reply(StatusExceededAllocation, "File exceeds the upload size limit")
		case errors.Is(err, ErrTransferTimeout):
			s.reply(StatusTransferAborted, "Transfer timed out")
		default:
			s.reply(StatusTransferAborted, "Connection closed, transfer aborted")
		}
		return
	}

	// The hand-off deliberately outlives the session: if the client
	// drops before the reply, delivery still completes and the result
	// is discarded.
	res := s.srv.ingestor.Submit(context.WithoutCancel(s.ctx), up, meta)
	switch {
	case res.Delivered:
		s.reply(StatusTransferDone, "Transfer complete")
	case res.Transient:
		s.reply(StatusLocalError, "Ingestion temporarily unavailable, try again later")
	default:
		s.reply(StatusActionNotTaken, "Ingestion rejected the file")
	}
}
