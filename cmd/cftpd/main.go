// Command cftpd is the cftp_server entry point. Invoked normally it is
// the supervisor: it binds the control port, loads configuration and
// TLS material, and re-execs itself as a worker (argv[1] == "-worker")
// once per accepted connection, handing the new process the client
// socket, its IPC end, and a parent-death pipe over fd 3/4/5.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cftpd/cftpd/internal/config"
	"github.com/cftpd/cftpd/internal/ipc"
	"github.com/cftpd/cftpd/internal/ratelimit"
	"github.com/cftpd/cftpd/internal/session"
	"github.com/cftpd/cftpd/internal/supervisor"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == supervisor.WorkerFlag {
		runWorker(logger)
		return
	}
	runSupervisor(logger)
}

func runSupervisor(logger *slog.Logger) {
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if _, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLKeyFile); err != nil {
		logger.Error("tls certificate load failed", "error", err)
		os.Exit(1)
	}

	sv, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Error("supervisor init failed", "error", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logger.Error("listen failed", "port", cfg.Port, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("cftpd supervisor started", "port", cfg.Port)
	if err := sv.Serve(ctx, ln); err != nil {
		logger.Error("supervisor serve error", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// workerFDClient is fd 3, the accepted client connection inherited from
// the supervisor.
const (
	workerFDClient = 3
	workerFDIPC    = 4
	workerFDDeath  = 5
)

func runWorker(logger *slog.Logger) {
	clientFile := os.NewFile(workerFDClient, "client")
	clientConn, err := net.FileConn(clientFile)
	if err != nil {
		logger.Error("worker: client fd invalid", "error", err)
		os.Exit(1)
	}
	clientFile.Close()

	ipcFile := os.NewFile(workerFDIPC, "ipc")
	ipcConn, err := net.FileConn(ipcFile)
	if err != nil {
		logger.Error("worker: ipc fd invalid", "error", err)
		os.Exit(1)
	}
	ipcFile.Close()

	deathFile := os.NewFile(workerFDDeath, "death")

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		logger.Error("worker: config load failed", "error", err)
		os.Exit(1)
	}

	var tlsConfig *tls.Config
	if cert, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLKeyFile); err == nil {
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	go watchParentDeath(deathFile, clientConn, logger)

	remoteIP := "unknown"
	if addr, ok := clientConn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = addr.IP.String()
	}

	ipcClient := ipc.NewClient(ipcConn)
	deps := session.Deps{
		IPC:                     ipcClient,
		Jailer:                  session.SystemJailer{},
		Credentials:             session.SystemCredentialStore{PasswordFile: "/etc/cftpd.passwd"},
		Logger:                  logger,
		ServerName:              cfg.ServerName,
		TLSConfig:               tlsConfig,
		ConnectionAcceptTimeout: time.Duration(cfg.ConnectionAcceptTimeoutSec) * time.Second,
		DataAcceptTimeout:       time.Duration(cfg.DataConnectionAcceptTimeout) * time.Second,
		TransferLimiter:         transferLimiterFromEnv(),
	}

	s := session.New(clientConn, remoteIP, deps)
	s.Run()
	ipcClient.Close()
	os.Exit(0)
}

// watchParentDeath implements the parent-death watchdog, §4.9: a read
// returning (any result including EOF) off this pipe means the
// supervisor is gone, so the worker can no longer trust its privileged
// collaborator: it closes its client connection and exits with status 1
// immediately.
func watchParentDeath(deathFile *os.File, clientConn net.Conn, logger *slog.Logger) {
	buf := make([]byte, 1)
	deathFile.Read(buf)
	logger.Warn("parent death detected, closing session")
	clientConn.Close()
	os.Exit(1)
}

// transferLimiterFromEnv is a minimal hook for bandwidth throttling;
// nil (no limiter) unless CFTPD_MAX_BYTES_PER_SEC is set, since the
// configuration file format, §6, does not define a throttling directive.
func transferLimiterFromEnv() *ratelimit.Limiter {
	v := os.Getenv("CFTPD_MAX_BYTES_PER_SEC")
	if v == "" {
		return nil
	}
	var bps int64
	if _, err := fmt.Sscanf(v, "%d", &bps); err != nil || bps <= 0 {
		return nil
	}
	return ratelimit.New(bps)
}
