package session

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cftpd/cftpd/internal/ftptestclient"
)

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func startSessionWithTLS(t *testing.T, root string, tlsConf *tls.Config) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	deps := Deps{
		IPC:                     &fakeIPC{},
		Jailer:                  noopJailer{},
		Credentials:             fakeCreds{users: map[string]string{"alice": "s3cret"}},
		ServerName:              "cftpd",
		RootDir:                 root,
		TLSConfig:               tlsConf,
		ConnectionAcceptTimeout: time.Minute,
		DataAcceptTimeout:       2 * time.Second,
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s := New(conn, "127.0.0.1", deps)
		s.Run()
	}()

	return ln.Addr().String()
}

// TestIntegrationAuthTLSUpgradeThenLoginAndTransfer exercises end-to-end
// scenario 4: AUTH TLS, login over the upgraded channel, PBSZ/PROT P,
// then a PASV+RETR whose data channel is itself TLS-wrapped because
// PROT P was negotiated.
func TestIntegrationAuthTLSUpgradeThenLoginAndTransfer(t *testing.T) {
	root := t.TempDir()
	const content = "secret over tls"
	writeFile(t, root, "secret.txt", content)

	tlsConf := selfSignedTLSConfig(t)
	addr := startSessionWithTLS(t, root, tlsConf)

	c, _, err := ftptestclient.Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.AuthTLS(&tls.Config{InsecureSkipVerify: true}); err != nil {
		t.Fatalf("AUTH TLS: %v", err)
	}
	if err := c.Login("alice", "s3cret"); err != nil {
		t.Fatalf("login over tls: %v", err)
	}
	if err := c.PBSZ(); err != nil {
		t.Fatalf("PBSZ: %v", err)
	}
	if err := c.ProtPrivate(); err != nil {
		t.Fatalf("PROT P: %v", err)
	}

	got, err := c.Retrieve("secret.txt")
	if err != nil {
		t.Fatalf("RETR over tls data channel: %v", err)
	}
	if string(got) != content {
		t.Errorf("got %q, want %q", got, content)
	}
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
}
