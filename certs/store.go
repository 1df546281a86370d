// Package certs issues the agent's HTTPS certificate from a local CA that
// is installed into the system trust store, so browsers and mobile runtimes
// on the LAN can reach wss:// without warnings.
package certs

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"

	"github.com/dubu/turbo-nfc/buildinfo"
)

var logger = log.New(os.Stderr, "[certs] ", log.LstdFlags)

// Authority installs a CA and signs leaf certificates with it.
type Authority interface {
	Install() error
	MakeCert(hosts []string, dir string) (certFile, keyFile string, err error)
}

type authorityFuncs struct {
	install  func() error
	makeCert func(hosts []string, dir string) (string, string, error)
}

func (a authorityFuncs) Install() error { return a.install() }
func (a authorityFuncs) MakeCert(hosts []string, dir string) (string, string, error) {
	return a.makeCert(hosts, dir)
}

// TrustStoreAuthority keeps its CA under caDir. truststore reads the CA
// location from CAROOT, so the variable is set before the library loads.
func TrustStoreAuthority(caDir string) (Authority, error) {
	if err := os.Setenv("CAROOT", caDir); err != nil {
		return nil, err
	}
	lib, err := truststore.NewLib()
	if err != nil {
		return nil, fmt.Errorf("initialize truststore: %w", err)
	}
	return authorityFuncs{
		install: lib.Install,
		makeCert: func(hosts []string, dir string) (string, string, error) {
			cert, err := lib.MakeCert(hosts, dir)
			if err != nil {
				return "", "", err
			}
			return cert.CertFile, cert.KeyFile, nil
		},
	}, nil
}

// Store lays out the CA and server certificate under a config directory:
//
//	<dir>/ca/rootCA.pem
//	<dir>/tls/server.crt, server.key, hosts.txt
type Store struct {
	caDir     string
	tlsDir    string
	caFile    string
	certFile  string
	keyFile   string
	hostsFile string

	authority func(caDir string) (Authority, error)
	hosts     func() []string
}

func NewStore(dir string) *Store {
	caDir := filepath.Join(dir, "ca")
	tlsDir := filepath.Join(dir, "tls")
	return &Store{
		caDir:     caDir,
		tlsDir:    tlsDir,
		caFile:    filepath.Join(caDir, "rootCA.pem"),
		certFile:  filepath.Join(tlsDir, "server.crt"),
		keyFile:   filepath.Join(tlsDir, "server.key"),
		hostsFile: filepath.Join(tlsDir, "hosts.txt"),
		authority: TrustStoreAuthority,
		hosts:     CertificateHosts,
	}
}

// DefaultDir is the per-user directory certificates are kept in.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, buildinfo.DirName), nil
}

func (s *Store) CertFile() string   { return s.certFile }
func (s *Store) KeyFile() string    { return s.keyFile }
func (s *Store) CACertFile() string { return s.caFile }

// Ensure returns a server certificate valid for the current host names,
// issuing a new one when none exists or the LAN addresses changed.
// Installing the CA may prompt the user for a password.
func (s *Store) Ensure() (certFile, keyFile string, err error) {
	if err := os.MkdirAll(s.tlsDir, 0o700); err != nil {
		return "", "", fmt.Errorf("create tls directory: %w", err)
	}

	hosts := s.hosts()
	switch {
	case !s.certsExist():
		logger.Printf("no server certificate, issuing one for %v", hosts)
	case s.hostsChanged(hosts):
		logger.Printf("host names changed, reissuing certificate for %v", hosts)
	default:
		return s.certFile, s.keyFile, nil
	}

	if err := s.issue(hosts); err != nil {
		return "", "", err
	}
	return s.certFile, s.keyFile, nil
}

func (s *Store) issue(hosts []string) error {
	if err := os.MkdirAll(s.caDir, 0o700); err != nil {
		return fmt.Errorf("create CA directory: %w", err)
	}
	ca, err := s.authority(s.caDir)
	if err != nil {
		return err
	}
	if err := ca.Install(); err != nil {
		return fmt.Errorf("install CA: %w", err)
	}

	certFile, keyFile, err := ca.MakeCert(hosts, s.tlsDir)
	if err != nil {
		return fmt.Errorf("issue certificate: %w", err)
	}
	if err := moveIfDifferent(certFile, s.certFile); err != nil {
		return err
	}
	if err := moveIfDifferent(keyFile, s.keyFile); err != nil {
		return err
	}
	if err := s.writeHosts(hosts); err != nil {
		logger.Printf("caching certificate hosts: %v", err)
	}

	if fp, err := s.CAFingerprint(); err == nil {
		logger.Printf("CA fingerprint (SHA-256): %s", fp)
	}
	return nil
}

func moveIfDifferent(from, to string) error {
	if from == to {
		return nil
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(from), err)
	}
	return nil
}

func (s *Store) certsExist() bool {
	_, certErr := os.Stat(s.certFile)
	_, keyErr := os.Stat(s.keyFile)
	return certErr == nil && keyErr == nil
}

func (s *Store) hostsChanged(hosts []string) bool {
	cached, err := s.readHosts()
	if err != nil {
		return true
	}
	return !slices.Equal(slices.Sorted(slices.Values(cached)), slices.Sorted(slices.Values(hosts)))
}

func (s *Store) readHosts() ([]string, error) {
	f, err := os.Open(s.hostsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if h := strings.TrimSpace(scanner.Text()); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, scanner.Err()
}

func (s *Store) writeHosts(hosts []string) error {
	return os.WriteFile(s.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

// CAFingerprint is the colon separated SHA-256 of the CA certificate.
func (s *Store) CAFingerprint() (string, error) {
	data, err := os.ReadFile(s.caFile)
	if err != nil {
		return "", fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("CA certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse CA certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// CAHandler serves the CA certificate for installation on other devices.
func (s *Store) CAHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(s.caFile)
		if err != nil {
			http.Error(w, "CA certificate not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", buildinfo.Name+"-ca.pem"))
		_, _ = w.Write(data)
		logger.Printf("CA certificate downloaded by %s", r.RemoteAddr)
	})
}
