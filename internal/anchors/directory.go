package anchors

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudflare/cfssl/crypto/pkcs7"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// IndexFile is the directory's index, relative to its root.
const IndexFile = "federation.yaml"

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 200 * time.Millisecond

// index is the YAML form of the federation directory.
type index struct {
	Instance       string        `yaml:"instance"`
	Anchors        []caEntry     `yaml:"anchors"`
	Intermediates  []caEntry     `yaml:"intermediates"`
	OCSPResponders []string      `yaml:"ocsp_responders"`
	Members        []memberEntry `yaml:"members"`
}

type caEntry struct {
	Cert     string   `yaml:"cert"`
	OCSPURLs []string `yaml:"ocsp_urls"`
}

type memberEntry struct {
	ClientID string `yaml:"client_id"`
	Cert     string `yaml:"cert"`
}

// Directory is a Source backed by a directory holding federation.yaml and
// the PEM files it references. Watch reloads it on change.
type Directory struct {
	dir     string
	cur     atomic.Pointer[Static]
	changes chan struct{}
	logger  *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

var _ Source = (*Directory)(nil)

// OpenDirectory loads dir. A nil logger discards logs.
func OpenDirectory(dir string, logger *zap.Logger) (*Directory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{dir: dir, changes: make(chan struct{}, 1), logger: logger}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the directory. On error the previous state is kept.
func (d *Directory) Reload() error {
	s, err := LoadDirectory(d.dir)
	if err != nil {
		return err
	}
	d.cur.Store(s)
	return nil
}

// LoadDirectory reads dir into a Static source.
func LoadDirectory(dir string) (*Static, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read federation index: %w", err)
	}
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", IndexFile, err)
	}
	if idx.Instance == "" {
		return nil, fmt.Errorf("%s: instance is required", IndexFile)
	}

	s := &Static{InstanceID: idx.Instance}
	load := func(name string) ([]*x509.Certificate, error) {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, name)
		}
		certs, err := LoadCertificates(path)
		if err != nil {
			return nil, err
		}
		if len(certs) == 0 {
			return nil, fmt.Errorf("%s: no certificates", name)
		}
		return certs, nil
	}

	for _, e := range idx.Anchors {
		certs, err := load(e.Cert)
		if err != nil {
			return nil, err
		}
		for _, c := range certs {
			s.Anchors = append(s.Anchors, CA{Cert: c, OCSPURLs: e.OCSPURLs})
		}
	}
	if len(s.Anchors) == 0 {
		return nil, fmt.Errorf("%s: at least one anchor is required", IndexFile)
	}
	for _, e := range idx.Intermediates {
		certs, err := load(e.Cert)
		if err != nil {
			return nil, err
		}
		for _, c := range certs {
			s.Intermediates = append(s.Intermediates, CA{Cert: c, OCSPURLs: e.OCSPURLs})
		}
	}
	for _, name := range idx.OCSPResponders {
		certs, err := load(name)
		if err != nil {
			return nil, err
		}
		s.OCSPResponders = append(s.OCSPResponders, certs...)
	}
	for _, m := range idx.Members {
		if m.ClientID == "" {
			return nil, fmt.Errorf("%s: member %s has no client_id", IndexFile, m.Cert)
		}
		certs, err := load(m.Cert)
		if err != nil {
			return nil, err
		}
		s.Members = append(s.Members, Member{ClientID: m.ClientID, Cert: certs[0]})
	}
	return s, nil
}

// LoadCertificates reads the certificates of a PEM, DER or PKCS#7 file.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates: %w", err)
	}
	certs, err := ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

// ParseCertificates decodes every CERTIFICATE block of PEM data. Data without
// PEM blocks is parsed as one DER certificate, then as a PKCS#7 bundle.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		var certs []*x509.Certificate
		for {
			block, rest := pem.Decode(data)
			if block == nil {
				break
			}
			switch block.Type {
			case "CERTIFICATE":
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, err
				}
				certs = append(certs, cert)
			case "PKCS7":
				bundle, err := parsePKCS7(block.Bytes)
				if err != nil {
					return nil, err
				}
				certs = append(certs, bundle...)
			}
			data = rest
		}
		return certs, nil
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return []*x509.Certificate{cert}, nil
	}
	return parsePKCS7(data)
}

func parsePKCS7(der []byte) ([]*x509.Certificate, error) {
	p, err := pkcs7.ParsePKCS7(der)
	if err != nil {
		return nil, fmt.Errorf("neither a certificate nor a PKCS#7 bundle: %w", err)
	}
	if len(p.Content.SignedData.Certificates) == 0 {
		return nil, errors.New("PKCS#7 bundle holds no certificates")
	}
	return p.Content.SignedData.Certificates, nil
}

// Watch starts reloading the directory when files under it change. It
// returns immediately; Close stops watching.
func (d *Directory) Watch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	err = filepath.WalkDir(d.dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", d.dir, err)
	}

	d.watcher = watcher
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.watch(watcher, d.stop)
	return nil
}

func (d *Directory) watch(watcher *fsnotify.Watcher, stop <-chan struct{}) {
	defer d.wg.Done()

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				timer.Reset(reloadDelay)
			}

		case <-timer.C:
			if err := d.Reload(); err != nil {
				d.logger.Error("Failed to reload federation directory", zap.String("dir", d.dir), zap.Error(err))
				continue
			}
			d.logger.Info("Federation directory reloaded", zap.String("dir", d.dir))
			select {
			case d.changes <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("File watcher error", zap.Error(err))

		case <-stop:
			timer.Stop()
			return
		}
	}
}

// Close stops watching.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher == nil {
		return nil
	}
	close(d.stop)
	d.wg.Wait()
	err := d.watcher.Close()
	d.watcher = nil
	return err
}

func (d *Directory) snapshot() *Static { return d.cur.Load() }

// Instance implements Source.
func (d *Directory) Instance() string { return d.snapshot().Instance() }

// CACertificate implements Source.
func (d *Directory) CACertificate(instance string, orgCert *x509.Certificate) (*x509.Certificate, error) {
	return d.snapshot().CACertificate(instance, orgCert)
}

// CACertificates implements Source.
func (d *Directory) CACertificates() []*x509.Certificate { return d.snapshot().CACertificates() }

// OCSPResponderCertificates implements Source.
func (d *Directory) OCSPResponderCertificates() []*x509.Certificate {
	return d.snapshot().OCSPResponderCertificates()
}

// OCSPResponderAddresses implements Source.
func (d *Directory) OCSPResponderAddresses(cert *x509.Certificate) []string {
	return d.snapshot().OCSPResponderAddresses(cert)
}

// SubjectName implements Source.
func (d *Directory) SubjectName(instance string, cert *x509.Certificate) (string, error) {
	return d.snapshot().SubjectName(instance, cert)
}

// MemberCertificates implements Source.
func (d *Directory) MemberCertificates() []*x509.Certificate { return d.snapshot().MemberCertificates() }

// Changes implements Source. Notifications are coalesced.
func (d *Directory) Changes() <-chan struct{} { return d.changes }
