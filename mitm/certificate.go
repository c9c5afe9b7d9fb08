package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sagernet/sing-mitm/adapter"
	sTLS "github.com/sagernet/sing-mitm/common/tls"
	C "github.com/sagernet/sing-mitm/constant"
	"github.com/sagernet/sing-mitm/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/contrab/freelru"
	"github.com/sagernet/sing/contrab/maphash"

	"github.com/fsnotify/fsnotify"
)

var _ adapter.CertificateProvider = (*CertificateAuthority)(nil)

// CertificateAuthority issues leaf certificates for intercepted hosts, signed
// by a root that is loaded from configuration, loaded from the store path, or
// generated there on first use.
type CertificateAuthority struct {
	logger          logger.Logger
	timeFunc        func() time.Time
	certificatePath string
	keyPath         string
	watcher         *fsnotify.Watcher
	onIssue         func()

	access      sync.Mutex
	root        *tls.Certificate
	certificate []byte
	key         []byte
	cache       freelru.Cache[string, *tls.Certificate]
}

func NewCertificateAuthority(logger logger.Logger, options option.MITMOptions) (*CertificateAuthority, error) {
	var certificate []byte
	var key []byte
	if options.Certificate != "" {
		certificate = []byte(options.Certificate)
	} else if options.CertificatePath != "" {
		content, err := os.ReadFile(C.BasePath(options.CertificatePath))
		if err != nil {
			return nil, E.Cause(err, "read certificate")
		}
		certificate = content
	}
	if options.Key != "" {
		key = []byte(options.Key)
	} else if options.KeyPath != "" {
		content, err := os.ReadFile(C.BasePath(options.KeyPath))
		if err != nil {
			return nil, E.Cause(err, "read key")
		}
		key = content
	}
	if certificate == nil && key != nil {
		return nil, E.New("missing certificate")
	} else if certificate != nil && key == nil {
		return nil, E.New("missing key")
	} else if certificate == nil {
		var err error
		certificate, key, err = loadOrGenerateRoot(logger, options.StorePath)
		if err != nil {
			return nil, err
		}
	}
	cacheSize := options.CertificateCacheSize
	if cacheSize == 0 {
		cacheSize = C.DefaultCertificateCacheSize
	}
	cache, err := freelru.New[string, *tls.Certificate](cacheSize, maphash.NewHasher[string]().Hash32)
	if err != nil {
		return nil, E.Cause(err, "create certificate cache")
	}
	authority := &CertificateAuthority{
		logger:   logger,
		timeFunc: time.Now,
		cache:    cache,
	}
	if options.Certificate == "" && options.CertificatePath != "" {
		authority.certificatePath = C.BasePath(options.CertificatePath)
	}
	if options.Key == "" && options.KeyPath != "" {
		authority.keyPath = C.BasePath(options.KeyPath)
	}
	err = authority.setRoot(certificate, key)
	if err != nil {
		return nil, err
	}
	return authority, nil
}

// loadOrGenerateRoot reads the root from storePath, creating it first if
// absent. An empty storePath yields a root that only lives in memory.
func loadOrGenerateRoot(logger logger.Logger, storePath string) ([]byte, []byte, error) {
	if storePath == "" {
		logger.Warn("no certificate authority configured, generated a temporary one")
		return sTLS.GenerateCA(nil, C.CertificateCommonName)
	}
	storePath = C.BasePath(C.ExpandHome(storePath))
	certificatePath := filepath.Join(storePath, C.CertificateStoreName)
	keyPath := filepath.Join(storePath, C.KeyStoreName)
	certificate, certificateErr := os.ReadFile(certificatePath)
	key, keyErr := os.ReadFile(keyPath)
	if certificateErr == nil && keyErr == nil {
		return certificate, key, nil
	}
	if certificateErr != nil && !os.IsNotExist(certificateErr) {
		return nil, nil, E.Cause(certificateErr, "read ", certificatePath)
	}
	if keyErr != nil && !os.IsNotExist(keyErr) {
		return nil, nil, E.Cause(keyErr, "read ", keyPath)
	}
	if certificateErr == nil || keyErr == nil {
		return nil, nil, E.New("incomplete certificate authority in ", storePath)
	}
	certificate, key, err := sTLS.GenerateCA(nil, C.CertificateCommonName)
	if err != nil {
		return nil, nil, E.Cause(err, "generate certificate authority")
	}
	err = os.MkdirAll(storePath, 0o755)
	if err != nil {
		return nil, nil, E.Cause(err, "create store path")
	}
	err = os.WriteFile(keyPath, key, 0o600)
	if err != nil {
		return nil, nil, E.Cause(err, "write key")
	}
	err = os.WriteFile(certificatePath, certificate, 0o644)
	if err != nil {
		return nil, nil, E.Cause(err, "write certificate")
	}
	logger.Info("generated certificate authority at ", certificatePath)
	return certificate, key, nil
}

func (a *CertificateAuthority) setRoot(certificate []byte, key []byte) error {
	keyPair, err := tls.X509KeyPair(certificate, key)
	if err != nil {
		return E.Cause(err, "parse x509 key pair")
	}
	keyPair.Leaf, err = x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return E.Cause(err, "parse root certificate")
	}
	if !keyPair.Leaf.IsCA {
		return E.New("certificate is not a certificate authority: ", keyPair.Leaf.Subject)
	}
	a.access.Lock()
	defer a.access.Unlock()
	a.root = &keyPair
	a.certificate = certificate
	a.key = key
	a.cache.Purge()
	return nil
}

// GetCertificate returns a cached or freshly issued leaf for serverName.
// Issuance runs under the lock, so concurrent requests for one host share
// a single key pair.
func (a *CertificateAuthority) GetCertificate(serverName string) (*tls.Certificate, error) {
	if serverName == "" {
		return nil, E.New("missing server name")
	}
	a.access.Lock()
	defer a.access.Unlock()
	if certificate, loaded := a.cache.Get(serverName); loaded {
		if a.timeFunc().Before(certificate.Leaf.NotAfter) {
			return certificate, nil
		}
	}
	certificate, err := sTLS.GenerateKeyPair(a.timeFunc, serverName, a.root)
	if err != nil {
		return nil, E.Cause(err, "generate certificate for ", serverName)
	}
	// chain the root so clients can build the path without it installed as an intermediate
	certificate.Certificate = append(certificate.Certificate, a.root.Certificate[0])
	a.cache.Add(serverName, certificate)
	if a.onIssue != nil {
		a.onIssue()
	}
	return certificate, nil
}

func (a *CertificateAuthority) CertificatePEM() []byte {
	a.access.Lock()
	defer a.access.Unlock()
	return a.certificate
}

func (a *CertificateAuthority) CertificateDER() []byte {
	block, _ := pem.Decode(a.CertificatePEM())
	if block == nil {
		return nil
	}
	return block.Bytes
}

func (a *CertificateAuthority) Start() error {
	if a.certificatePath == "" && a.keyPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range []string{a.certificatePath, a.keyPath} {
		if path == "" {
			continue
		}
		err = watcher.Add(path)
		if err != nil {
			watcher.Close()
			return err
		}
	}
	a.watcher = watcher
	go a.loopUpdate()
	return nil
}

func (a *CertificateAuthority) loopUpdate() {
	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			err := a.reloadKeyPair()
			if err != nil {
				a.logger.Error(E.Cause(err, "reload TLS key pair"))
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Error(E.Cause(err, "fsnotify error"))
		}
	}
}

func (a *CertificateAuthority) reloadKeyPair() error {
	a.access.Lock()
	certificate, key := a.certificate, a.key
	a.access.Unlock()
	if a.certificatePath != "" {
		content, err := os.ReadFile(a.certificatePath)
		if err != nil {
			return E.Cause(err, "reload certificate from ", a.certificatePath)
		}
		certificate = content
	}
	if a.keyPath != "" {
		content, err := os.ReadFile(a.keyPath)
		if err != nil {
			return E.Cause(err, "reload key from ", a.keyPath)
		}
		key = content
	}
	err := a.setRoot(certificate, key)
	if err != nil {
		return E.Cause(err, "reload key pair")
	}
	a.logger.Info("reloaded TLS certificate")
	return nil
}

func (a *CertificateAuthority) Close() error {
	return common.Close(common.PtrOrNil(a.watcher))
}
