/*
Copyright 2024 The aargh64 Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ctrl "sigs.k8s.io/controller-runtime"
)

// reloadDelay lets a writer finish both files before the pair is reloaded
const reloadDelay = 100 * time.Millisecond

// CertificateWatcher serves the webhook's key pair and reloads it when the
// files change on disk. Mounted Secrets are swapped through a "..data"
// symlink, so every event in the directory triggers a reload attempt.
type CertificateWatcher struct {
	certPath string
	keyPath  string
	onReload func(tls.Certificate)
	watcher  *fsnotify.Watcher

	mu      sync.RWMutex
	current *tls.Certificate
}

// NewCertificateWatcher creates a new certificate watcher
func NewCertificateWatcher(certPath, keyPath string, onReload func(tls.Certificate)) *CertificateWatcher {
	return &CertificateWatcher{
		certPath: certPath,
		keyPath:  keyPath,
		onReload: onReload,
	}
}

// Load reads the key pair once. It must succeed before the webhook server starts.
func (cw *CertificateWatcher) Load() error {
	cert, err := tls.LoadX509KeyPair(cw.certPath, cw.keyPath)
	if err != nil {
		return fmt.Errorf("failed to load certificate pair %s, %s: %w", cw.certPath, cw.keyPath, err)
	}

	cw.mu.Lock()
	cw.current = &cert
	cw.mu.Unlock()

	return nil
}

// GetCertificate returns the current key pair. It is meant for tls.Config.GetCertificate.
func (cw *CertificateWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()

	if cw.current == nil {
		return nil, errors.New("no serving certificate loaded")
	}
	return cw.current, nil
}

// TLSOption plugs the watcher into a webhook server's TLS configuration
func (cw *CertificateWatcher) TLSOption(config *tls.Config) {
	config.GetCertificate = cw.GetCertificate
}

// Start watches the certificate directory until ctx is done
func (cw *CertificateWatcher) Start(ctx context.Context) error {
	log := ctrl.Log.WithName("cert-watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cw.watcher = watcher

	certDir := filepath.Dir(cw.certPath)
	if err := watcher.Add(certDir); err != nil {
		_ = watcher.Close()
		return err
	}

	log.Info("Started certificate watcher", "cert-path", cw.certPath, "key-path", cw.keyPath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !cw.relevant(event.Name) {
				continue
			}

			log.Info("Certificate file changed, reloading", "file", event.Name, "op", event.Op.String())
			if err := cw.reloadCertificate(); err != nil {
				// Keep serving the previous pair
				log.Error(err, "Failed to reload certificate")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "Certificate watcher error")

		case <-ctx.Done():
			return watcher.Close()
		}
	}
}

// relevant reports whether a file event may have changed the key pair
func (cw *CertificateWatcher) relevant(name string) bool {
	switch filepath.Clean(name) {
	case filepath.Clean(cw.certPath), filepath.Clean(cw.keyPath):
		return true
	}
	return filepath.Base(name) == "..data"
}

// reloadCertificate reloads the certificate and calls the callback
func (cw *CertificateWatcher) reloadCertificate() error {
	time.Sleep(reloadDelay)

	if err := cw.Load(); err != nil {
		return err
	}

	if cw.onReload != nil {
		cw.mu.RLock()
		cert := *cw.current
		cw.mu.RUnlock()
		cw.onReload(cert)
	}

	return nil
}

// NeedLeaderElection lets every replica reload its own serving certificate
func (cw *CertificateWatcher) NeedLeaderElection() bool {
	return false
}
