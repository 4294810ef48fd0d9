// Package httpclient builds one pooled *http.Client per upstream
// service, with optional TLS material and compression, the way
// gizmo's SimpleServer.Start loads a keystore for the listener side of
// the same handshake. Clients are reused across requests and rebuilt
// wholesale on config swap.
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/relaycore/revolver-gateway/config"
)

// Factory builds and caches one *http.Client per service.
type Factory struct {
	clientCfg config.ClientConfig
	clients   map[string]*http.Client
}

// NewFactory builds clients for every given ServiceSpec.
func NewFactory(clientCfg config.ClientConfig, services []config.ServiceSpec) (*Factory, error) {
	f := &Factory{
		clientCfg: clientCfg,
		clients:   map[string]*http.Client{},
	}
	for _, svc := range services {
		c, err := f.build(svc)
		if err != nil {
			return nil, fmt.Errorf("httpclient: unable to build client for %q: %w", svc.Service, err)
		}
		f.clients[svc.Service] = c
	}
	return f, nil
}

func (f *Factory) build(svc config.ServiceSpec) (*http.Client, error) {
	poolSize := svc.PoolSize
	if poolSize <= 0 {
		poolSize = f.clientCfg.MaxIdleConns
	}
	if poolSize <= 0 {
		poolSize = 32
	}
	keepAlive := time.Duration(svc.KeepAliveMS) * time.Millisecond
	if keepAlive <= 0 {
		keepAlive = time.Duration(f.clientCfg.IdleTimeoutMS) * time.Millisecond
	}
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	connectTimeout := time.Duration(f.clientCfg.ConnectTimeoutMS) * time.Millisecond
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     keepAlive,
		DisableCompression:  !svc.Compression,
	}

	if svc.Type == "https" && svc.KeyStorePath != "" {
		cert, err := tls.LoadX509KeyPair(svc.KeyStorePath, svc.KeyStorePass)
		if err != nil {
			return nil, fmt.Errorf("unable to load keystore: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	} else if svc.Type == "https" {
		transport.TLSClientConfig = &tls.Config{}
	}

	return &http.Client{Transport: transport}, nil
}

// Get returns the pooled client for a service.
func (f *Factory) Get(service string) (*http.Client, bool) {
	c, ok := f.clients[service]
	return c, ok
}

// CloseIdle drains idle connections on every client, meant to be called
// during config swap and graceful shutdown once in-flight requests using
// the old clients have finished.
func (f *Factory) CloseIdle() {
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
}
