// Package etcdutil builds etcd clients shared by the state store and the
// leadership lock.
package etcdutil

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/seedkeeper/seedkeeper/pkg/config"
)

const defaultDialTimeout = 5 * time.Second

// NewClient dials etcd with the settings used across seedkeeper.
func NewClient(endpoints []string, dialTimeout time.Duration, tlsConfig *tls.Config) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd client requires at least one endpoint")
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:           endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 tlsConfig,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return client, nil
}

// NewClientFromConfig dials the etcd cluster named by the state section.
func NewClientFromConfig(cfg *config.Config) (*clientv3.Client, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	tlsConfig, err := TLSConfig(cfg.State.EtcdTLS)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg.State.EtcdEndpoints, cfg.DialTimeout(), tlsConfig)
}

// TLSConfig loads client certificates. A nil or disabled section yields a nil config.
func TLSConfig(c *config.EtcdTLSConfig) (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	info := transport.TLSInfo{
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		TrustedCAFile:      c.CAFile,
		InsecureSkipVerify: c.Insecure,
	}
	tlsConfig, err := info.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load etcd tls: %w", err)
	}
	return tlsConfig, nil
}

// ApplyNamespace joins namespace and key into an absolute etcd key.
func ApplyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}
