package redis

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSOptions 连接 Redis 的 TLS 选项，由服务配置填充
type TLSOptions struct {
	Enabled    bool
	CACertPath string
	CertPath   string
	KeyPath    string
	ServerName string
}

// BuildTLSConfig 根据选项构建 tls.Config，未启用时返回 nil
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}
	if (opts.CertPath == "") != (opts.KeyPath == "") {
		return nil, errors.New("redis tls: client cert and key must be set together")
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: opts.ServerName,
	}

	if opts.CACertPath != "" {
		caBytes, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("redis tls: ca cert %s has no valid certificates", opts.CACertPath)
		}
		cfg.RootCAs = pool
	}

	if opts.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls: load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
