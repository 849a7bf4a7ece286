package types

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 分发层与连接池共用的网络数据结构

// ===== 协议 =====

// Protocol 连接协商出的应用层协议
//
// 在 Connection.Open 时确定一次，之后不可变
type Protocol string

const (
	HTTP11 Protocol = "HTTP/1.1"
	HTTP2  Protocol = "HTTP/2"
)

// String 返回协议名
func (p Protocol) String() string { return string(p) }

// ALPN 返回协议对应的 ALPN 标识
func (p Protocol) ALPN() string {
	switch p {
	case HTTP2:
		return "h2"
	default:
		return "http/1.1"
	}
}

// ===== 目标地址 =====

// Destination 连接池分区键（scheme, host, port, tls）
//
// 值类型，可比较，构造后不可变
type Destination struct {
	Scheme string
	Host   string
	Port   int
	TLS    bool
}

// DestinationFromURL 从 URL 解析目标地址，缺省端口按 scheme 填充
func DestinationFromURL(u *url.URL) (Destination, error) {
	if u == nil {
		return Destination{}, fmt.Errorf("nil url")
	}
	scheme := strings.ToLower(u.Scheme)
	var defaultPort int
	switch scheme {
	case "http":
		defaultPort = 80
	case "https":
		defaultPort = 443
	default:
		return Destination{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Destination{}, fmt.Errorf("missing host in url %q", u.String())
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Destination{}, fmt.Errorf("invalid port %q", p)
		}
		port = n
	}
	return Destination{
		Scheme: scheme,
		Host:   strings.ToLower(host),
		Port:   port,
		TLS:    scheme == "https",
	}, nil
}

// Key 返回连接池分区键
func (d Destination) Key() string {
	return d.Scheme + "://" + d.Address()
}

// Address 返回 host:port 形式的拨号地址
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Authority 返回 Host 头 / :authority 伪头使用的值（缺省端口省略）
func (d Destination) Authority() string {
	if (d.Scheme == "http" && d.Port == 80) || (d.Scheme == "https" && d.Port == 443) {
		if strings.Contains(d.Host, ":") {
			return "[" + d.Host + "]"
		}
		return d.Host
	}
	return d.Address()
}

// String 实现 fmt.Stringer
func (d Destination) String() string { return d.Key() }

// ===== 超时配置 =====

// TimeoutConfig 分阶段超时配置
//
// 零值字段表示该阶段不设超时（无限等待）；nil 配置表示所有阶段都不设超时。
// 单次调用传入的非 nil 配置整体替换分发器默认值。
type TimeoutConfig struct {
	Connect     time.Duration `json:"connect" yaml:"connect"`           // 建立连接（含 TLS 握手）
	Write       time.Duration `json:"write" yaml:"write"`               // 写请求
	ReadHeader  time.Duration `json:"read_header" yaml:"read_header"`   // 读响应头
	ReadBody    time.Duration `json:"read_body" yaml:"read_body"`       // 读响应体
	PoolAcquire time.Duration `json:"pool_acquire" yaml:"pool_acquire"` // 等待并发许可
}

// UniformTimeout 所有阶段使用同一超时
func UniformTimeout(d time.Duration) TimeoutConfig {
	return TimeoutConfig{Connect: d, Write: d, ReadHeader: d, ReadBody: d, PoolAcquire: d}
}

// Resolve 返回本次调用生效的超时配置
func (t *TimeoutConfig) Resolve(override *TimeoutConfig) TimeoutConfig {
	if override != nil {
		return *override
	}
	if t == nil {
		return TimeoutConfig{}
	}
	return *t
}

// ===== TLS 配置 =====

// SSLConfig 建立流时使用的 TLS 参数与协议协商提示
type SSLConfig struct {
	// InsecureSkipVerify 跳过证书校验（仅测试使用）
	InsecureSkipVerify bool
	// RootCAs 为 nil 时使用系统根证书
	RootCAs *x509.CertPool
	// ServerName 覆盖 SNI，空则使用目标主机名
	ServerName string
	// HTTP2 是否在 ALPN 中声明 h2
	HTTP2 bool
	// ClientCertificates 双向 TLS 证书
	ClientCertificates []tls.Certificate
}

// Key 返回兼容性键：键相同的配置可以复用同一空闲连接
func (c *SSLConfig) Key() string {
	if c == nil {
		return "default"
	}
	return fmt.Sprintf("insecure=%t;roots=%p;sni=%s;h2=%t;certs=%s",
		c.InsecureSkipVerify, c.RootCAs, c.ServerName, c.HTTP2, certFingerprints(c.ClientCertificates))
}

// certFingerprints 按顺序拼接每张客户端证书叶子的 SHA-256 摘要
func certFingerprints(certs []tls.Certificate) string {
	parts := make([]string, len(certs))
	for i, cert := range certs {
		if len(cert.Certificate) == 0 {
			parts[i] = "empty"
			continue
		}
		sum := sha256.Sum256(cert.Certificate[0])
		parts[i] = hex.EncodeToString(sum[:])
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// AdvertiseHTTP2 是否声明 h2
func (c *SSLConfig) AdvertiseHTTP2() bool {
	return c != nil && c.HTTP2
}

// TLSConfig 为指定主机构造 tls.Config
func (c *SSLConfig) TLSConfig(host string) *tls.Config {
	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
	if c == nil {
		return cfg
	}
	if c.ServerName != "" {
		cfg.ServerName = c.ServerName
	}
	//nolint:gosec // G402: 由调用方显式开启，仅用于测试环境
	cfg.InsecureSkipVerify = c.InsecureSkipVerify
	cfg.RootCAs = c.RootCAs
	cfg.Certificates = c.ClientCertificates
	if c.HTTP2 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	}
	return cfg
}
