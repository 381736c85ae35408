package utils

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient carries the proxy, user agent and header settings shared by every
// request of a download. It never sets a whole-request timeout because bodies
// are streamed for as long as the transfer lasts; Timeout bounds connecting,
// the TLS handshake and waiting for response headers.
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &HTTPClient{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

func (c *HTTPClient) Timeout() time.Duration {
	return c.config.Timeout
}

func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}

// Probe issues a HEAD request and reports the advertised size, range support
// and Content-Disposition file name.
func (c *HTTPClient) Probe(ctx context.Context, rawURL string) (FileInfo, error) {
	var info FileInfo
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrSizeProbe, err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrSizeProbe, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return info, fmt.Errorf("%w: server returned %d", ErrSizeProbe, resp.StatusCode)
	}
	info.FileName = contentDispositionName(resp.Header.Get("Content-Disposition"))
	info.AcceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return info, nil
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil || size < 0 {
		return info, fmt.Errorf("%w: bad Content-Length %q", ErrSizeProbe, contentLength)
	}
	info.Size = size
	return info, nil
}

func contentDispositionName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return SanitizeFileName(fn)
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return SanitizeFileName(unescaped)
	}
	return ""
}
