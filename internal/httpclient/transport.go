package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// ChromeUserAgent is sent with the uTLS transport so headers match the TLS fingerprint.
const ChromeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// TransportOptions selects how outbound connections are made.
type TransportOptions struct {
	// UTLS presents a Chrome ClientHello, which some usage endpoints require.
	UTLS bool
	// ProxyURL routes traffic through an http, https or socks5 proxy. Empty
	// means the HTTPS_PROXY/HTTP_PROXY environment.
	ProxyURL string
}

// NewTransport builds the outbound transport for opts.
func NewTransport(opts TransportOptions) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	dial := dialer.DialContext
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			if opts.UTLS {
				// The transport does its own TLS after CONNECT, bypassing the uTLS dialer.
				return nil, fmt.Errorf("utls cannot be combined with an %s proxy; use socks5", u.Scheme)
			}
			t.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if u.User != nil {
				password, _ := u.User.Password()
				auth = &proxy.Auth{User: u.User.Username(), Password: password}
			}
			socks, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
			if err != nil {
				return nil, fmt.Errorf("socks5 proxy: %w", err)
			}
			contextDialer, ok := socks.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 proxy dialer does not support contexts")
			}
			t.Proxy = nil
			dial = contextDialer.DialContext
			t.DialContext = dial
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	if opts.UTLS {
		t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			uconn := utls.UClient(rawConn, &utls.Config{
				ServerName: host,
				NextProtos: []string{"http/1.1"},
			}, utls.HelloChrome_120)
			if err := uconn.HandshakeContext(ctx); err != nil {
				_ = rawConn.Close()
				return nil, err
			}
			return uconn, nil
		}
	}
	return t, nil
}

// RoundTripper adapts the client to http.RoundTripper so libraries that build
// their own requests, such as oauth2 token calls, share the retry policy.
func (c *Client) RoundTripper(opts *Options) http.RoundTripper {
	return &retryTransport{client: c, opts: opts}
}

type retryTransport struct {
	client *Client
	opts   *Options
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = data
	}
	spec := RequestSpec{
		Method: req.Method,
		Header: req.Header.Clone(),
		Body:   body,
	}
	resp, err := t.client.Send(req.Context(), req.URL.String(), spec, t.opts)
	if err != nil {
		return nil, err
	}
	resp.Request = req
	return resp, nil
}

// readBody reads and closes resp.Body, capping the size at limit bytes.
func readBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err := io.Copy(&buf, io.LimitReader(resp.Body, limit))
	return buf.Bytes(), err
}

// ReadBody reads at most 1 MiB of resp.Body and closes it.
func ReadBody(resp *http.Response) ([]byte, error) {
	return readBody(resp, 1<<20)
}
