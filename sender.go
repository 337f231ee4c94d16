package sentry

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Request is a single HTTP POST handed to a Sender
type Request struct {
	URL       string
	Header    http.Header
	Body      []byte
	VerifySSL bool
}

// Response is what a Sender got back from the server
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// Sender performs the network call for the delivery pipeline. It
// returns an error only when no response was received.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, req *Request) (*Response, error)

func (f SenderFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPSender is the net/http based Sender. Requests with VerifySSL=false
// go through a client that accepts any certificate and host name.
type HTTPSender struct {
	config *TransportConfig

	mu       sync.Mutex
	verified *http.Client
	insecure *http.Client
}

// NewHTTPSender creates a sender; config.Proxy is validated here
func NewHTTPSender(config *TransportConfig) (*HTTPSender, error) {
	if config.Proxy != "" {
		if _, err := url.Parse(config.Proxy); err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
	}
	return &HTTPSender{config: config}, nil
}

// Send posts req and reads the whole response body
func (s *HTTPSender) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := s.client(req.VerifySSL).Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       string(body),
	}, nil
}

// Close closes idle connections of both clients
func (s *HTTPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range []*http.Client{s.verified, s.insecure} {
		if c != nil {
			c.CloseIdleConnections()
		}
	}
	return nil
}

func (s *HTTPSender) client(verify bool) *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if verify {
		if s.verified == nil {
			s.verified = s.newClient(true)
		}
		return s.verified
	}
	if s.insecure == nil {
		s.insecure = s.newClient(false)
	}
	return s.insecure
}

func (s *HTTPSender) newClient(verify bool) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: s.config.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   s.config.ConnectTimeout,
		ResponseHeaderTimeout: s.config.Timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !verify, //nolint:gosec
		},
	}

	if s.config.Proxy != "" {
		if proxyURL, err := url.Parse(s.config.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   s.config.Timeout,
	}
}
