package webfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
)

const defaultMaxBytes = 512 * 1024

// Result is a fetched resource reduced to readable text.
type Result struct {
	URL         string
	Title       string
	Text        string
	ContentType string
	Truncated   bool
}

// Fetcher fetches web content with security checks and reduces HTML
// responses to readable markdown.
type Fetcher struct {
	client    *http.Client
	converter *md.Converter
	denylist  []string
	userAgent string
	maxBytes  int64
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default SSRF-guarded client. Intended for
// tests.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithDenylist sets hosts that must never be fetched.
func WithDenylist(hosts []string) Option {
	return func(f *Fetcher) { f.denylist = hosts }
}

// WithMaxBytes caps the response body size.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// NewFetcher creates a web fetcher with a DNS-rebinding-safe transport.
func NewFetcher(timeout time.Duration, opts ...Option) *Fetcher {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	f := &Fetcher{
		converter: converter,
		userAgent: "machine-client/1.0",
		maxBytes:  defaultMaxBytes,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = safeClient(timeout)
	}
	return f
}

// safeClient builds an HTTP client whose dialer validates resolved IPs to
// prevent DNS rebinding attacks, and whose redirect policy re-validates
// each hop.
func safeClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	safeDialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}

		for _, ipAddr := range ips {
			if IsPrivateIP(ipAddr.IP) {
				return nil, fmt.Errorf("connection to private IP %s is not allowed", ipAddr.IP)
			}
		}

		for _, ipAddr := range ips {
			connAddr := net.JoinHostPort(ipAddr.IP.String(), port)
			conn, err := dialer.DialContext(ctx, network, connAddr)
			if err == nil {
				return conn, nil
			}
		}

		return nil, fmt.Errorf("failed to connect to any resolved IP")
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           safeDialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			if err := ValidateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
}

// Fetch retrieves the URL and returns readable text. HTML responses are
// reduced via readability extraction and markdown conversion; other text
// content types are returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*Result, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if HostDenied(rawURL, f.denylist) {
		return nil, fmt.Errorf("host is deny-listed: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	limitReader := io.LimitReader(resp.Body, f.maxBytes+1)
	body, err := io.ReadAll(limitReader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	result := &Result{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		Truncated:   truncated,
	}

	if isHTML(result.ContentType) {
		title, text, err := f.Readable(body, rawURL)
		if err != nil {
			f.logger.Warn("readable extraction failed, returning raw body",
				"url", rawURL, "error", err)
			result.Text = string(body)
			return result, nil
		}
		result.Title = title
		result.Text = text
		return result, nil
	}

	result.Text = string(body)
	return result, nil
}

// Readable extracts the main content from an HTML document and converts it
// to markdown.
func (f *Fetcher) Readable(body []byte, rawURL string) (title, text string, err error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", "", fmt.Errorf("readability: %w", err)
	}

	markdown, err := f.converter.ConvertString(article.Content)
	if err != nil {
		return "", "", fmt.Errorf("convert to markdown: %w", err)
	}

	return article.Title, cleanMarkdown(markdown), nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// cleanMarkdown collapses excessive blank lines and trims trailing
// whitespace per line.
func cleanMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blanks++
			if blanks > 2 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
