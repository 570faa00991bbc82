// Package rest implements the forest transport against the store's
// internal uris endpoint: one client per host, shared HTTP transport, and a
// provider that resolves clients by a forest's preferred host.
package rest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/comfforts/logger"

	"github.com/hankgalt/query-batcher/pkg/domain"
	"github.com/hankgalt/query-batcher/pkg/utils"
)

const (
	ERR_REST_MISSING_HOST = "rest: host is required"
	ERR_REST_STATUS       = "rest: unexpected response status"
)

var (
	ErrMissingHost      = errors.New(ERR_REST_MISSING_HOST)
	ErrUnexpectedStatus = errors.New(ERR_REST_STATUS)
)

const (
	urisPath        = "/v1/internal/uris"
	timestampHeader = "ML-Effective-Timestamp"
	uriListType     = "text/uri-list"
)

// ClientConfig configures the per-host transport clients.
type ClientConfig struct {
	Scheme  string        // defaults to http
	Port    int           // defaults to 8000
	Timeout time.Duration // per-request timeout, defaults to 30s
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}

// ForestRestClient issues uris requests against a single host.
type ForestRestClient struct {
	host    string
	baseURL string
	hc      *http.Client
	l       *slog.Logger
}

func NewForestRestClient(host string, cfg ClientConfig, l *slog.Logger) (*ForestRestClient, error) {
	if host == "" {
		return nil, ErrMissingHost
	}
	if l == nil {
		l = logger.GetSlogLogger()
	}
	cfg = cfg.withDefaults()
	return &ForestRestClient{
		host:    host,
		baseURL: fmt.Sprintf("%s://%s:%d%s", cfg.Scheme, host, cfg.Port, urisPath),
		hc:      &http.Client{Timeout: cfg.Timeout},
		l:       l,
	}, nil
}

func (c *ForestRestClient) Host() string { return c.host }

// URIs requests one page of matching URIs from the given forest. A
// timestamp > 0 pins the read to that server timestamp. HTTP 404 maps to
// domain.ErrResourceNotFound, the terminal empty page signal.
func (c *ForestRestClient) URIs(ctx context.Context, query domain.Query, forestName string, start, pageLength, timestamp int64) ([]string, int64, error) {
	form := url.Values{}
	form.Set("query", query.String())
	form.Set("forest-name", forestName)
	form.Set("start", utils.Int64ToString(start))
	form.Set("pageLength", utils.Int64ToString(pageLength))
	if timestamp > 0 {
		form.Set("timestamp", utils.Int64ToString(timestamp))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", uriListType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.l.Error("rest: error closing response body", "host", c.host, "error", err)
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, fmt.Errorf("forest %s at start %d: %w", forestName, start, domain.ErrResourceNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var serverTS int64
	if hdr := resp.Header.Get(timestampHeader); hdr != "" {
		serverTS, err = utils.ParseInt64(hdr)
		if err != nil {
			return nil, 0, fmt.Errorf("rest: invalid %s header %q: %w", timestampHeader, hdr, err)
		}
	}

	uris, err := readURIList(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return uris, serverTS, nil
}

// readURIList parses a text/uri-list body: one URI per line, blank lines
// and '#' comment lines skipped.
func readURIList(r io.Reader) ([]string, error) {
	uris := []string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return uris, nil
}

// Provider caches one ForestRestClient per host and resolves clients by a
// forest's currently preferred host.
type Provider struct {
	mu      sync.Mutex
	cfg     ClientConfig
	clients map[string]*ForestRestClient
	l       *slog.Logger
}

func NewProvider(cfg ClientConfig, l *slog.Logger) *Provider {
	if l == nil {
		l = logger.GetSlogLogger()
	}
	return &Provider{
		cfg:     cfg.withDefaults(),
		clients: map[string]*ForestRestClient{},
		l:       l,
	}
}

func (p *Provider) ForestClient(forest domain.Forest) (domain.ForestClient, error) {
	if forest.PreferredHost == "" {
		return nil, fmt.Errorf("forest %s: %w", forest.Name, domain.ErrMissingPreferredHost)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[forest.PreferredHost]; ok {
		return client, nil
	}
	client, err := NewForestRestClient(forest.PreferredHost, p.cfg, p.l)
	if err != nil {
		return nil, err
	}
	p.clients[forest.PreferredHost] = client
	return client, nil
}
