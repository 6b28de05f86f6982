package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrProviderResponse marks a provider reply that could not be used.
var ErrProviderResponse = errors.New("unusable provider response")

const (
	successCode  = "SUCCESS"
	maxBodyBytes = 1 << 20
)

type endpoint struct {
	server   string
	exitIP   string
	deadline string
}

func (e endpoint) upstream() string {
	if e.server == "" {
		return ""
	}
	return "http://" + e.server
}

type providerEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type providerEntry struct {
	Server   string          `json:"server"`
	ProxyIP  string          `json:"proxy_ip"`
	IP       string          `json:"ip"`
	Deadline json.RawMessage `json:"deadline"`
}

func (m *LeaseManager) fetch(ctx context.Context) (endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	u, err := url.Parse(m.cfg.ProviderURL)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse provider url: %w", err)
	}
	q := u.Query()
	q.Set("key", m.cfg.Key)
	q.Set("num", "1")
	q.Set("distinct", "true")
	for k, v := range m.cfg.ExtraParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return endpoint{}, fmt.Errorf("build provider request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return endpoint{}, fmt.Errorf("call provider: %w", redactKey(err, m.cfg.Key))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return endpoint{}, fmt.Errorf("%w: http status %d", ErrProviderResponse, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return endpoint{}, fmt.Errorf("read provider response: %w", err)
	}
	return parseProviderResponse(body)
}

// parseProviderResponse accepts data as {"ips":[...]}, as a list, or as a
// single object, and takes the first entry.
func parseProviderResponse(body []byte) (endpoint, error) {
	var env providerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return endpoint{}, fmt.Errorf("%w: decode: %w", ErrProviderResponse, err)
	}
	if env.Code != successCode {
		return endpoint{}, fmt.Errorf("%w: code=%q msg=%q", ErrProviderResponse, env.Code, env.Msg)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return endpoint{}, fmt.Errorf("%w: empty data", ErrProviderResponse)
	}

	var entry providerEntry
	switch data[0] {
	case '[':
		var list []providerEntry
		if err := json.Unmarshal(data, &list); err != nil {
			return endpoint{}, fmt.Errorf("%w: decode data list: %w", ErrProviderResponse, err)
		}
		if len(list) == 0 {
			return endpoint{}, fmt.Errorf("%w: empty data list", ErrProviderResponse)
		}
		entry = list[0]
	case '{':
		var wrapped struct {
			IPs []providerEntry `json:"ips"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.IPs) > 0 {
			entry = wrapped.IPs[0]
			break
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return endpoint{}, fmt.Errorf("%w: decode data object: %w", ErrProviderResponse, err)
		}
	default:
		return endpoint{}, fmt.Errorf("%w: unexpected data shape", ErrProviderResponse)
	}

	if strings.TrimSpace(entry.Server) == "" {
		return endpoint{}, fmt.Errorf("%w: missing server", ErrProviderResponse)
	}
	exitIP := entry.ProxyIP
	if exitIP == "" {
		exitIP = entry.IP
	}
	return endpoint{
		server:   strings.TrimSpace(entry.Server),
		exitIP:   exitIP,
		deadline: rawScalar(entry.Deadline),
	}, nil
}

func rawScalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// redactKey keeps the provider key out of url.Error messages.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = strings.ReplaceAll(uerr.URL, url.QueryEscape(key), maskKey(key))
	}
	return err
}
