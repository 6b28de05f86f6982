package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// DefaultProbeURL answers with the caller's public address.
const DefaultProbeURL = "http://httpbin.org/ip"

// ProbeResult describes one request made through a proxy.
type ProbeResult struct {
	Proxy      string        `json:"proxy"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	Body       string        `json:"body,omitempty"`
}

// Prober checks that a proxy can reach a known URL.
type Prober struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	logger    *zap.Logger
}

// NewProber builds a Prober with defaults for empty fields.
func NewProber(probeURL string, timeout time.Duration, logger *zap.Logger) *Prober {
	if probeURL == "" {
		probeURL = DefaultProbeURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{URL: probeURL, Timeout: timeout, UserAgent: "roundcrawler-probe/1.0", logger: logger}
}

// Check requests p.URL through proxyURL and reports the outcome. A non-2xx
// answer is returned as an error alongside the populated result.
func (p *Prober) Check(ctx context.Context, proxyURL string) (ProbeResult, error) {
	res := ProbeResult{Proxy: proxyURL, URL: p.URL}
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Host == "" {
		return res, fmt.Errorf("invalid proxy url %q", proxyURL)
	}

	c := colly.NewCollector(colly.Async(false), colly.UserAgent(p.UserAgent))
	c.SetRequestTimeout(p.Timeout)
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyURL(parsed),
		DialContext: (&net.Dialer{
			Timeout: p.Timeout,
		}).DialContext,
		TLSHandshakeTimeout: p.Timeout,
		DisableKeepAlives:   true,
	})

	type outcome struct {
		res ProbeResult
		err error
	}
	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		// The callbacks run inside Visit, so out is only touched here.
		out := outcome{res: res}
		var respErr error
		c.OnResponse(func(r *colly.Response) {
			out.res.StatusCode = r.StatusCode
			out.res.Body = truncate(string(r.Body), 256)
		})
		c.OnError(func(r *colly.Response, err error) {
			if r != nil {
				out.res.StatusCode = r.StatusCode
			}
			respErr = err
		})
		out.err = c.Visit(p.URL)
		if out.err == nil {
			out.err = respErr
		}
		out.res.Latency = time.Since(start)
		done <- out
	}()

	select {
	case <-ctx.Done():
		return res, fmt.Errorf("proxy probe canceled: %w", ctx.Err())
	case out := <-done:
		if out.err != nil {
			p.logger.Warn("proxy probe failed", zap.String("proxy", proxyURL), zap.Int("status", out.res.StatusCode), zap.Error(out.err))
			return out.res, fmt.Errorf("proxy probe: %w", out.err)
		}
		p.logger.Info("proxy probe ok", zap.String("proxy", proxyURL), zap.Duration("latency", out.res.Latency))
		return out.res, nil
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
