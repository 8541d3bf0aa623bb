// Package collyprobe implements the plain-HTTP probe using gocolly.
package collyprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/pagelens/pagelens/internal/fetcher"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Prober implements fetcher.Prober using the Colly collector.
type Prober struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Prober with a pooled transport shared across probes.
func New(cfg Config) *Prober {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Prober{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Probe executes a single HTTP GET using Colly.
func (p *Prober) Probe(ctx context.Context, url string) (fetcher.Page, error) {
	var (
		result   fetcher.Page
		fetchErr error
	)
	collector := p.buildCollector(&result, &fetchErr)
	if err := p.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return fetcher.Page{}, err
	}
	return result, nil
}

func (p *Prober) buildCollector(result *fetcher.Page, fetchErr *error) *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	// The target is always a single user-supplied URL, never a crawl.
	collector.IgnoreRobotsTxt = true
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if p.transport != nil {
		collector.WithTransport(p.transport)
	}

	collector.OnResponse(func(r *colly.Response) {
		*result = fetcher.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
	return collector
}

func (p *Prober) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
