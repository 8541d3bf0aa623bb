// Package fetcher captures a page snapshot for analysis. It probes the URL
// with a plain HTTP fetch first and promotes to a headless browser render
// when the probe result looks like a client-rendered shell.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// Page is the raw output of one capture strategy.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Screenshot []byte
}

// Prober performs the cheap first-pass HTTP capture.
type Prober interface {
	Probe(ctx context.Context, url string) (Page, error)
}

// Renderer executes JavaScript in a real browser and returns the settled DOM.
type Renderer interface {
	Render(ctx context.Context, url string) (Page, error)
}

// Detector decides whether a probed page needs a browser render.
type Detector interface {
	NeedsJS(ctx context.Context, body []byte) bool
}

// Capture implements pipeline.Fetcher by combining a prober, a detector, and
// an optional renderer. With a nil renderer the probe result is always used.
type Capture struct {
	prober   Prober
	detector Detector
	renderer Renderer
	hasher   pipeline.Hasher
	logger   *zap.Logger
}

// New builds a Capture fetcher. renderer may be nil.
func New(prober Prober, detector Detector, renderer Renderer, hasher pipeline.Hasher, logger *zap.Logger) *Capture {
	return &Capture{
		prober:   prober,
		detector: detector,
		renderer: renderer,
		hasher:   hasher,
		logger:   logger,
	}
}

// Fetch captures the page and assembles the bundle content. The caller owns
// persistence; Fetch never writes to storage.
func (c *Capture) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.Bundle, error) {
	page, err := c.prober.Probe(ctx, req.URL)
	if err != nil {
		return pipeline.Bundle{}, fmt.Errorf("probe %s: %w", req.URL, err)
	}

	usedHeadless := false
	if c.renderer != nil && c.detector != nil && c.detector.NeedsJS(ctx, page.Body) {
		rendered, renderErr := c.renderer.Render(ctx, req.URL)
		if renderErr != nil {
			// The probe already produced a usable document; analyze that
			// rather than failing the whole attempt.
			c.logger.Warn("headless render failed, keeping probe result",
				zap.String("job_id", req.JobID),
				zap.String("url", req.URL),
				zap.Error(renderErr),
			)
		} else {
			page = rendered
			usedHeadless = true
		}
	}

	digest, err := c.hasher.Hash(page.Body)
	if err != nil {
		return pipeline.Bundle{}, fmt.Errorf("digest page body: %w", err)
	}

	return pipeline.Bundle{
		DOM:           page.Body,
		Stylesheets:   ExtractStylesheets(page.Body),
		Screenshot:    page.Screenshot,
		URL:           page.URL,
		StatusCode:    page.StatusCode,
		ContentDigest: digest,
		UsedHeadless:  usedHeadless,
	}, nil
}

// ExtractStylesheets pulls inline <style> blocks out of the document and
// records external stylesheet links as @import directives, so analyzers see
// the page's CSS surface in one artifact.
func ExtractStylesheets(dom []byte) []byte {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(dom))
	if err != nil {
		return nil
	}
	var buf bytes.Buffer
	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		fmt.Fprintf(&buf, "@import url(%q);\n", href)
	})
	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	})
	return buf.Bytes()
}
