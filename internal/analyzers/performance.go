package analyzers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagelens/pagelens/internal/pipeline"
)

const (
	maxDocumentBytes  = 1 << 20 // 1 MiB of HTML is a heavy document
	maxScriptCount    = 25
	maxStylesheetRefs = 12
	maxInlineStyles   = 40
)

// Performance flags structural signals of a slow page: document weight,
// resource counts, and layout-shift risks. It never measures real timing.
type Performance struct{}

// NewPerformance constructs the performance analyzer.
func NewPerformance() *Performance {
	return &Performance{}
}

// Type returns the analyzer type name.
func (a *Performance) Type() string { return TypePerformance }

// Analyze inspects the bundle DOM and reports performance findings.
func (a *Performance) Analyze(_ context.Context, bundle pipeline.Bundle) ([]pipeline.Finding, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(bundle.DOM))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var findings []pipeline.Finding

	if len(bundle.DOM) > maxDocumentBytes {
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityWarning,
			Description: fmt.Sprintf("document is %d bytes, larger than %d", len(bundle.DOM), maxDocumentBytes),
			Location:    "html",
		})
	}

	if n := doc.Find("script[src]").Length(); n > maxScriptCount {
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityWarning,
			Description: fmt.Sprintf("page loads %d external scripts, more than %d", n, maxScriptCount),
			Location:    "script",
		})
	}

	if n := doc.Find(`link[rel="stylesheet"]`).Length(); n > maxStylesheetRefs {
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityWarning,
			Description: fmt.Sprintf("page loads %d stylesheets, more than %d", n, maxStylesheetRefs),
			Location:    "link",
		})
	}

	if n := doc.Find("[style]").Length(); n > maxInlineStyles {
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityInfo,
			Description: fmt.Sprintf("page has %d inline style attributes, more than %d", n, maxInlineStyles),
			Location:    "body",
		})
	}

	doc.Find("img").Each(func(i int, sel *goquery.Selection) {
		_, hasWidth := sel.Attr("width")
		_, hasHeight := sel.Attr("height")
		if !hasWidth || !hasHeight {
			findings = append(findings, pipeline.Finding{
				Severity:    pipeline.SeverityInfo,
				Description: "image has no explicit dimensions, risking layout shift",
				Location:    elementLocation(sel, "img", i),
			})
		}
	})

	blocking := doc.Find("head script[src]").FilterFunction(func(_ int, sel *goquery.Selection) bool {
		_, async := sel.Attr("async")
		_, deferred := sel.Attr("defer")
		return !async && !deferred
	}).Length()
	if blocking > 0 {
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityWarning,
			Description: fmt.Sprintf("%d render-blocking scripts in <head> without async or defer", blocking),
			Location:    "head > script",
		})
	}

	return findings, nil
}
