package analyzers

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagelens/pagelens/internal/pipeline"
)

const (
	maxTitleLength           = 60
	maxMetaDescriptionLength = 160
)

// SEO checks the captured DOM for search-engine visibility problems.
type SEO struct{}

// NewSEO constructs the seo analyzer.
func NewSEO() *SEO {
	return &SEO{}
}

// Type returns the analyzer type name.
func (a *SEO) Type() string { return TypeSEO }

// Analyze inspects the bundle DOM and reports seo findings.
func (a *SEO) Analyze(_ context.Context, bundle pipeline.Bundle) ([]pipeline.Finding, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(bundle.DOM))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var findings []pipeline.Finding
	findings = append(findings, checkTitle(doc)...)
	findings = append(findings, checkMetaDescription(doc)...)
	findings = append(findings, checkHeadings(doc)...)
	findings = append(findings, checkRobots(doc)...)

	if doc.Find(`link[rel="canonical"]`).Length() == 0 {
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityInfo,
			Description: "page has no canonical link",
			Location:    "head",
		})
	}

	return findings, nil
}

func checkTitle(doc *goquery.Document) []pipeline.Finding {
	title := strings.TrimSpace(doc.Find("head title").First().Text())
	switch {
	case title == "":
		return []pipeline.Finding{{
			Severity:    pipeline.SeverityCritical,
			Description: "page has no <title>",
			Location:    "head",
		}}
	case len(title) > maxTitleLength:
		return []pipeline.Finding{{
			Severity:    pipeline.SeverityWarning,
			Description: fmt.Sprintf("title is %d characters, longer than %d", len(title), maxTitleLength),
			Location:    "head > title",
		}}
	}
	return nil
}

func checkMetaDescription(doc *goquery.Document) []pipeline.Finding {
	desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content")
	desc = strings.TrimSpace(desc)
	switch {
	case !ok || desc == "":
		return []pipeline.Finding{{
			Severity:    pipeline.SeverityWarning,
			Description: "page has no meta description",
			Location:    "head",
		}}
	case len(desc) > maxMetaDescriptionLength:
		return []pipeline.Finding{{
			Severity:    pipeline.SeverityInfo,
			Description: fmt.Sprintf("meta description is %d characters, longer than %d", len(desc), maxMetaDescriptionLength),
			Location:    `head > meta[name="description"]`,
		}}
	}
	return nil
}

func checkHeadings(doc *goquery.Document) []pipeline.Finding {
	var findings []pipeline.Finding
	h1Count := doc.Find("h1").Length()
	switch {
	case h1Count == 0:
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityWarning,
			Description: "page has no <h1>",
			Location:    "body",
		})
	case h1Count > 1:
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityInfo,
			Description: fmt.Sprintf("page has %d <h1> elements", h1Count),
			Location:    "body",
		})
	}
	return findings
}

func checkRobots(doc *goquery.Document) []pipeline.Finding {
	content, ok := doc.Find(`meta[name="robots"]`).First().Attr("content")
	if !ok {
		return nil
	}
	if strings.Contains(strings.ToLower(content), "noindex") {
		return []pipeline.Finding{{
			Severity:    pipeline.SeverityCritical,
			Description: "page is marked noindex",
			Location:    `head > meta[name="robots"]`,
		}}
	}
	return nil
}
