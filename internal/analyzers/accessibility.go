package analyzers

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// Accessibility checks the captured DOM for common WCAG violations.
type Accessibility struct{}

// NewAccessibility constructs the accessibility analyzer.
func NewAccessibility() *Accessibility {
	return &Accessibility{}
}

// Type returns the analyzer type name.
func (a *Accessibility) Type() string { return TypeAccessibility }

// Analyze inspects the bundle DOM and reports accessibility findings.
func (a *Accessibility) Analyze(_ context.Context, bundle pipeline.Bundle) ([]pipeline.Finding, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(bundle.DOM))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var findings []pipeline.Finding

	if lang, ok := doc.Find("html").Attr("lang"); !ok || strings.TrimSpace(lang) == "" {
		findings = append(findings, pipeline.Finding{
			Severity:    pipeline.SeverityCritical,
			Description: "document is missing a lang attribute on <html>",
			Location:    "html",
		})
	}

	doc.Find("img").Each(func(i int, sel *goquery.Selection) {
		if _, ok := sel.Attr("alt"); !ok {
			findings = append(findings, pipeline.Finding{
				Severity:    pipeline.SeverityCritical,
				Description: "image has no alt attribute",
				Location:    elementLocation(sel, "img", i),
			})
		}
	})

	doc.Find("a").Each(func(i int, sel *goquery.Selection) {
		if accessibleName(sel) == "" {
			findings = append(findings, pipeline.Finding{
				Severity:    pipeline.SeverityWarning,
				Description: "link has no accessible name",
				Location:    elementLocation(sel, "a", i),
			})
		}
	})

	doc.Find("button").Each(func(i int, sel *goquery.Selection) {
		if accessibleName(sel) == "" {
			findings = append(findings, pipeline.Finding{
				Severity:    pipeline.SeverityWarning,
				Description: "button has no accessible name",
				Location:    elementLocation(sel, "button", i),
			})
		}
	})

	doc.Find("input").Each(func(i int, sel *goquery.Selection) {
		if inputType, _ := sel.Attr("type"); inputType == "hidden" || inputType == "submit" || inputType == "button" {
			return
		}
		if !inputLabeled(doc, sel) {
			findings = append(findings, pipeline.Finding{
				Severity:    pipeline.SeverityWarning,
				Description: "form input has no associated label",
				Location:    elementLocation(sel, "input", i),
			})
		}
	})

	doc.Find("iframe").Each(func(i int, sel *goquery.Selection) {
		if title, ok := sel.Attr("title"); !ok || strings.TrimSpace(title) == "" {
			findings = append(findings, pipeline.Finding{
				Severity:    pipeline.SeverityInfo,
				Description: "iframe has no title attribute",
				Location:    elementLocation(sel, "iframe", i),
			})
		}
	})

	return findings, nil
}

// accessibleName approximates the accessible name computation: visible text,
// aria-label, aria-labelledby, or a title attribute.
func accessibleName(sel *goquery.Selection) string {
	if text := strings.TrimSpace(sel.Text()); text != "" {
		return text
	}
	for _, attr := range []string{"aria-label", "aria-labelledby", "title"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	if alt := strings.TrimSpace(sel.Find("img[alt]").AttrOr("alt", "")); alt != "" {
		return alt
	}
	return ""
}

func inputLabeled(doc *goquery.Document, sel *goquery.Selection) bool {
	for _, attr := range []string{"aria-label", "aria-labelledby", "title"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	if id, ok := sel.Attr("id"); ok && id != "" {
		if doc.Find(fmt.Sprintf(`label[for=%q]`, id)).Length() > 0 {
			return true
		}
	}
	return sel.ParentsFiltered("label").Length() > 0
}

func elementLocation(sel *goquery.Selection, tag string, index int) string {
	if id, ok := sel.Attr("id"); ok && id != "" {
		return tag + "#" + id
	}
	return fmt.Sprintf("%s[%d]", tag, index)
}
