package analyzers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/pipeline"
)

func analyze(t *testing.T, a pipeline.Analyzer, html string) []pipeline.Finding {
	t.Helper()
	findings, err := a.Analyze(context.Background(), pipeline.Bundle{DOM: []byte(html)})
	require.NoError(t, err)
	return findings
}

func descriptions(findings []pipeline.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Description)
	}
	return out
}

func requireFinding(t *testing.T, findings []pipeline.Finding, fragment string) pipeline.Finding {
	t.Helper()
	for _, f := range findings {
		if strings.Contains(f.Description, fragment) {
			return f
		}
	}
	t.Fatalf("no finding containing %q in %v", fragment, descriptions(findings))
	return pipeline.Finding{}
}

func requireNoFinding(t *testing.T, findings []pipeline.Finding, fragment string) {
	t.Helper()
	for _, f := range findings {
		require.NotContains(t, f.Description, fragment)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := Default()
	require.Equal(t, []string{TypeAccessibility, TypePerformance, TypeSEO}, reg.Types())

	a, ok := reg.Get(TypeSEO)
	require.True(t, ok)
	require.Equal(t, TypeSEO, a.Type())

	_, ok = reg.Get("sentiment")
	require.False(t, ok)

	_, err := NewRegistry(NewSEO(), NewSEO())
	require.ErrorContains(t, err, "duplicate analyzer type")
}

func TestAccessibilityFlagsViolations(t *testing.T) {
	t.Parallel()

	html := `<html><head></head><body>
		<img src="logo.png">
		<a href="/about"></a>
		<button></button>
		<input type="text" name="q">
		<iframe src="embed.html"></iframe>
	</body></html>`

	findings := analyze(t, NewAccessibility(), html)

	require.Equal(t, pipeline.SeverityCritical, requireFinding(t, findings, "lang attribute").Severity)
	require.Equal(t, pipeline.SeverityCritical, requireFinding(t, findings, "no alt attribute").Severity)
	requireFinding(t, findings, "link has no accessible name")
	requireFinding(t, findings, "button has no accessible name")
	requireFinding(t, findings, "no associated label")
	requireFinding(t, findings, "iframe has no title")
}

func TestAccessibilityAcceptsLabeledDocument(t *testing.T) {
	t.Parallel()

	html := `<html lang="en"><head></head><body>
		<img src="logo.png" alt="Company logo">
		<a href="/about">About us</a>
		<button aria-label="Close dialog"></button>
		<label for="q">Search</label><input type="text" id="q" name="q">
		<input type="hidden" name="csrf">
	</body></html>`

	findings := analyze(t, NewAccessibility(), html)
	require.Empty(t, findings, descriptions(findings))
}

func TestSEOFlagsMissingEssentials(t *testing.T) {
	t.Parallel()

	html := `<html lang="en"><head><meta name="robots" content="noindex, nofollow"></head>
		<body><h1>One</h1><h1>Two</h1></body></html>`

	findings := analyze(t, NewSEO(), html)

	require.Equal(t, pipeline.SeverityCritical, requireFinding(t, findings, "no <title>").Severity)
	requireFinding(t, findings, "no meta description")
	requireFinding(t, findings, "marked noindex")
	requireFinding(t, findings, "2 <h1> elements")
	requireFinding(t, findings, "no canonical link")
}

func TestSEOAcceptsWellFormedHead(t *testing.T) {
	t.Parallel()

	html := `<html lang="en"><head>
		<title>Concise page title</title>
		<meta name="description" content="A short, useful description of the page.">
		<link rel="canonical" href="https://example.com/page">
	</head><body><h1>Heading</h1></body></html>`

	findings := analyze(t, NewSEO(), html)
	require.Empty(t, findings, descriptions(findings))
}

func TestSEOFlagsLongTitle(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>` + strings.Repeat("very long title ", 10) + `</title>
		<meta name="description" content="ok"><link rel="canonical" href="/x">
	</head><body><h1>h</h1></body></html>`

	findings := analyze(t, NewSEO(), html)
	f := requireFinding(t, findings, "longer than 60")
	require.Equal(t, pipeline.SeverityWarning, f.Severity)
}

func TestPerformanceFlagsHeavyPage(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`<html><head>`)
	b.WriteString(`<script src="blocking.js"></script>`)
	for i := 0; i < 30; i++ {
		b.WriteString(`<script src="lib.js"></script>`)
	}
	b.WriteString(`</head><body><img src="hero.jpg"></body></html>`)

	findings := analyze(t, NewPerformance(), b.String())

	requireFinding(t, findings, "external scripts")
	requireFinding(t, findings, "render-blocking")
	requireFinding(t, findings, "no explicit dimensions")
}

func TestPerformanceAcceptsLeanPage(t *testing.T) {
	t.Parallel()

	html := `<html><head>
		<script src="app.js" defer></script>
		<link rel="stylesheet" href="app.css">
	</head><body><img src="hero.jpg" width="800" height="400"></body></html>`

	findings := analyze(t, NewPerformance(), html)
	requireNoFinding(t, findings, "render-blocking")
	requireNoFinding(t, findings, "external scripts")
	requireNoFinding(t, findings, "no explicit dimensions")
}
