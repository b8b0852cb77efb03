// Package report renders analyses into sectioned, versioned report
// artifacts from templates, with a partial-data variant for incomplete
// inputs.
package report

import (
	"regexp"
	"strings"
)

// RepeatCompetitors marks a section that expands once per competitor
// assessment.
const RepeatCompetitors = "competitors"

// SectionTemplate is one section of a template. Body holds named
// placeholders of the form {{name}}. A Repeat group renders the body once
// per list element with the element's values in scope.
type SectionTemplate struct {
	ID     string
	Title  string
	Body   string
	Repeat string
}

// Template is an ordered list of section templates.
type Template struct {
	ID       string
	Name     string
	Sections []SectionTemplate
}

// Context carries the values a render substitutes: flat placeholders plus
// named repeating groups.
type Context struct {
	Values map[string]string
	Groups map[string][]map[string]string
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// render substitutes placeholders in body from values; unknown
// placeholders render empty.
func render(body string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		key := m[2 : len(m)-2]
		return values[key]
	})
}

// RenderSection produces the section's content. Repeating sections render
// the body once per group element, joined by blank lines; group values
// shadow the flat ones.
func (s SectionTemplate) RenderSection(ctx Context) string {
	if s.Repeat == "" {
		return strings.TrimSpace(render(s.Body, ctx.Values))
	}

	group := ctx.Groups[s.Repeat]
	if len(group) == 0 {
		return ""
	}
	parts := make([]string, 0, len(group))
	for _, elem := range group {
		merged := make(map[string]string, len(ctx.Values)+len(elem))
		for k, v := range ctx.Values {
			merged[k] = v
		}
		for k, v := range elem {
			merged[k] = v
		}
		parts = append(parts, strings.TrimSpace(render(s.Body, merged)))
	}
	return strings.Join(parts, "\n\n")
}

// DefaultTemplate is the built-in comparative report layout.
func DefaultTemplate() *Template {
	return &Template{
		ID:   "comparative_default",
		Name: "Comparative Intelligence Report",
		Sections: []SectionTemplate{
			{
				ID:    "executive_summary",
				Title: "Executive Summary",
				Body: `**{{productName}}** holds a **{{overallPosition}}** position in its market.

{{narrative}}

Opportunity score: {{opportunityScore}}/100. Confidence: {{confidenceScore}}/100.`,
			},
			{
				ID:    "key_findings",
				Title: "Key Findings",
				Body:  `{{keyFindings}}`,
			},
			{
				ID:     "competitive_intelligence",
				Title:  "Competitive Intelligence",
				Repeat: RepeatCompetitors,
				Body: `### {{competitorName}}

Position: {{position}} (data quality: {{dataQuality}})

Strengths:
{{strengths}}

Weaknesses:
{{weaknesses}}`,
			},
			{
				ID:    "strategic_recommendations",
				Title: "Strategic Recommendations",
				Body: `**Immediate**
{{immediateRecs}}

**Short term**
{{shortTermRecs}}

**Long term**
{{longTermRecs}}`,
			},
		},
	}
}

// bulletList renders items as a markdown list; a placeholder line when
// empty so the section never renders blank.
func bulletList(items []string) string {
	if len(items) == 0 {
		return "- None identified."
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}
