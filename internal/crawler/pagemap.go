package crawler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/v0xg/uitestgen/internal/analysis"
)

// pageMap is the raw structure returned by extractPageJS.
type pageMap struct {
	URL      string       `json:"url"`
	Elements []rawElement `json:"elements"`
	Forms    []rawForm    `json:"forms"`
	Navs     []rawNav     `json:"navs"`
}

type rawElement struct {
	Type       string            `json:"type"`
	InputType  string            `json:"inputType"`
	XPath      string            `json:"xpath"`
	CSSPath    string            `json:"cssPath"`
	Attributes map[string]string `json:"attributes"`
}

type rawForm struct {
	XPath   string   `json:"xpath"`
	Role    string   `json:"role"`
	Label   string   `json:"label"`
	Members []string `json:"members"` // xpaths of captured elements
}

type rawNav struct {
	XPath string   `json:"xpath"`
	Label string   `json:"label"`
	Links []string `json:"links"`
}

func decodePage(data []byte) (*pageMap, error) {
	var p pageMap
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode page structure: %w", err)
	}
	return &p, nil
}

// buildAnalysis converts the raw page into an ApplicationAnalysis. Empty
// attribute values are dropped.
func buildAnalysis(p *pageMap, meta analysis.Metadata) *analysis.ApplicationAnalysis {
	a := &analysis.ApplicationAnalysis{
		URL:      p.URL,
		Elements: make([]analysis.IdentifiedElement, 0, len(p.Elements)),
		Patterns: []analysis.Pattern{},
		Flows:    []analysis.Flow{},
		Metadata: meta,
	}

	byXPath := make(map[string]analysis.IdentifiedElement, len(p.Elements))
	inputTypes := make(map[string]string, len(p.Elements))
	for _, raw := range p.Elements {
		if raw.XPath == "" {
			continue
		}
		attrs := analysis.Attributes{}
		for k, v := range raw.Attributes {
			if v = strings.TrimSpace(v); v != "" {
				attrs[k] = v
			}
		}
		el := analysis.IdentifiedElement{
			Type:       raw.Type,
			Attributes: attrs,
			XPath:      raw.XPath,
			CSSPath:    raw.CSSPath,
		}
		a.Elements = append(a.Elements, el)
		byXPath[el.XPath] = el
		inputTypes[el.XPath] = raw.InputType
	}

	for _, f := range p.Forms {
		members := knownMembers(f.Members, byXPath)
		if len(members) == 0 {
			continue
		}
		kind := "form"
		if isSearchForm(f, members, inputTypes) {
			kind = "search"
		}
		a.Patterns = append(a.Patterns, analysis.Pattern{
			Type:        kind,
			Description: describeForm(kind, f.Label, members),
			Elements:    xpaths(members),
		})
		if flow, ok := formFlow(kind, f.Label, members); ok {
			a.Flows = append(a.Flows, flow)
		}
	}

	for _, n := range p.Navs {
		links := knownMembers(n.Links, byXPath)
		if len(links) == 0 {
			continue
		}
		desc := fmt.Sprintf("Navigation with %d links", len(links))
		if n.Label != "" {
			desc = fmt.Sprintf("%s navigation with %d links", n.Label, len(links))
		}
		a.Patterns = append(a.Patterns, analysis.Pattern{
			Type:        "navigation",
			Description: desc,
			Elements:    xpaths(links),
		})
	}
	return a
}

func knownMembers(paths []string, byXPath map[string]analysis.IdentifiedElement) []analysis.IdentifiedElement {
	var out []analysis.IdentifiedElement
	for _, p := range paths {
		if el, ok := byXPath[p]; ok {
			out = append(out, el)
		}
	}
	return out
}

func xpaths(elements []analysis.IdentifiedElement) []string {
	out := make([]string, len(elements))
	for i, el := range elements {
		out[i] = el.XPath
	}
	return out
}

func isSearchForm(f rawForm, members []analysis.IdentifiedElement, inputTypes map[string]string) bool {
	if f.Role == "search" {
		return true
	}
	for _, el := range members {
		if inputTypes[el.XPath] == "search" {
			return true
		}
		name := strings.ToLower(el.Attributes.Get(analysis.AttrName))
		if name == "q" || name == "query" || name == "search" {
			return true
		}
	}
	return false
}

func isField(el analysis.IdentifiedElement) bool {
	switch el.Type {
	case "input", "textarea", "select", "checkbox", "radio":
		return true
	}
	return false
}

func describeForm(kind, label string, members []analysis.IdentifiedElement) string {
	fields := 0
	for _, el := range members {
		if isField(el) {
			fields++
		}
	}
	noun := "Form"
	if kind == "search" {
		noun = "Search form"
	}
	if label != "" {
		return fmt.Sprintf("%s %q with %d fields", noun, label, fields)
	}
	return fmt.Sprintf("%s with %d fields", noun, fields)
}

// formFlow derives a fill-and-submit flow from a form. Forms without a
// field or a submit control yield no flow.
func formFlow(kind, label string, members []analysis.IdentifiedElement) (analysis.Flow, bool) {
	var steps []string
	var submit string
	for _, el := range members {
		switch {
		case isField(el):
			name := elementLabel(el)
			if name == "" {
				continue
			}
			verb := "Fill in"
			switch el.Type {
			case "select":
				verb = "Choose"
			case "checkbox", "radio":
				verb = "Check"
			}
			steps = append(steps, verb+" "+name)
		case el.Type == "button" && submit == "":
			submit = elementLabel(el)
		}
	}
	if len(steps) == 0 || submit == "" {
		return analysis.Flow{}, false
	}
	steps = append(steps, "Click "+submit)

	name := "Submit " + submit
	switch {
	case kind == "search":
		name = "Search"
	case label != "":
		name = "Submit " + label
	}
	return analysis.Flow{Name: name, Steps: steps}, true
}

// elementLabel is the most human-readable identifier of el.
func elementLabel(el analysis.IdentifiedElement) string {
	for _, key := range []string{
		analysis.AttrText,
		analysis.AttrAriaLabel,
		analysis.AttrPlaceholder,
		analysis.AttrName,
		analysis.AttrID,
	} {
		if v := el.Attributes.Get(key); v != "" {
			return v
		}
	}
	return ""
}
