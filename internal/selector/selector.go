// Package selector synthesizes robust selectors for captured page elements.
//
// A selector returned by Generator, evaluated against the element set it was
// generated from, matches exactly the target element. The only exception is
// the xpath fallback, which is the element's own captured xpath.
package selector

import (
	"regexp"
	"strings"

	"github.com/v0xg/uitestgen/internal/analysis"
)

// Strategy names reported by GenerateWithStrategy.
const (
	StrategyTestID    = "data-testid"
	StrategyID        = "id"
	StrategyAriaLabel = "aria-label"
	StrategyName      = "name"
	StrategyClass     = "class"
	StrategyText      = "text-content"
	StrategyRefined   = "refined"
	StrategyXPath     = "xpath"
)

// Generator holds no state and is safe for concurrent use.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

type candidate struct {
	name  string
	build func(el analysis.IdentifiedElement) string
}

// strategies are tried in priority order; an empty build result means the
// strategy does not apply to the element.
var strategies = []candidate{
	{StrategyTestID, func(el analysis.IdentifiedElement) string {
		return attrSelector(analysis.AttrTestID, el.Attributes.Get(analysis.AttrTestID))
	}},
	{StrategyID, func(el analysis.IdentifiedElement) string {
		return idSelector(el.Attributes.Get(analysis.AttrID))
	}},
	{StrategyAriaLabel, func(el analysis.IdentifiedElement) string {
		return attrSelector(analysis.AttrAriaLabel, el.Attributes.Get(analysis.AttrAriaLabel))
	}},
	{StrategyName, func(el analysis.IdentifiedElement) string {
		return attrSelector(analysis.AttrName, el.Attributes.Get(analysis.AttrName))
	}},
	{StrategyClass, func(el analysis.IdentifiedElement) string {
		classes := el.Attributes.Classes()
		if len(classes) == 0 {
			return ""
		}
		return "." + EscapeIdent(classes[0])
	}},
	{StrategyText, func(el analysis.IdentifiedElement) string {
		if !isTextTarget(el.Type) {
			return ""
		}
		return TextSelector(el.Attributes.Get(analysis.AttrText))
	}},
}

// Generate returns the most robust selector that uniquely identifies target
// within all.
func (g *Generator) Generate(target analysis.IdentifiedElement, all []analysis.IdentifiedElement) string {
	sel, _ := g.GenerateWithStrategy(target, all)
	return sel
}

// GenerateWithStrategy is Generate, also reporting which strategy produced
// the selector.
func (g *Generator) GenerateWithStrategy(target analysis.IdentifiedElement, all []analysis.IdentifiedElement) (string, string) {
	for _, s := range strategies {
		sel := s.build(target)
		if sel == "" {
			continue
		}
		if g.Validate(sel, target, all) {
			return sel, s.name
		}
	}
	if sel, ok := g.refine(target, all); ok {
		return sel, StrategyRefined
	}
	return target.XPath, StrategyXPath
}

// Validate reports whether sel is non-positional and matches exactly one
// element of all, that element being target.
func (g *Generator) Validate(sel string, target analysis.IdentifiedElement, all []analysis.IdentifiedElement) bool {
	if strings.TrimSpace(sel) == "" {
		return false
	}
	if IsPositional(sel) {
		return false
	}
	matched := Match(sel, all)
	if len(matched) != 1 {
		return false
	}
	return SameElement(matched[0], target)
}

// Refine tries compound selectors for target and falls back to its xpath.
func (g *Generator) Refine(target analysis.IdentifiedElement, all []analysis.IdentifiedElement) string {
	if sel, ok := g.refine(target, all); ok {
		return sel
	}
	return target.XPath
}

func (g *Generator) refine(target analysis.IdentifiedElement, all []analysis.IdentifiedElement) (string, bool) {
	for _, sel := range refinements(target) {
		if sel == "" {
			continue
		}
		if g.Validate(sel, target, all) {
			return sel, true
		}
	}
	return "", false
}

func refinements(el analysis.IdentifiedElement) []string {
	tag := el.Type
	if !validTag(tag) {
		tag = ""
	}
	attrs := el.Attributes
	classes := attrs.Classes()

	typed := func(suffix string) string {
		if tag == "" || suffix == "" {
			return ""
		}
		return tag + suffix
	}

	var firstClass, multiClass, namePlaceholder string
	if len(classes) > 0 {
		firstClass = "." + EscapeIdent(classes[0])
	}
	if len(classes) > 1 {
		escaped := make([]string, len(classes))
		for i, c := range classes {
			escaped[i] = EscapeIdent(c)
		}
		multiClass = "." + strings.Join(escaped, ".")
	}
	if name, ph := attrs.Get(analysis.AttrName), attrs.Get(analysis.AttrPlaceholder); name != "" && ph != "" {
		namePlaceholder = attrSelector(analysis.AttrName, name) + attrSelector(analysis.AttrPlaceholder, ph)
	}

	return []string{
		typed(attrSelector(analysis.AttrTestID, attrs.Get(analysis.AttrTestID))),
		typed(idSelector(attrs.Get(analysis.AttrID))),
		typed(attrSelector(analysis.AttrName, attrs.Get(analysis.AttrName))),
		typed(attrSelector(analysis.AttrAriaLabel, attrs.Get(analysis.AttrAriaLabel))),
		typed(firstClass),
		multiClass,
		typed(namePlaceholder),
	}
}

var (
	positionalPattern = regexp.MustCompile(`nth-child\(|nth-of-type\(|first-child|last-child|\[\s*\d+\s*\]`)
	quotedPattern     = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
)

// IsPositional reports whether sel depends on sibling order or an index.
// Quoted attribute and text values are ignored.
func IsPositional(sel string) bool {
	return positionalPattern.MatchString(quotedPattern.ReplaceAllString(sel, `""`))
}

// keyAttributes identify the same logical element across captures.
var keyAttributes = []string{analysis.AttrID, analysis.AttrName, analysis.AttrTestID, analysis.AttrAriaLabel}

// SameElement compares by xpath, then by a shared key attribute, then by text.
func SameElement(a, b analysis.IdentifiedElement) bool {
	if a.XPath != "" && a.XPath == b.XPath {
		return true
	}
	for _, key := range keyAttributes {
		if v := a.Attributes.Get(key); v != "" && v == b.Attributes.Get(key) {
			return true
		}
	}
	text := a.Attributes.Get(analysis.AttrText)
	return text != "" && text == b.Attributes.Get(analysis.AttrText)
}

func isTextTarget(elementType string) bool {
	switch strings.ToLower(elementType) {
	case "button", "link", "a":
		return true
	}
	return false
}

func validTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' && i > 0 || c == '-' && i > 0) {
			return false
		}
	}
	return true
}

func attrSelector(key, value string) string {
	if value == "" {
		return ""
	}
	return "[" + key + `="` + escapeQuoted(value) + `"]`
}

func idSelector(id string) string {
	if id == "" {
		return ""
	}
	return "#" + EscapeIdent(id)
}

// TextSelector returns the text-based XPath for text, or "" when text is empty.
func TextSelector(text string) string {
	if text == "" {
		return ""
	}
	return `//*[text()="` + escapeQuoted(text) + `"]`
}

func escapeQuoted(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
