// Package analysis holds the page analysis model shared by the crawler, the
// AI engine, the selector generator and the test case generator.
package analysis

import "strings"

// Attribute keys captured for every element.
const (
	AttrID          = "id"
	AttrClass       = "class"
	AttrName        = "name"
	AttrTestID      = "data-testid"
	AttrAriaLabel   = "aria-label"
	AttrPlaceholder = "placeholder"
	AttrText        = "text"
)

// ApplicationAnalysis represents the analyzed structure of a web page.
// It is read-only once produced.
type ApplicationAnalysis struct {
	URL      string              `json:"url"`
	Title    string              `json:"title"`
	Elements []IdentifiedElement `json:"elements"`
	Patterns []Pattern           `json:"patterns"`
	Flows    []Flow              `json:"flows"`
	Metadata Metadata            `json:"metadata"`
}

// IdentifiedElement represents an interactive element captured on the page
type IdentifiedElement struct {
	Type       string     `json:"type"` // button, input, link, select, textarea, checkbox, radio
	Attributes Attributes `json:"attributes"`
	XPath      string     `json:"xpath"`
	CSSPath    string     `json:"cssPath,omitempty"`
}

// Attributes maps semantic keys (id, class, name, data-testid, aria-label,
// placeholder, text) to values. Every key is optional.
type Attributes map[string]string

// Get returns the value for key, or "" when absent.
func (a Attributes) Get(key string) string {
	if a == nil {
		return ""
	}
	return a[key]
}

// Classes splits the class attribute into its tokens.
func (a Attributes) Classes() []string {
	return strings.Fields(a.Get(AttrClass))
}

// Pattern is a recognised UI structure, such as a form or a navigation bar.
type Pattern struct {
	Type        string   `json:"type"` // form, navigation, search
	Description string   `json:"description"`
	Elements    []string `json:"elements,omitempty"` // xpaths of member elements
}

// Flow is a candidate user journey through the page.
type Flow struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

// Metadata describes how the page was captured.
type Metadata struct {
	Viewport Viewport `json:"viewport"`
	LoadTime int64    `json:"loadTime"` // milliseconds
	IsSPA    bool     `json:"isSPA"`
}

// Viewport is the browser viewport used during capture.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}
