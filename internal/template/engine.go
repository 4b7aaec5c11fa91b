package template

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// tokenPattern matches {{key}} and {key}
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}|\{\s*([A-Za-z0-9_.\-]+)\s*\}`)

// Engine renders templates with data
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render substitutes tokens in subject and body. Unresolved tokens render empty.
// Values substituted into the HTML body are escaped.
func (e *Engine) Render(tmpl *Template, ctx *Context) (*RenderResult, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("nil template")
	}
	if ctx == nil {
		ctx = ContextFrom(nil)
	}

	return &RenderResult{
		Subject: Substitute(tmpl.Subject, ctx, false),
		HTML:    Substitute(tmpl.HTML, ctx, true),
	}, nil
}

// Validate checks that every opening brace pair is closed
func (e *Engine) Validate(tmpl *Template) error {
	if err := checkBraces(tmpl.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if err := checkBraces(tmpl.HTML); err != nil {
		return fmt.Errorf("invalid html template: %w", err)
	}
	return nil
}

// Substitute replaces tokens in s using ctx
func Substitute(s string, ctx *Context, escape bool) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		key := m[1]
		if key == "" {
			key = m[2]
		}
		v, _ := ctx.Lookup(key)
		if escape {
			return html.EscapeString(v)
		}
		return v
	})
}

func checkBraces(s string) error {
	for {
		i := strings.Index(s, "{{")
		if i < 0 {
			return nil
		}
		j := strings.Index(s[i+2:], "}}")
		if j < 0 {
			return fmt.Errorf("unclosed token at offset %d", i)
		}
		s = s[i+2+j+2:]
	}
}
