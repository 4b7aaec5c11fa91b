package template

import (
	"fmt"
	"strings"
)

// Template is the subject and HTML body of a campaign step
type Template struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Context holds substitution variables. Lookups ignore case.
type Context struct {
	values map[string]string
	folded map[string]string
}

// NewContext merges custom fields with the fixed lead fields. Fixed fields win on collision.
func NewContext(email, name, companyName string, custom map[string]any) *Context {
	vars := make(map[string]any, len(custom)+3)
	for k, v := range custom {
		vars[k] = v
	}
	vars["email"] = email
	vars["name"] = name
	vars["companyName"] = companyName

	// a custom key differing only in case must not shadow a fixed field
	for k := range custom {
		switch strings.ToLower(k) {
		case "email", "name", "companyname":
			if k != "email" && k != "name" && k != "companyName" {
				delete(vars, k)
			}
		}
	}
	return ContextFrom(vars)
}

// ContextFrom builds a context from arbitrary variables
func ContextFrom(vars map[string]any) *Context {
	c := &Context{
		values: make(map[string]string, len(vars)),
		folded: make(map[string]string, len(vars)),
	}
	for k, v := range vars {
		s := stringify(v)
		c.values[k] = s
		c.folded[strings.ToLower(k)] = s
	}
	return c
}

// companyAlias lets {company} resolve the fixed companyName field
const companyAlias = "company"

// Lookup resolves a token key: exact match first, then case-insensitive.
// {company} falls back to companyName.
func (c *Context) Lookup(key string) (string, bool) {
	if v, ok := c.values[key]; ok {
		return v, true
	}
	lower := strings.ToLower(key)
	if v, ok := c.folded[lower]; ok {
		return v, true
	}
	if lower == companyAlias {
		if v, ok := c.folded["companyname"]; ok {
			return v, true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; print integers without exponent
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}
