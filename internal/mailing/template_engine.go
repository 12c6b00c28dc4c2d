// Package mailing resolves merge fields in communication content using the
// Liquid template language.
package mailing

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"github.com/osteele/liquid/render"
)

// CommandAll enables every registered command tag for a template.
const CommandAll = "all"

// TemplateService resolves Liquid merge fields. Parsed templates are cached
// by source text, so the per-recipient cost of a bulk send is one render.
// Command tags are custom Liquid tags that only run when the communication
// lists them in its enabled commands.
type TemplateService struct {
	engine   *liquid.Engine
	cache    sync.Map // map[string]*liquid.Template
	mu       sync.RWMutex
	commands map[string]bool
}

// NewTemplateService creates a template service with the custom filters and
// the built-in command tags registered.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{
		engine:   liquid.NewEngine(),
		commands: make(map[string]bool),
	}
	ts.registerCustomFilters()
	ts.RegisterCommand("appurl", appURLCommand)
	return ts
}

// RegisterCommand adds a command tag. Templates that use it without
// enabling it render a notice in its place instead of running it.
func (ts *TemplateService) RegisterCommand(name string, fn liquid.Renderer) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.engine.RegisterTag(name, fn)
	ts.commands[strings.ToLower(name)] = true
}

func (ts *TemplateService) registerCustomFilters() {
	// {{ first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	// {{ bio | truncate: 50 }}
	ts.engine.RegisterFilter("truncate", func(s string, length int) string {
		r := []rune(s)
		if len(r) <= length {
			return s
		}
		if length <= 3 {
			return string(r[:length])
		}
		return string(r[:length-3]) + "..."
	})

	// {{ email | urlencode }}
	ts.engine.RegisterFilter("urlencode", url.QueryEscape)

	// {{ user_input | escape }}
	ts.engine.RegisterFilter("escape", html.EscapeString)

	// {{ email | email_domain }}
	ts.engine.RegisterFilter("email_domain", func(email string) string {
		if at := strings.LastIndex(email, "@"); at >= 0 {
			return email[at+1:]
		}
		return ""
	})

	// {{ email | mask_email }}
	ts.engine.RegisterFilter("mask_email", func(email string) string {
		at := strings.LastIndex(email, "@")
		if at < 0 {
			return email
		}
		local, host := email[:at], email[at+1:]
		if len(local) <= 2 {
			return local + "***@" + host
		}
		return local[:2] + "***@" + host
	})

	// {% if name | present %}
	ts.engine.RegisterFilter("present", func(value interface{}) bool {
		if value == nil {
			return false
		}
		s := fmt.Sprintf("%v", value)
		return s != "" && s != "<nil>" && s != "0" && s != "false"
	})
}

var tagPattern = regexp.MustCompile(`\{%-?\s*(\w+)[^%]*?-?%\}`)

// gateCommands replaces uses of registered commands that are not enabled
// with a visible notice.
func (ts *TemplateService) gateCommands(text string, enabled []string) string {
	if !strings.Contains(text, "{%") {
		return text
	}
	allowed := make(map[string]bool, len(enabled))
	for _, c := range enabled {
		allowed[strings.ToLower(strings.TrimSpace(c))] = true
	}
	if allowed[CommandAll] {
		return text
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return tagPattern.ReplaceAllStringFunc(text, func(tag string) string {
		name := strings.ToLower(tagPattern.FindStringSubmatch(tag)[1])
		if !ts.commands[name] || allowed[name] {
			return tag
		}
		return fmt.Sprintf("The '%s' command is not enabled for this template.", name)
	})
}

// Resolve renders text against fields. Text without Liquid markup is
// returned unchanged without touching the engine.
func (ts *TemplateService) Resolve(text string, fields map[string]interface{}, enabledCommands []string) (string, error) {
	if !strings.Contains(text, "{{") && !strings.Contains(text, "{%") {
		return text, nil
	}
	text = ts.gateCommands(text, enabledCommands)
	return ts.Render(text, text, fields)
}

// Render processes a template with the given bindings, caching the parsed
// template under cacheKey when one is given.
func (ts *TemplateService) Render(cacheKey, templateStr string, fields map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cacheKey != "" {
		if cached, ok := ts.cache.Load(cacheKey); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, err := ts.engine.ParseString(templateStr)
		if err != nil {
			return templateStr, fmt.Errorf("parse template: %w", err)
		}
		tpl = parsed
		if cacheKey != "" {
			ts.cache.Store(cacheKey, tpl)
		}
	}

	out, err := tpl.RenderString(fields)
	if err != nil {
		return templateStr, fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// Parse compiles a template string and returns any syntax errors.
func (ts *TemplateService) Parse(templateStr string) error {
	_, err := ts.engine.ParseString(templateStr)
	return err
}

// ClearCache drops every cached template.
func (ts *TemplateService) ClearCache() {
	ts.cache.Range(func(k, _ interface{}) bool {
		ts.cache.Delete(k)
		return true
	})
}

// appURLCommand renders {% appurl "path" %} as an absolute link under the
// PublicAppRoot binding.
func appURLCommand(ctx render.Context) (string, error) {
	root, _ := ctx.Get("PublicAppRoot").(string)
	path := strings.Trim(strings.TrimSpace(ctx.TagArgs()), `"'`)
	return strings.TrimSuffix(root, "/") + "/" + strings.TrimPrefix(path, "/"), nil
}

var rootRelativeAttr = regexp.MustCompile(`(?i)(href|src)=(["'])/([^/])`)

// ResolveAppRelativeURLs rewrites "~/" prefixes and root-relative href/src
// attributes so links work outside the application.
func ResolveAppRelativeURLs(content, appRoot string) string {
	if appRoot == "" {
		return content
	}
	root := strings.TrimSuffix(appRoot, "/") + "/"
	content = strings.ReplaceAll(content, "~/", root)
	return rootRelativeAttr.ReplaceAllString(content, "${1}=${2}"+root+"${3}")
}
