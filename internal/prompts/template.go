package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Built-in template names
const (
	CaptionTemplate = "caption"
	PromptTemplate  = "prompt"
)

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with variables
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// TemplateContext holds variables for template rendering
type TemplateContext struct {
	TriggerWord string
	Subject     string // caption subject derived from a file name
	Prompt      string // user prompt for inference

	Custom map[string]string
}

// NewTemplateEngine creates a new template engine
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: make(map[string]*Template),
	}
}

// NewDefaultEngine returns an engine with the caption and prompt templates registered
func NewDefaultEngine(captionTemplate, promptTemplate string) (*TemplateEngine, error) {
	e := NewTemplateEngine()
	defaults := []*Template{
		{
			Name:        CaptionTemplate,
			Content:     captionTemplate,
			Description: "Caption attached to each training image",
		},
		{
			Name:        PromptTemplate,
			Content:     promptTemplate,
			Description: "Prompt sent to the trained model",
		},
	}
	for _, tmpl := range defaults {
		if err := e.RegisterTemplate(tmpl); err != nil {
			return nil, fmt.Errorf("failed to register template %s: %w", tmpl.Name, err)
		}
	}
	return e, nil
}

// RegisterTemplate registers a new template
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is empty")
	}
	if strings.TrimSpace(tmpl.Content) == "" {
		return fmt.Errorf("template %s is empty", tmpl.Name)
	}
	tmpl.Variables = ParseTemplateVariables(tmpl.Content)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.templates[tmpl.Name] = tmpl
	return nil
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Render renders a template with the given context
func (e *TemplateEngine) Render(templateName string, ctx *TemplateContext) (string, error) {
	tmpl, err := e.GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	return e.renderTemplate(tmpl, ctx), nil
}

// RequireVariable fails unless the named template references varName
func (e *TemplateEngine) RequireVariable(templateName, varName string) error {
	tmpl, err := e.GetTemplate(templateName)
	if err != nil {
		return err
	}
	for _, v := range tmpl.Variables {
		if v == varName {
			return nil
		}
	}
	return fmt.Errorf("template %s does not reference {{%s}}", templateName, varName)
}

// renderTemplate substitutes known variables. Known variables with empty
// values render as nothing; unknown placeholders are kept verbatim.
func (e *TemplateEngine) renderTemplate(tmpl *Template, ctx *TemplateContext) string {
	result := varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		varName := varRegex.FindStringSubmatch(match)[1]
		value, ok := getVariableValue(ctx, varName)
		if ok {
			return value
		}
		return match
	})

	return tidy(result)
}

func getVariableValue(ctx *TemplateContext, varName string) (string, bool) {
	switch varName {
	case "trigger_word":
		return ctx.TriggerWord, true
	case "subject":
		return ctx.Subject, true
	case "prompt":
		return ctx.Prompt, true
	default:
		if ctx.Custom != nil {
			if val, ok := ctx.Custom[varName]; ok {
				return val, true
			}
		}
		return "", false
	}
}

// tidy collapses whitespace left behind by empty variables
func tidy(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, " ,", ",")
}

// RenderAll renders every raw template string with the same context
func RenderAll(raw []string, ctx *TemplateContext) []string {
	e := NewTemplateEngine()
	out := make([]string, 0, len(raw))
	for _, content := range raw {
		out = append(out, e.renderTemplate(&Template{Content: content}, ctx))
	}
	return out
}

// ParseTemplateVariables extracts the sorted, unique variables of a template
func ParseTemplateVariables(templateContent string) []string {
	matches := varRegex.FindAllStringSubmatch(templateContent, -1)

	uniqueVars := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueVars[match[1]] = true
		}
	}

	vars := make([]string, 0, len(uniqueVars))
	for v := range uniqueVars {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	return vars
}
