// Package templates renders localized notification content.
package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrRender is returned when a template references a key the values do
// not provide.
var ErrRender = errors.New("template render failed")

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Rendered is the content to deliver.
type Rendered struct {
	Subject  string
	Body     string
	Event    string // event type actually rendered, after fallback
	Language string // language actually rendered, after fallback
}

// Resolver looks up and renders templates. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	table  *Table
	logger *zap.Logger
}

func NewResolver(table *Table, logger *zap.Logger) (*Resolver, error) {
	if table == nil {
		return nil, errors.New("template table is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("templates loaded",
		zap.String("templates_version", table.Version),
		zap.Int("events", len(table.Events)),
		zap.Strings("languages", table.Languages),
	)
	return &Resolver{table: table, logger: logger}, nil
}

// Version returns the loaded table version.
func (r *Resolver) Version() string {
	return r.table.Version
}

// Render resolves the template for eventType in language and substitutes
// values into its {key} placeholders. Unsupported languages render in the
// default language. Unknown event types render the default event in the
// default language. Every placeholder must have a value.
func (r *Resolver) Render(eventType, language string, values map[string]any) (Rendered, error) {
	lang := language
	if !r.table.supports(lang) {
		lang = r.table.DefaultLanguage
	}

	event, ok := r.table.Events[eventType]
	resolvedEvent := eventType
	if !ok {
		r.logger.Warn("unknown event type, using default template",
			zap.String("event_type", eventType),
			zap.String("default_event", r.table.DefaultEvent),
		)
		event = r.table.Events[r.table.DefaultEvent]
		resolvedEvent = r.table.DefaultEvent
		lang = r.table.DefaultLanguage
	}

	subjectTmpl, ok := event.Subject[lang]
	if !ok {
		lang = r.table.DefaultLanguage
		subjectTmpl = event.Subject[lang]
	}
	bodyTmpl, ok := event.Body[lang]
	if !ok {
		bodyTmpl = event.Body[r.table.DefaultLanguage]
	}

	subject, missingSubject := substitute(subjectTmpl, values)
	body, missingBody := substitute(bodyTmpl, values)
	if missing := mergeMissing(missingSubject, missingBody); len(missing) > 0 {
		return Rendered{}, fmt.Errorf("%w: event %q (%s) missing %s",
			ErrRender, resolvedEvent, lang, strings.Join(missing, ", "))
	}

	r.logger.Debug("template rendered",
		zap.String("event_type", resolvedEvent),
		zap.String("language", lang),
		zap.String("templates_version", r.table.Version),
	)

	return Rendered{
		Subject:  subject,
		Body:     body,
		Event:    resolvedEvent,
		Language: lang,
	}, nil
}

func substitute(tmpl string, values map[string]any) (string, []string) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := values[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return format(v)
	})
	return out, missing
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func mergeMissing(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, k := range append(a, b...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
