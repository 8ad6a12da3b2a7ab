package templates

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/events"
)

var (
	// keyPattern matches the innermost {{key}}, so "{{{a}}}" keeps its outer braces.
	keyPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	// leftoverPattern matches any placeholder syntax still present after substitution.
	leftoverPattern = regexp.MustCompile(`\{\{.*?\}\}`)
)

type Resolver struct {
	catalogue Catalogue
	logger    zerolog.Logger
}

func NewResolver(catalogue Catalogue, logger zerolog.Logger) *Resolver {
	return &Resolver{catalogue: catalogue, logger: logger}
}

// Resolve returns the template set of e, or DefaultSet when the catalogue has
// none. It never fails.
func (r *Resolver) Resolve(e events.Event) Set {
	set, ok := r.catalogue[e]
	if !ok {
		r.logger.Warn().Str("event", string(e)).Msg("no template for event, using default")
		return DefaultSet
	}
	return set
}

// Render replaces every {{key}} with the string form of data[key]; nil and
// absent values render empty. Substituted values are never expanded, and any
// placeholder syntax left afterwards, including syntax carried in by a value,
// is deleted.
func Render(tpl string, data map[string]any) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	out := keyPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		v, ok := data[match[2:len(match)-2]]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
	for leftoverPattern.MatchString(out) {
		out = leftoverPattern.ReplaceAllString(out, "")
	}
	return out
}
