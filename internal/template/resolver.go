// Package template resolves and renders message content. Templates use
// {variable} placeholders; rendering happens once at enqueue time and
// the rendered body is stored on the message row.
package template

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// Store is the template lookup the resolver needs from the database.
type Store interface {
	GetTemplate(ctx context.Context, tenantID uuid.UUID, notificationType, channel string) (*db.Template, error)
}

// Rendered is the resolved content for one message.
type Rendered struct {
	Subject *string
	Body    string
}

// Resolver maps (tenant, notification type, channel) to rendered
// content, honoring tenant overrides with system-default fallback.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a template resolver.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// Resolve looks up the active template and substitutes variables.
// A placeholder with no matching variable is a validation error so bad
// enqueues are rejected synchronously instead of producing broken sends.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, notificationType, channel string, variables map[string]string) (*Rendered, error) {
	tmpl, err := r.store.GetTemplate(ctx, tenantID, notificationType, channel)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("template resolved",
		zap.String("tenant_id", tenantID.String()),
		zap.String("notification_type", notificationType),
		zap.String("channel", channel),
		zap.Bool("is_default", tmpl.IsDefault),
	)

	body, err := render(tmpl.Body, variables)
	if err != nil {
		return nil, err
	}

	rendered := &Rendered{Body: body}

	if tmpl.Subject != nil {
		subject, err := render(*tmpl.Subject, variables)
		if err != nil {
			return nil, err
		}
		rendered.Subject = &subject
	}

	return rendered, nil
}

// Variables lists the placeholder names a template body references.
func Variables(body string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, match := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

func render(text string, variables map[string]string) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := variables[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})

	if missing != "" {
		return "", errs.NewValidation("variables", "missing required variable "+missing)
	}

	return out, nil
}
