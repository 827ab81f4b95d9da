package engine

import (
	"context"
	"log"
)

// Template keys raised by the engine. Rendering and delivery live in the
// external notification layer.
const (
	TemplateWaiverReminder = "waiver_reminder"
	TemplateNoShowCustomer = "no_show_customer"
	TemplateNoShowMechanic = "no_show_mechanic"
)

// Notifier receives typed notification requests. Implementations must be
// safe for concurrent use; the sweep calls them from its own goroutine.
type Notifier interface {
	Notify(ctx context.Context, recipient, templateKey string, params map[string]any) error
}

// LogNotifier is the development implementation: it only logs.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, recipient, templateKey string, params map[string]any) error {
	log.Printf("notify %s template=%s params=%v", recipient, templateKey, params)
	return nil
}
