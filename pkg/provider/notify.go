package provider

import (
	"context"

	"github.com/openconverge/openconverge/pkg/catalog"
)

// NotifyProvider implements the notify resource type: it enforces nothing
// and always reports a change carrying its message, which makes it useful
// for surfacing values in reports and for exercising refresh edges.
type NotifyProvider struct{}

// NewNotifyProvider creates a notify provider.
func NewNotifyProvider() *NotifyProvider {
	return &NotifyProvider{}
}

// Read has no observable state.
func (p *NotifyProvider) Read(_ context.Context, _ *catalog.Resource, _ map[string]any) (map[string]any, error) {
	return nil, nil
}

// Plan reports the message a notify resource would emit.
func (p *NotifyProvider) Plan(_ context.Context, res *catalog.Resource, params, _ map[string]any) (*Result, error) {
	return &Result{
		Changed: true,
		New:     p.message(res, params),
		Message: "would define message",
	}, nil
}

// Apply reports the message as a change.
func (p *NotifyProvider) Apply(_ context.Context, res *catalog.Resource, params map[string]any, _ map[string]any) (*Result, error) {
	message := p.message(res, params)
	return &Result{
		Changed: true,
		New:     message,
		Message: "defined message",
	}, nil
}

// Refresh re-emits the message; refreshing a notify resource is a no-op
// beyond the event it produces.
func (p *NotifyProvider) Refresh(_ context.Context, _ *catalog.Resource, _ map[string]any) error {
	return nil
}

func (p *NotifyProvider) message(res *catalog.Resource, params map[string]any) any {
	if msg, ok := params["message"]; ok {
		return msg
	}
	return res.Title
}
