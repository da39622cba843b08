package app

import (
	"context"

	"conduction/internal/observability/debughttp"
)

// debugSource exposes the running app to the debug endpoint.
type debugSource struct{ a *App }

var _ debughttp.Source = debugSource{}

func (d debugSource) Healthy() error { return d.a.Err() }

func (d debugSource) Status(ctx context.Context) (any, error) { return d.a.admin.Stats(ctx) }

func (d debugSource) Run(id string) (any, bool) { return d.a.admin.Run(id) }
