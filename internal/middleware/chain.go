package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

type layer struct {
	name string
	mw   Middleware
}

// Builder assembles the gateway's outer layers in the order they run.
type Builder struct {
	layers []layer
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends a named layer. Layers added first run outermost.
func (b *Builder) Use(name string, m Middleware) *Builder {
	b.layers = append(b.layers, layer{name: name, mw: m})
	return b
}

// UseIf appends the layer only when enabled is true.
func (b *Builder) UseIf(enabled bool, name string, m Middleware) *Builder {
	if enabled {
		return b.Use(name, m)
	}
	return b
}

// Names lists the enabled layers, outermost first.
func (b *Builder) Names() []string {
	names := make([]string, len(b.layers))
	for i, l := range b.layers {
		names[i] = l.name
	}
	return names
}

// Handler wraps h with every layer. A nil h answers 404.
func (b *Builder) Handler(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(b.layers) - 1; i >= 0; i-- {
		h = b.layers[i].mw(h)
	}
	return h
}
