// Package memberdir provides the middleware chain shared by the member
// directory's HTTP and gRPC servers.
package memberdir

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
)

// Middleware defines the interface for gRPC middleware
// It wraps a UnaryHandler and returns a new UnaryHandler
type Middleware func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)

// HTTPMiddleware wraps an http.Handler
type HTTPMiddleware func(next http.Handler) http.Handler

// Chain represents a chain of middleware for both transports
type Chain struct {
	middlewares     []Middleware
	httpMiddlewares []HTTPMiddleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	c.middlewares = append(middlewares, c.middlewares...)
	return c
}

// AppendHTTP adds HTTP middleware to the end of the chain
func (c *Chain) AppendHTTP(middlewares ...HTTPMiddleware) *Chain {
	c.httpMiddlewares = append(c.httpMiddlewares, middlewares...)
	return c
}

// UnaryInterceptor returns a gRPC UnaryServerInterceptor that executes the middleware chain
func (c *Chain) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		currentHandler := handler

		// Apply middleware in reverse order so they execute in the correct order
		for i := len(c.middlewares) - 1; i >= 0; i-- {
			middleware := c.middlewares[i]
			next := currentHandler

			currentHandler = func(ctx context.Context, req interface{}) (interface{}, error) {
				return middleware(ctx, req, info, next)
			}
		}

		return currentHandler(ctx, req)
	}
}

// ServerOption returns the gRPC ServerOptions installing the chain
func (c *Chain) ServerOption() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(c.UnaryInterceptor()),
	}
}

// Handler wraps h with the HTTP middleware; the first appended runs outermost
func (c *Chain) Handler(h http.Handler) http.Handler {
	for i := len(c.httpMiddlewares) - 1; i >= 0; i-- {
		h = c.httpMiddlewares[i](h)
	}
	return h
}
