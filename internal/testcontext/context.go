// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package testcontext implements a context for testing with a scratch
// directory and tracked goroutines.
package testcontext

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context extends context.Context with a per-test scratch directory and an
// error group for goroutines whose failures should fail the test.
type Context struct {
	context.Context

	cancel context.CancelFunc
	group  *errgroup.Group
	test   testing.TB

	directory string
}

// New creates a test context with a default timeout.
func New(test testing.TB) *Context {
	return NewWithTimeout(test, defaultTimeout)
}

// NewWithTimeout creates a test context that cancels after timeout.
func NewWithTimeout(test testing.TB, timeout time.Duration) *Context {
	parent, cancel := context.WithTimeout(context.Background(), timeout)
	group, ctx := errgroup.WithContext(parent)
	return &Context{
		Context:   ctx,
		cancel:    cancel,
		group:     group,
		test:      test,
		directory: test.TempDir(),
	}
}

// Go runs fn in a tracked goroutine; its error is checked in Cleanup.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir creates and returns a subdirectory inside the scratch directory.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a path inside the scratch directory, creating parents.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one path element")
	}
	return filepath.Join(ctx.Dir(subs[:len(subs)-1]...), subs[len(subs)-1])
}

// Cleanup cancels the context, waits for tracked goroutines, and checks
// their errors. The scratch directory is removed by the testing package.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	ctx.cancel()
	if err := ctx.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		ctx.test.Fatal(err)
	}
}
