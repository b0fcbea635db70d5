package runner

import (
	"io"
	"time"

	logx "github.com/ogios/interval-task/pkg/logx"
)

// NewWithContext returns an Internal runner whose task receives a per-run
// context. newCtx is called once, on the loop goroutine, when the runner
// starts; the context lives until the loop exits. If the context (or a
// pointer to it) implements io.Closer, it is closed on exit.
func NewWithContext[C any](interval time.Duration, newCtx func() C, fn func(ctx *C) bool, opts ...Option) (*Internal, error) {
	if newCtx == nil || fn == nil {
		return nil, ErrNoTask
	}
	r, err := NewInternal(interval, opts...)
	if err != nil {
		return nil, err
	}
	log := r.cfg.log
	if err := r.setBinder(func() (func() bool, func()) {
		ctx := newCtx()
		return func() bool { return fn(&ctx) }, func() { releaseContext(log, &ctx) }
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// NewExternalWithContext is the External counterpart of NewWithContext.
func NewExternalWithContext[C any](interval time.Duration, newCtx func() C, fn func(ctx *C), opts ...Option) (*External, error) {
	if newCtx == nil || fn == nil {
		return nil, ErrNoTask
	}
	r, err := NewExternal(interval, opts...)
	if err != nil {
		return nil, err
	}
	log := r.cfg.log
	if err := r.setBinder(func() (func() bool, func()) {
		ctx := newCtx()
		return func() bool {
			fn(&ctx)
			return false
		}, func() { releaseContext(log, &ctx) }
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func releaseContext[C any](log logx.Logger, ctx *C) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("context close panicked", logx.Any("panic", r))
		}
	}()
	var c io.Closer
	if v, ok := any(*ctx).(io.Closer); ok {
		c = v
	} else if v, ok := any(ctx).(io.Closer); ok {
		c = v
	}
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("context close failed", logx.Err(err))
	}
}
