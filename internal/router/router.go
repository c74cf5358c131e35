// Package router dispatches flushed message batches to consumer handlers,
// grouped by kind.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chatflow/internal/domain"
	logx "chatflow/pkg/logx"
)

// Handler receives routed messages. One preserves the non-batched call
// contract; Many receives an ordered sub-list when buffering produced more
// than one message of a kind. Either func may be nil: the router falls back
// to the other form (fanning out per item, or wrapping a single item).
type Handler struct {
	One  func(ctx context.Context, m domain.Message) error
	Many func(ctx context.Context, ms []domain.Message) error
}

func (h Handler) empty() bool { return h.One == nil && h.Many == nil }

// Router owns the kind → handler table plus the reply and catch-all handlers.
type Router struct {
	log logx.Logger

	mu        sync.RWMutex
	kinds     map[domain.Kind]Handler
	reply     Handler
	catchAll  Handler
	buffering bool
}

// New builds a Router. buffering mirrors the coordinator mode: when false,
// handlers are always invoked with single messages even for multi-item
// batches.
func New(buffering bool, log logx.Logger) *Router {
	return &Router{
		log:       log,
		kinds:     map[domain.Kind]Handler{},
		buffering: buffering,
	}
}

// Handle registers the handler for one message kind, replacing any previous one.
func (r *Router) Handle(kind domain.Kind, h Handler) {
	r.mu.Lock()
	r.kinds[kind] = h
	r.mu.Unlock()
}

// HandleReply registers the handler that additionally receives every message
// carrying a reply reference, on top of its kind handler.
func (r *Router) HandleReply(h Handler) {
	r.mu.Lock()
	r.reply = h
	r.mu.Unlock()
}

// HandleUnknown registers the catch-all for kinds without a registered handler.
func (r *Router) HandleUnknown(h Handler) {
	r.mu.Lock()
	r.catchAll = h
	r.mu.Unlock()
}

// Dispatch routes one ordered batch. Kind groups preserve arrival order and
// are dispatched in first-seen order. Handler errors are collected per group;
// one failing group never prevents the others from being invoked.
func (r *Router) Dispatch(ctx context.Context, batch []domain.Message) error {
	if len(batch) == 0 {
		return nil
	}

	r.mu.RLock()
	kinds := make(map[domain.Kind]Handler, len(r.kinds))
	for k, h := range r.kinds {
		kinds[k] = h
	}
	reply, catchAll, buffering := r.reply, r.catchAll, r.buffering
	r.mu.RUnlock()

	var errs []error

	// Replies route to the dedicated handler in addition to their kind handler.
	if !reply.empty() {
		var replies []domain.Message
		for _, m := range batch {
			if m.IsReply() {
				replies = append(replies, m)
			}
		}
		if len(replies) > 0 {
			if err := r.invoke(ctx, reply, replies, buffering); err != nil {
				errs = append(errs, fmt.Errorf("reply handler: %w", err))
			}
		}
	}

	order, groups := groupByKind(batch)
	for _, kind := range order {
		h, ok := kinds[kind]
		if !ok || h.empty() {
			h = catchAll
		}
		if h.empty() {
			r.log.Debug("no handler for kind", logx.String("kind", string(kind)), logx.Int("dropped", len(groups[kind])))
			continue
		}
		if err := r.invoke(ctx, h, groups[kind], buffering); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", kind, err))
		}
	}

	return errors.Join(errs...)
}

// invoke applies the singleton/list rule: buffering disabled or a group of
// one means one call per item with a single message; otherwise one call with
// the whole ordered group.
func (r *Router) invoke(ctx context.Context, h Handler, group []domain.Message, buffering bool) error {
	if !buffering || len(group) == 1 {
		var errs []error
		for _, m := range group {
			if err := r.invokeOne(ctx, h, m); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	if h.Many != nil {
		return h.Many(ctx, group)
	}
	var errs []error
	for _, m := range group {
		if err := h.One(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) invokeOne(ctx context.Context, h Handler, m domain.Message) error {
	if h.One != nil {
		return h.One(ctx, m)
	}
	return h.Many(ctx, []domain.Message{m})
}

// groupByKind splits a batch into per-kind groups, each in arrival order,
// keyed and iterated in first-seen kind order.
func groupByKind(batch []domain.Message) ([]domain.Kind, map[domain.Kind][]domain.Message) {
	order := make([]domain.Kind, 0, 4)
	groups := make(map[domain.Kind][]domain.Message, 4)
	for _, m := range batch {
		kind := m.Kind
		if kind == "" {
			kind = domain.KindUnknown
		}
		if _, ok := groups[kind]; !ok {
			order = append(order, kind)
		}
		groups[kind] = append(groups[kind], m)
	}
	return order, groups
}
