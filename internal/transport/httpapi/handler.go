// Package httpapi exposes the inbound webhook and the broadcast API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"chatflow/internal/broadcast"
	"chatflow/internal/domain"
	"chatflow/internal/inbound"
	"chatflow/internal/storage"
	logx "chatflow/pkg/logx"
)

// Handler holds all HTTP handlers for the gateway.
type Handler struct {
	// base bounds background broadcast jobs. fasthttp recycles the request
	// context the moment a handler returns, so work that outlives the
	// request must never hold it.
	base  context.Context
	coord *inbound.Coordinator
	disp  *broadcast.Service
	store storage.Store // may be nil (archive disabled)
	log   logx.Logger
}

// NewHandler wires up a Handler with its dependencies. base is the daemon
// lifetime; started broadcasts stop issuing work when it is cancelled.
func NewHandler(base context.Context, coord *inbound.Coordinator, disp *broadcast.Service, store storage.Store, log logx.Logger) *Handler {
	if base == nil {
		base = context.Background()
	}
	return &Handler{base: base, coord: coord, disp: disp, store: store, log: log}
}

// Register mounts all routes onto the given Fiber router.
func (h *Handler) Register(router fiber.Router) {
	router.Post("/messages", h.ReceiveMessage)
	router.Post("/broadcasts", h.CreateBroadcast)
	router.Post("/broadcasts/personalized", h.CreatePersonalized)
	router.Get("/broadcasts/:id", h.GetBroadcast)
	router.Get("/broadcasts/:id/progress", h.GetProgress)
	router.Post("/broadcasts/:id/abort", h.AbortBroadcast)
	router.Get("/broadcasts", h.ListBroadcasts)
}

// ── Inbound webhook ───────────────────────────────────────────────────────────

type receiveMessageRequest struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Body    string `json:"body"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// ReceiveMessage accepts one inbound message and feeds it to the aggregation
// buffer for its sender key.
//
// POST /messages
// Body: { "key": "...", "kind": "text", "body": "...", "reply_to": "..." }
func (h *Handler) ReceiveMessage(c *fiber.Ctx) error {
	var req receiveMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Key == "" || req.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key and body are required"})
	}

	kind := domain.Kind(req.Kind)
	if kind == "" {
		kind = domain.KindText
	}
	msg := domain.NewMessage(req.Key, kind, req.Body)
	msg.ReplyTo = req.ReplyTo

	h.coord.OnMessage(req.Key, msg)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message_id": msg.ID, "buffered": h.coord.Pending(req.Key)})
}

// ── Broadcast API ─────────────────────────────────────────────────────────────

type broadcastOptions struct {
	BatchSize           int    `json:"batch_size,omitempty"`
	ConcurrencyLimit    int    `json:"concurrency_limit,omitempty"`
	DelayBetweenBatches string `json:"delay_between_batches,omitempty"` // Go duration string
	StopOnError         bool   `json:"stop_on_error,omitempty"`
}

func (o broadcastOptions) resolve() (broadcast.Options, error) {
	opts := broadcast.Options{
		BatchSize:        o.BatchSize,
		ConcurrencyLimit: o.ConcurrencyLimit,
		StopOnError:      o.StopOnError,
	}
	if o.DelayBetweenBatches != "" {
		d, err := time.ParseDuration(o.DelayBetweenBatches)
		if err != nil {
			return opts, err
		}
		opts.DelayBetweenBatches = d
	}
	return opts, nil
}

type createBroadcastRequest struct {
	Recipients []string         `json:"recipients"`
	Body       string           `json:"body"`
	Options    broadcastOptions `json:"options"`
}

type createBroadcastResponse struct {
	JobID string `json:"job_id"`
	Total int    `json:"total"`
}

// CreateBroadcast starts a uniform broadcast and returns its job id.
//
// POST /broadcasts
// Body: { "recipients": [...], "body": "...", "options": {...} }
func (h *Handler) CreateBroadcast(c *fiber.Ctx) error {
	var req createBroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	opts, err := req.Options.resolve()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid options: " + err.Error()})
	}

	recipients := make([]domain.Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, domain.Recipient(r))
	}

	job, err := h.disp.StartDispatch(h.base, recipients, domain.Payload{Body: req.Body}, opts)
	if err != nil {
		return badRequestOrInternal(c, h.log, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(createBroadcastResponse{JobID: job.ID, Total: job.Total})
}

type personalizedRecipient struct {
	To        string            `json:"to"`
	Variables map[string]string `json:"variables,omitempty"`
}

type createPersonalizedRequest struct {
	Recipients []personalizedRecipient `json:"recipients"`
	Template   struct {
		Name string `json:"name"`
		Body string `json:"body"`
	} `json:"template"`
	Options broadcastOptions `json:"options"`
}

// CreatePersonalized starts a template broadcast with per-recipient variables.
//
// POST /broadcasts/personalized
func (h *Handler) CreatePersonalized(c *fiber.Ctx) error {
	var req createPersonalizedRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	opts, err := req.Options.resolve()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid options: " + err.Error()})
	}

	recipients := make([]domain.PersonalizedRecipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, domain.PersonalizedRecipient{
			Recipient: domain.Recipient(r.To),
			Variables: r.Variables,
		})
	}
	tmpl := domain.Template{Name: req.Template.Name, Body: req.Template.Body}

	job, err := h.disp.StartPersonalized(h.base, recipients, tmpl, opts)
	if err != nil {
		return badRequestOrInternal(c, h.log, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(createBroadcastResponse{JobID: job.ID, Total: job.Total})
}

// GetBroadcast returns the current accounting for a job: live counters while
// it runs, the final result once finished, falling back to the archive for
// jobs pruned from memory.
//
// GET /broadcasts/:id
func (h *Handler) GetBroadcast(c *fiber.Ctx) error {
	id := c.Params("id")
	if res, ok := h.disp.Status(id); ok {
		return c.JSON(res)
	}
	if h.store != nil {
		res, err := h.store.GetJob(c.Context(), id)
		if err == nil {
			return c.JSON(res)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			h.log.Error("archive lookup failed", logx.String("job", id), logx.Err(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		}
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
}

// GetProgress returns a point-in-time progress snapshot for a running job.
//
// GET /broadcasts/:id/progress
func (h *Handler) GetProgress(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok := h.disp.Progress(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	}
	resp := fiber.Map{
		"job_id":     p.JobID,
		"total":      p.Total,
		"sent":       p.Sent,
		"failed":     p.Failed,
		"pending":    p.Pending,
		"percentage": p.Percentage,
		"running":    h.disp.IsRunning(id),
	}
	if p.HasETA {
		resp["estimated_time_remaining"] = p.ETA.String()
	}
	return c.JSON(resp)
}

// AbortBroadcast sets the job's cooperative abort flag.
//
// POST /broadcasts/:id/abort
func (h *Handler) AbortBroadcast(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.disp.Abort(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	}
	return c.JSON(fiber.Map{"job_id": id, "aborted": true})
}

// ListBroadcasts lists recent archived jobs, newest first.
//
// GET /broadcasts?limit=N
func (h *Handler) ListBroadcasts(c *fiber.Ctx) error {
	if h.store == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "archive disabled"})
	}
	jobs, err := h.store.ListJobs(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		h.log.Error("archive list failed", logx.Err(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

func badRequestOrInternal(c *fiber.Ctx, log logx.Logger, err error) error {
	switch {
	case errors.Is(err, domain.ErrNoRecipients),
		errors.Is(err, domain.ErrEmptyPayload),
		errors.Is(err, domain.ErrEmptyTemplate):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Error("broadcast start failed", logx.Err(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}
