// Package web exposes the HTTP API: inventory and check history reads,
// plus triggers for on-demand cycles and syncs.
package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/etnwatch/etnwatch/internal/orchestrator"
	"github.com/etnwatch/etnwatch/internal/store"
)

// Trigger is the orchestrator surface the API drives. Triggered runs are
// asynchronous; only the lock rejection is reported synchronously.
type Trigger interface {
	RunCycle(ctx context.Context) (orchestrator.CycleReport, error)
	RunInventorySync(ctx context.Context) (orchestrator.SyncReport, error)
	State() orchestrator.State
}

type Server struct {
	app     *fiber.App
	st      *store.Store
	trigger Trigger
	log     *zap.SugaredLogger
}

func New(st *store.Store, trigger Trigger, log *zap.SugaredLogger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "etnwatch",
			DisableStartupMessage: true,
		}),
		st:      st,
		trigger: trigger,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.app.Group("/api/v1")
	api.Get("/nodes", s.listNodes)
	api.Get("/nodes/:id", s.getNode)
	api.Get("/events", s.listEvents)
	api.Get("/stats", s.getStats)
	api.Get("/status", s.getStatus)
	api.Post("/cycles", s.triggerCycle)
	api.Post("/sync", s.triggerSync)
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) listNodes(c *fiber.Ctx) error {
	var (
		nodes []store.TransportNode
		err   error
	)
	switch c.Query("active") {
	case "true":
		nodes, err = s.st.ActiveNodes(c.Context())
	default:
		nodes, err = s.st.AllNodes(c.Context())
	}
	if err != nil {
		return s.internalError(c, err)
	}

	latest, err := s.st.LatestChecks(c.Context())
	if err != nil {
		return s.internalError(c, err)
	}

	type nodeView struct {
		store.TransportNode
		LatestCheck *store.CertificateCheck `json:"latest_check,omitempty"`
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		v := nodeView{TransportNode: n}
		if check, ok := latest[n.ID]; ok {
			check := check
			v.LatestCheck = &check
		}
		out = append(out, v)
	}
	return c.JSON(fiber.Map{"nodes": out, "count": len(out)})
}

func (s *Server) getNode(c *fiber.Ctx) error {
	node, err := s.st.NodeByID(c.Context(), c.Params("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "node not found"})
	}
	if err != nil {
		return s.internalError(c, err)
	}

	history, err := s.st.ChecksForNode(c.Context(), node.ID, 50)
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(fiber.Map{"node": node, "checks": history})
}

func (s *Server) listEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	events, err := s.st.RecentEvents(c.Context(), limit)
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

func (s *Server) getStats(c *fiber.Ctx) error {
	stats, err := s.st.Stats(c.Context())
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(stats)
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"state": s.trigger.State()})
}

// triggerCycle starts a check cycle in the background. 202 if accepted,
// 409 if one is already in flight.
func (s *Server) triggerCycle(c *fiber.Ctx) error {
	if !s.tryStart(func(ctx context.Context) error {
		_, err := s.trigger.RunCycle(ctx)
		return err
	}, "cycle") {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "a cycle is already running"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

func (s *Server) triggerSync(c *fiber.Ctx) error {
	if !s.tryStart(func(ctx context.Context) error {
		_, err := s.trigger.RunInventorySync(ctx)
		return err
	}, "sync") {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "a cycle is already running"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// tryStart runs fn in the background but surfaces the lock rejection
// synchronously. The lock check is the first thing a run does, so a
// rejection lands well inside the grace window; a run still going when the
// window closes has been accepted.
func (s *Server) tryStart(fn func(context.Context) error, name string) bool {
	done := make(chan error, 1)
	go func() {
		err := fn(context.Background())
		done <- err
		if err != nil && !errors.Is(err, orchestrator.ErrAlreadyRunning) {
			s.log.Error("triggered run failed", "kind", name, "err", err)
		}
	}()

	select {
	case err := <-done:
		return !errors.Is(err, orchestrator.ErrAlreadyRunning)
	case <-time.After(100 * time.Millisecond):
		return true
	}
}

func (s *Server) internalError(c *fiber.Ctx, err error) error {
	s.log.Error("request failed", "path", c.Path(), "err", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
