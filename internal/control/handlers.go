package control

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"telemetry-engine/internal/sched"
	"telemetry-engine/internal/telemetry"
)

// Engine is the scheduler surface the host drives.
type Engine interface {
	Handle(ctx context.Context, ev sched.Event) error
	Refresh(ctx context.Context) (telemetry.Result, error)
	Status() sched.Status
	Last() (telemetry.Result, bool)
}

type Session interface {
	Set(credential, deviceID string) error
}

type Trips interface {
	ListTrips(ctx context.Context) ([]telemetry.Trip, error)
}

type refreshResponse struct {
	telemetry.Result
	Warning string `json:"warning,omitempty"`
}

func NewApp(eng Engine, sess Session, trips Trips) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	RegisterRoutes(app, eng, sess, trips)
	return app
}

func RegisterRoutes(r fiber.Router, eng Engine, sess Session, trips Trips) {
	r.Post("/session", func(c *fiber.Ctx) error {
		var body struct {
			Token    string `json:"token"`
			DeviceID string `json:"deviceId"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := sess.Set(body.Token, body.DeviceID); err != nil {
			if telemetry.IsSignOut(err) {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := eng.Handle(c.Context(), sched.EventCredentialValid); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(eng.Status())
	})

	r.Delete("/session", func(c *fiber.Ctx) error {
		if err := eng.Handle(c.Context(), sched.EventLogout); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Post("/lifecycle", func(c *fiber.Ctx) error {
		var body struct {
			State string `json:"state"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		var ev sched.Event
		switch strings.ToLower(body.State) {
		case "foreground", "active":
			ev = sched.EventForeground
		case "background", "inactive":
			ev = sched.EventBackground
		default:
			return fiber.NewError(fiber.StatusBadRequest, "state must be foreground or background")
		}
		if err := eng.Handle(c.Context(), ev); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(eng.Status())
	})

	r.Post("/refresh", func(c *fiber.Ctx) error {
		res, err := eng.Refresh(c.Context())
		switch {
		case errors.Is(err, sched.ErrCycleInFlight):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		case errors.Is(err, sched.ErrNoSession), telemetry.IsSignOut(err):
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		out := refreshResponse{Result: res}
		if err != nil {
			// transport failures still carry the fallback result
			out.Warning = err.Error()
		}
		return c.JSON(out)
	})

	r.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(eng.Status())
	})

	r.Get("/location", func(c *fiber.Ctx) error {
		res, ok := eng.Last()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no fetch cycle has run yet")
		}
		return c.JSON(res)
	})

	r.Get("/trips", func(c *fiber.Ctx) error {
		list, err := trips.ListTrips(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if list == nil {
			list = []telemetry.Trip{}
		}
		return c.JSON(list)
	})
}
