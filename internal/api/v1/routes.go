package apiv1

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (POST /notifications)
	PostNotification(c *fiber.Ctx) error
	// (GET /notifications/{id})
	GetNotification(c *fiber.Ctx, id uint) error
	// (GET /subscriptions/{id}/credits)
	GetSubscriptionCredits(c *fiber.Ctx, id uint) error
	// (PUT /subscriptions/{id}/credits)
	PutSubscriptionCredits(c *fiber.Ctx, id uint) error
	// (GET /queue/stats)
	GetQueueStats(c *fiber.Ctx) error
}

// ServerInterfaceWrapper converts fiber contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

// MiddlewareFunc runs in front of the authenticated handlers
type MiddlewareFunc fiber.Handler

func idParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid format for parameter id")
	}
	return uint(id), nil
}

func (w *ServerInterfaceWrapper) GetPing(c *fiber.Ctx) error {
	return w.Handler.GetPing(c)
}

func (w *ServerInterfaceWrapper) PostNotification(c *fiber.Ctx) error {
	return w.Handler.PostNotification(c)
}

func (w *ServerInterfaceWrapper) GetNotification(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	return w.Handler.GetNotification(c, id)
}

func (w *ServerInterfaceWrapper) GetSubscriptionCredits(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	return w.Handler.GetSubscriptionCredits(c, id)
}

func (w *ServerInterfaceWrapper) PutSubscriptionCredits(c *fiber.Ctx) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	return w.Handler.PutSubscriptionCredits(c, id)
}

func (w *ServerInterfaceWrapper) GetQueueStats(c *fiber.Ctx) error {
	return w.Handler.GetQueueStats(c)
}

// RegisterHandlers creates the routes. Ping is public, everything else runs
// behind the given middlewares.
func RegisterHandlers(router fiber.Router, si ServerInterface, middlewares ...MiddlewareFunc) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.Get("/ping", wrapper.GetPing)

	protected := make([]fiber.Handler, 0, len(middlewares))
	for _, m := range middlewares {
		protected = append(protected, fiber.Handler(m))
	}
	route := func(handler fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, protected...), handler)
	}

	router.Post("/notifications", route(wrapper.PostNotification)...)
	router.Get("/notifications/:id", route(wrapper.GetNotification)...)
	router.Get("/subscriptions/:id/credits", route(wrapper.GetSubscriptionCredits)...)
	router.Put("/subscriptions/:id/credits", route(wrapper.PutSubscriptionCredits)...)
	router.Get("/queue/stats", route(wrapper.GetQueueStats)...)
}
