package httpapi

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/i474232898/mrms-rala/internal/logging"
)

// NewApp builds the Fiber app with the service's error handling and
// middleware. Routes are added with RegisterRoutes.
func NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "mrms-rala",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(requestLogger)
	return app
}

// errorHandler renders every error as {"error": true, "message": ...}.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	var e *fiber.Error
	if errors.As(err, &e) {
		status = e.Code
	}
	event := logging.Debug()
	if status >= fiber.StatusInternalServerError {
		event = logging.Warn()
	}
	event.
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("request")
	return err
}
