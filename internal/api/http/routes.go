package httpapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/mrms-rala/internal/radar"
	"github.com/i474232898/mrms-rala/internal/scheduler"
	"github.com/i474232898/mrms-rala/internal/store"
)

var validate = validator.New()

// Composites is the read side of the composite cache.
type Composites interface {
	Latest() (*radar.CompositeGrid, error)
	Get(ts radar.Timestamp) (*radar.CompositeGrid, error)
	Timestamps() []radar.Timestamp
	Range(from, to time.Time) []radar.Timestamp
	Stats() store.Stats
}

// Refresher exposes the scheduler to the API.
type Refresher interface {
	Status() scheduler.Status
	TriggerNow() scheduler.TriggerResult
}

// History lists processed observations.
type History interface {
	Timestamps() []radar.Timestamp
	Latest() (radar.Timestamp, bool)
	LastCheck() time.Time
}

// Deps are the services the routes read from.
type Deps struct {
	Composites Composites
	Scheduler  Refresher
	Tracker    History
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		_, err := d.Composites.Latest()
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "mrms-rala",
			"ready":   err == nil,
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/radar")

	api.Get("/status", func(c *fiber.Ctx) error {
		tracked := d.Tracker.Timestamps()
		history := fiber.Map{"tracked": len(tracked), "last_check": nil, "latest": nil}
		if ts, ok := d.Tracker.Latest(); ok {
			history["latest"] = ts
		}
		if lc := d.Tracker.LastCheck(); !lc.IsZero() {
			history["last_check"] = lc
		}
		resp := fiber.Map{
			"scheduler": d.Scheduler.Status(),
			"cache":     d.Composites.Stats(),
			"tracker":   history,
			"latest":    nil,
		}
		if latest, err := d.Composites.Latest(); err == nil {
			resp["latest"] = latest.Timestamp
		}
		return c.JSON(resp)
	})

	api.Get("/latest", func(c *fiber.Ctx) error {
		comp, err := d.Composites.Latest()
		if err != nil {
			return compositeError(err)
		}
		return c.JSON(comp)
	})

	api.Get("/composite/:timestamp", func(c *fiber.Ctx) error {
		comp, err := lookup(d.Composites, c.Params("timestamp"))
		if err != nil {
			return err
		}
		return c.JSON(comp)
	})

	api.Get("/data/:timestamp", func(c *fiber.Ctx) error {
		var q dataQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		comp, err := lookup(d.Composites, c.Params("timestamp"))
		if err != nil {
			return err
		}
		comp = comp.Downsample(q.Downsample)

		body, err := encodeRaster(comp)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to encode raster")
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		c.Set("X-Grid-Timestamp", comp.Timestamp.String())
		c.Set("X-Grid-Rows", strconv.Itoa(comp.Rows))
		c.Set("X-Grid-Cols", strconv.Itoa(comp.Cols))
		c.Set("X-Grid-Missing", strconv.FormatFloat(float64(comp.Missing), 'f', -1, 32))
		c.Set("X-Grid-Bounds", fmt.Sprintf("%g,%g,%g,%g", comp.Bounds.North, comp.Bounds.South, comp.Bounds.East, comp.Bounds.West))
		return c.Send(body)
	})

	api.Get("/timestamps", func(c *fiber.Ctx) error {
		var q rangeQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		composites := d.Composites.Timestamps()
		if q.set {
			if err := validate.Struct(q); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			composites = d.Composites.Range(q.From, q.To)
		}
		return c.JSON(fiber.Map{
			"tracked":    nonNil(d.Tracker.Timestamps()),
			"composites": nonNil(composites),
		})
	})

	api.Post("/refresh", func(c *fiber.Ctx) error {
		switch res := d.Scheduler.TriggerNow(); res {
		case scheduler.TriggerStarted:
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": res.String()})
		case scheduler.TriggerAlreadyRunning:
			return fiber.NewError(fiber.StatusConflict, "update already in progress")
		default:
			return fiber.NewError(fiber.StatusServiceUnavailable, "scheduler is not running")
		}
	})
}

// lookup resolves a timestamp path parameter; "latest" is accepted.
func lookup(comps Composites, param string) (*radar.CompositeGrid, error) {
	if param == "latest" {
		comp, err := comps.Latest()
		if err != nil {
			return nil, compositeError(err)
		}
		return comp, nil
	}

	ts, err := radar.ParseTimestamp(param)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "timestamp must look like 20060102-150405")
	}
	comp, err := comps.Get(ts)
	if err != nil {
		return nil, compositeError(err)
	}
	return comp, nil
}

func compositeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotReady):
		return fiber.NewError(fiber.StatusServiceUnavailable, "no composite available yet")
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "composite not found")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read composite")
	}
}

// encodeRaster renders values as little-endian float32, row-major.
func encodeRaster(comp *radar.CompositeGrid) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(4 * len(comp.Values))
	if err := binary.Write(&buf, binary.LittleEndian, comp.Values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func nonNil(ts []radar.Timestamp) []radar.Timestamp {
	if ts == nil {
		return []radar.Timestamp{}
	}
	return ts
}

// dataQuery holds query parameters for the raster endpoint.
type dataQuery struct {
	Downsample int `validate:"min=1,max=64"`
}

func (q *dataQuery) bind(c *fiber.Ctx) error {
	q.Downsample = 1
	if s := c.Query("downsample"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.New("downsample must be an integer")
		}
		q.Downsample = n
	}
	return validate.Struct(q)
}

// rangeQuery holds the optional time window of the timestamps endpoint.
type rangeQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
	set  bool
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	fromStr, toStr := c.Query("from"), c.Query("to")
	if fromStr == "" && toStr == "" {
		return nil
	}
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters must be given together")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}
	r.From, r.To, r.set = from, to, true
	return nil
}

// parseTime accepts RFC3339, an observation timestamp or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if ts, err := radar.ParseTimestamp(s); err == nil {
		return ts.Time(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339, 20060102-150405 or unix seconds")
}
