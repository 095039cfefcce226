// Package server exposes an inference engine over HTTP.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/inference"
	"github.com/nvr-ai/go-pcdet/logging"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

// HeaderRequestID carries the id of a request in both directions.
const HeaderRequestID = "X-Request-Id"

// DefaultMaxPoints bounds the points of one request when Options.MaxPoints is 0.
const DefaultMaxPoints = 1 << 20

// jsonBytesPerValue is the budget of one point value in a request body, digits and separator.
const jsonBytesPerValue = 24

// Options configures a Server.
type Options struct {
	// Model is the detector name reported by the service.
	Model string
	// ClassNames maps 1-based labels to names.
	ClassNames []string
	// NumFeatures is the width of a point row.
	NumFeatures int
	MaxPoints   int
	// MaxBodyBytes bounds the size of a detect request. It defaults to what MaxPoints rows
	// of NumFeatures values take as JSON.
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Server answers detection requests with one engine.
type Server struct {
	engine  inference.Engine
	opts    Options
	logger  *zap.Logger
	started time.Time
}

// New returns a server for engine.
func New(engine inference.Engine, opts Options) *Server {
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultMaxPoints
	}
	if opts.NumFeatures <= 0 {
		opts.NumFeatures = 4
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = int64(opts.MaxPoints)*int64(opts.NumFeatures)*jsonBytesPerValue + 4096
	}
	return &Server{
		engine:  engine,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		started: time.Now(),
	}
}

// Register adds the routes of the service to e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/detect", s.handleDetect, middleware.BodyLimit(s.opts.MaxBodyBytes))
	e.GET("/v1/models", s.handleModels)
	e.GET("/healthz", s.handleHealth)
}

// Echo returns an echo instance with the service routes and its middleware.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)
	s.Register(e)
	return e
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("starting server", zap.String("address", addr), zap.String("model", s.opts.Model))
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, s.Echo())
}

// requestLogger assigns every request an id and logs it once handled.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		id := req.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Response().Header().Set(HeaderRequestID, id)

		start := time.Now()
		err := next(c)
		fields := []zap.Field{
			zap.String("id", id),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("took", time.Since(start)),
		}
		if err != nil {
			s.logger.Warn("request failed", append(fields, zap.Error(err))...)
			return err
		}
		s.logger.Info("request", fields...)
		return nil
	}
}

// DetectRequest is the body of POST /v1/detect.
type DetectRequest struct {
	// Points holds one row of NUM_POINT_FEATURES values per point.
	Points [][]float32 `json:"points"`
	// MinScore drops detections scoring below it.
	MinScore float32 `json:"min_score,omitempty"`
}

// Detection is one detected object. Box is (x, y, z, dx, dy, dz, heading).
type Detection struct {
	Label int        `json:"label"`
	Class string     `json:"class"`
	Score float32    `json:"score"`
	Box   [7]float32 `json:"box"`
}

// DetectResponse is the body answering POST /v1/detect.
type DetectResponse struct {
	RequestID  string      `json:"request_id"`
	Model      string      `json:"model"`
	NumPoints  int         `json:"num_points"`
	Detections []Detection `json:"detections"`
	TookMS     float64     `json:"took_ms"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, ErrorResponse{Error: msg})
}

func (s *Server) handleDetect(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
		}
		return writeError(c, http.StatusBadRequest, "read body: "+err.Error())
	}
	var req DetectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return writeError(c, http.StatusBadRequest, "decode body: "+err.Error())
	}
	if len(req.Points) > s.opts.MaxPoints {
		return writeError(c, http.StatusRequestEntityTooLarge, "too many points")
	}
	points := make([]float32, 0, len(req.Points)*s.opts.NumFeatures)
	for i, row := range req.Points {
		if len(row) != s.opts.NumFeatures {
			return writeError(c, http.StatusBadRequest,
				errors.Errorf("point %d has %d values, want %d", i, len(row), s.opts.NumFeatures).Error())
		}
		points = append(points, row...)
	}

	start := time.Now()
	results, err := s.engine.Predict(c.Request().Context(), points)
	if err != nil {
		if errors.Is(err, inference.ErrInvalidPoints) {
			return writeError(c, http.StatusBadRequest, err.Error())
		}
		s.logger.Error("predict", zap.Error(err))
		return writeError(c, http.StatusInternalServerError, "prediction failed")
	}
	id, _ := c.Get("request_id").(string)
	return c.JSON(http.StatusOK, DetectResponse{
		RequestID:  id,
		Model:      s.opts.Model,
		NumPoints:  len(req.Points),
		Detections: ToDetections(results, s.opts.ClassNames, req.MinScore),
		TookMS:     float64(time.Since(start).Microseconds()) / 1000,
	})
}

// ToDetections converts the results scoring at least minScore. classNames maps 1-based
// labels to names.
func ToDetections(results []postprocess.Result, classNames []string, minScore float32) []Detection {
	out := make([]Detection, 0, len(results))
	for _, r := range results {
		if r.Score < minScore {
			continue
		}
		d := Detection{Label: r.Label, Score: r.Score}
		if r.Label >= 1 && r.Label <= len(classNames) {
			d.Class = classNames[r.Label-1]
		}
		copy(d.Box[:], r.Box.Slice())
		out = append(out, d)
	}
	return out
}

// ModelInfo describes one detector of the registry.
type ModelInfo struct {
	Name        string `json:"name"`
	Implemented bool   `json:"implemented"`
	Active      bool   `json:"active"`
}

func (s *Server) handleModels(c *echo.Context) error {
	names := models.Detectors.Names()
	out := make([]ModelInfo, 0, len(names))
	for _, n := range names {
		out = append(out, ModelInfo{
			Name:        n,
			Implemented: models.Detectors.Implemented(n),
			Active:      n == s.opts.Model,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"model":  s.opts.Model,
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
	})
}
