package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/inference"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

type fakeEngine struct {
	mu     sync.Mutex
	clouds [][]float32
	err    error
}

func (e *fakeEngine) Predict(_ context.Context, points []float32) ([]postprocess.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.clouds = append(e.clouds, points)
	return []postprocess.Result{
		{Box: common.Box3D{X: 1, Y: 2, Z: -1, DX: 4, DY: 2, DZ: 1.5, Heading: 0.5}, Score: 0.9, Label: 1},
		{Box: common.Box3D{X: 5, DX: 1, DY: 1, DZ: 1}, Score: 0.2, Label: 2},
		{Score: 0.5, Label: 7},
	}, nil
}

func (e *fakeEngine) PredictBatch(ctx context.Context, clouds [][]float32) ([][]postprocess.Result, error) {
	out := make([][]postprocess.Result, len(clouds))
	for i, c := range clouds {
		r, err := e.Predict(ctx, c)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (e *fakeEngine) Close() error { return nil }

func newTestServer(engine inference.Engine, logger *zap.Logger) *echo.Echo {
	return New(engine, Options{
		Model:       "PointPillar",
		ClassNames:  []string{"Car", "Pedestrian"},
		NumFeatures: 4,
		MaxPoints:   3,
		Logger:      logger,
	}).Echo()
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDetect(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	engine := &fakeEngine{}
	e := newTestServer(engine, zap.New(core))

	rec := do(t, e, http.MethodPost, "/v1/detect", `{"points": [[1, 2, 3, 0.5], [4, 5, 6, 0]], "min_score": 0.3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DetectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PointPillar", resp.Model)
	assert.Equal(t, 2, resp.NumPoints)
	_, err := uuid.Parse(resp.RequestID)
	assert.NoError(t, err)
	assert.Equal(t, resp.RequestID, rec.Header().Get(HeaderRequestID))

	require.Len(t, resp.Detections, 2)
	assert.Equal(t, Detection{Label: 1, Class: "Car", Score: 0.9, Box: [7]float32{1, 2, -1, 4, 2, 1.5, 0.5}}, resp.Detections[0])
	// Labels outside the class list keep an empty class name.
	assert.Equal(t, "", resp.Detections[1].Class)

	require.Len(t, engine.clouds, 1)
	assert.Equal(t, []float32{1, 2, 3, 0.5, 4, 5, 6, 0}, engine.clouds[0])
	assert.Equal(t, 1, logs.FilterMessage("request").Len())
}

func TestDetectKeepsRequestID(t *testing.T) {
	e := newTestServer(&fakeEngine{}, nil)
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, "/v1/detect", strings.NewReader(`{"points": []}`))
	req.Header.Set(HeaderRequestID, id)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, rec.Header().Get(HeaderRequestID))
}

func TestDetectRejects(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		engine *fakeEngine
		status int
	}{
		{"malformed body", `{"points": [`, &fakeEngine{}, http.StatusBadRequest},
		{"short point", `{"points": [[1, 2, 3]]}`, &fakeEngine{}, http.StatusBadRequest},
		{"too many points", `{"points": [[0,0,0,0],[0,0,0,0],[0,0,0,0],[0,0,0,0]]}`, &fakeEngine{}, http.StatusRequestEntityTooLarge},
		{"invalid cloud", `{"points": []}`, &fakeEngine{err: inference.ErrInvalidPoints}, http.StatusBadRequest},
		{"engine failure", `{"points": []}`, &fakeEngine{err: assert.AnError}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestServer(tt.engine, nil), http.MethodPost, "/v1/detect", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, tt.engine.clouds)
		})
	}
}

func TestDetectBodyLimit(t *testing.T) {
	// Within MaxPoints rows the default limit is never reached, so pad past it with whitespace.
	body := `{"points": [[0,0,0,0]]` + strings.Repeat(" ", 3*4*jsonBytesPerValue+4096) + `}`

	t.Run("declared length", func(t *testing.T) {
		engine := &fakeEngine{}
		rec := do(t, newTestServer(engine, nil), http.MethodPost, "/v1/detect", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, engine.clouds)
	})

	t.Run("streamed", func(t *testing.T) {
		engine := &fakeEngine{}
		req := httptest.NewRequest(http.MethodPost, "/v1/detect", strings.NewReader(body))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		newTestServer(engine, nil).ServeHTTP(rec, req)
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "request body too large", resp.Error)
		assert.Empty(t, engine.clouds)
	})

	t.Run("explicit limit", func(t *testing.T) {
		e := New(&fakeEngine{}, Options{NumFeatures: 4, MaxBodyBytes: 16}).Echo()
		rec := do(t, e, http.MethodPost, "/v1/detect", `{"points": [[1, 2, 3, 4]]}`)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestModels(t *testing.T) {
	rec := do(t, newTestServer(&fakeEngine{}, nil), http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Models []ModelInfo `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var active []string
	for _, m := range resp.Models {
		assert.True(t, m.Implemented, m.Name)
		if m.Active {
			active = append(active, m.Name)
		}
	}
	assert.Equal(t, []string{"PointPillar"}, active)
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeEngine{}, nil), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
