package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubChecker struct {
	name     string
	critical bool
	err      error
}

func (s stubChecker) Name() string                    { return s.name }
func (s stubChecker) Critical() bool                  { return s.critical }
func (s stubChecker) Check(ctx context.Context) error { return s.err }

func TestReadyRequiresCriticalComponents(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(stubChecker{name: "redis", critical: true})
	m.Register(stubChecker{name: "mongo", critical: false, err: assert.AnError})

	results := m.Run(context.Background())
	assert.True(t, Ready(results), "non-critical failure keeps the service ready")
	assert.Equal(t, StatusUnhealthy, results["mongo"].Status)

	m.Register(stubChecker{name: "postgres", critical: true, err: assert.AnError})
	assert.False(t, Ready(m.Run(context.Background())))
}

func TestReadinessEndpoint(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(stubChecker{name: "redis", critical: true})
	mux := http.NewServeMux()
	m.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)

	m.Register(stubChecker{name: "kafka", critical: true, err: assert.AnError})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
