package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflectd/reflectd/internal/v1/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type failingStore struct {
	storage.Store
}

func (s *failingStore) Ping(ctx context.Context) error {
	return errors.New("store down")
}

func perform(t *testing.T, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)
	handler(c)
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(storage.NewMemoryStore())

	w := perform(t, h.Liveness)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness_Healthy(t *testing.T) {
	h := NewHandler(storage.NewMemoryStore())

	w := perform(t, h.Readiness)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["storage"])
}

func TestReadiness_StorageDown(t *testing.T) {
	h := NewHandler(&failingStore{Store: storage.NewMemoryStore()})

	w := perform(t, h.Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["storage"])
}

func TestReadiness_NilStore(t *testing.T) {
	h := NewHandler(nil)

	w := perform(t, h.Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
