package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*HealthChecker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewHealthChecker(db, nil, "v1.2.3"), mock
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func expectSelectOne(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
}

func TestHealthChecker_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("no dependencies", func(t *testing.T) {
		status := NewHealthChecker(nil, nil, "dev").Check(ctx)
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, "dev", status.Version)
		assert.Empty(t, status.Dependencies)
	})

	t.Run("database healthy", func(t *testing.T) {
		checker, mock := newMockDB(t)
		expectSelectOne(mock)

		status := checker.Check(ctx)
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database down", func(t *testing.T) {
		checker, mock := newMockDB(t)
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

		status := checker.Check(ctx)
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, "connection refused", status.Dependencies["database"].Message)
	})

	t.Run("redis down degrades", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		expectSelectOne(mock)

		mr, client := newMiniRedis(t)
		mr.Close()

		status := NewHealthChecker(db, client, "").Check(ctx)
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
		assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
	})

	t.Run("redis down with database down stays unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("gone"))

		mr, client := newMiniRedis(t)
		mr.Close()

		status := NewHealthChecker(db, client, "").Check(ctx)
		assert.Equal(t, StatusUnhealthy, status.Status)
	})

	t.Run("redis healthy", func(t *testing.T) {
		_, client := newMiniRedis(t)

		status := NewHealthChecker(nil, client, "").Check(ctx)
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
	})
}

func TestHealthChecker_Liveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker(nil, nil, "").Liveness(rec, httptest.NewRequest("GET", "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body["status"])
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		checker, mock := newMockDB(t)
		expectSelectOne(mock)

		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, "v1.2.3", status.Version)
	})

	t.Run("degraded still ready", func(t *testing.T) {
		mr, client := newMiniRedis(t)
		mr.Close()

		rec := httptest.NewRecorder()
		NewHealthChecker(nil, client, "").Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), StatusDegraded)
	})

	t.Run("not ready", func(t *testing.T) {
		checker, mock := newMockDB(t)
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRegisterHealthRoutes(t *testing.T) {
	serveMux := http.NewServeMux()
	RegisterHealthRoutes(serveMux, NewHealthChecker(nil, nil, ""))

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			serveMux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}
