package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bktutor-api/internal/models"
	"github.com/noah-isme/bktutor-api/internal/service"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

type authServiceStub struct {
	lastLogin models.LoginRequest
	loginErr  error
}

func (s *authServiceStub) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	s.lastLogin = req
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	return &models.LoginResponse{AccessToken: "token", ExpiresIn: 3600}, nil
}

func (s *authServiceStub) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	return &models.UserInfo{ID: userID, Role: models.RoleTutor}, nil
}

type progressServiceStub struct {
	subject string
}

func (s *progressServiceStub) ForStudent(ctx context.Context, studentID, subject string, actor *models.JWTClaims) ([]models.ProgressRecord, error) {
	s.subject = subject
	if actor.Role == models.RoleStudent && actor.UserID != studentID {
		return nil, appErrors.ErrForbidden
	}
	return []models.ProgressRecord{{StudentID: studentID, Subject: "Calculus", SessionsAttended: 2}}, nil
}

func TestAuthHandlerLogin(t *testing.T) {
	stub := &authServiceStub{}
	h := NewAuthHandler(stub)

	c, w := newGinContext(http.MethodPost, "/auth/login", []byte(`{"email":"tutor@example.edu","password":"secret"}`))
	c.Request.Header.Set("User-Agent", "test-agent")
	h.Login(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test-agent", stub.lastLogin.UserAgent)

	stub.loginErr = appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	c, w = newGinContext(http.MethodPost, "/auth/login", []byte(`{"email":"tutor@example.edu","password":"nope"}`))
	h.Login(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = newGinContext(http.MethodPost, "/auth/login", []byte(`not-json`))
	h.Login(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerMe(t *testing.T) {
	h := NewAuthHandler(&authServiceStub{})
	c, w := newGinContext(http.MethodGet, "/auth/me", nil)
	h.Me(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = newGinContext(http.MethodGet, "/auth/me", nil)
	withActor(c, "tut-1", models.RoleTutor)
	h.Me(c)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProgressHandlerForStudent(t *testing.T) {
	stub := &progressServiceStub{}
	h := NewProgressHandler(stub)

	c, w := newGinContext(http.MethodGet, "/students/stu-1/progress?subject=calculus", nil)
	c.Params = gin.Params{{Key: "id", Value: "stu-1"}}
	withActor(c, "stu-1", models.RoleStudent)
	h.ForStudent(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "calculus", stub.subject)

	c, w = newGinContext(http.MethodGet, "/students/stu-2/progress", nil)
	c.Params = gin.Params{{Key: "id", Value: "stu-2"}}
	withActor(c, "stu-1", models.RoleStudent)
	h.ForStudent(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestMetricsHandlerReady(t *testing.T) {
	h := NewMetricsHandler(nil, map[string]Pinger{
		"postgres": func(ctx context.Context) error { return nil },
	})
	c, w := newGinContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)

	h = NewMetricsHandler(nil, map[string]Pinger{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	c, w = newGinContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	c, w = newGinContext(http.MethodGet, "/metrics", nil)
	h.Prometheus(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsHandlerHealthIncludesSnapshot(t *testing.T) {
	metrics := service.NewMetricsService()
	metrics.RecordEventDropped()
	h := NewMetricsHandler(metrics, nil)

	c, w := newGinContext(http.MethodGet, "/health", nil)
	h.Health(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"eventsDropped":1`)

	c, w = newGinContext(http.MethodGet, "/metrics", nil)
	h.Prometheus(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bktutor_events_dropped_total 1")
}
