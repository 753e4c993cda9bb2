package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/services"
	apperrors "sharechannel/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

const testSecret = "middleware-test-secret"

func authRouter(t *testing.T) (*gin.Engine, services.AuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService(testSecret, time.Minute)

	router := gin.New()
	router.GET("/optional", OptionalAuthMiddleware(auth), func(c *gin.Context) {
		id, _ := PeerIDFromContext(c)
		c.String(http.StatusOK, string(id))
	})
	protected := router.Group("/peers", AuthMiddleware(auth))
	protected.GET("/:id", PeerOwnerMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router, auth
}

func request(router http.Handler, path, authorization string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	router, auth := authRouter(t)
	token, err := auth.GenerateToken("room1", "Host")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, request(router, "/peers/room1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, request(router, "/peers/room1", "Token "+token).Code)
	assert.Equal(t, http.StatusUnauthorized, request(router, "/peers/room1", "Bearer not-a-jwt").Code)
	assert.Equal(t, http.StatusNoContent, request(router, "/peers/room1", "Bearer "+token).Code)

	w := request(router, "/peers/room2", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"peer_id":"room2"`)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	router, auth := authRouter(t)
	token, err := auth.GenerateToken("room1", "")
	require.NoError(t, err)

	w := request(router, "/optional", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = request(router, "/optional", "Bearer garbage")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = request(router, "/optional", "Bearer "+token)
	assert.Equal(t, "room1", w.Body.String())
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))

	fail := func(err error) gin.HandlerFunc {
		return func(c *gin.Context) { _ = c.Error(err) }
	}
	router.GET("/app", fail(apperrors.NewIDTakenError("room1")))
	router.GET("/taken", fail(fmt.Errorf("claim: %w", domain.ErrIDTaken)))
	router.GET("/token", fail(services.ErrExpiredToken))
	router.GET("/invalid", fail(domain.NewPeerError(domain.ErrTypeInvalidID, "bad id %q", "x y")))
	router.GET("/other", fail(errors.New("boom")))
	router.GET("/written", func(c *gin.Context) {
		c.String(http.StatusAccepted, "done")
		_ = c.Error(errors.New("late"))
	})

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"/app", http.StatusConflict, "ID_TAKEN"},
		{"/taken", http.StatusConflict, "ID_TAKEN"},
		{"/token", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"/invalid", http.StatusBadRequest, "INVALID_ID"},
		{"/other", http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		w := request(router, tc.path, "")
		assert.Equal(t, tc.status, w.Code, tc.path)
		assert.Contains(t, w.Body.String(), tc.code, tc.path)
	}

	w := request(router, "/written", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "done", w.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := request(router, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestTracingMiddleware(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/api/v1/peers/:id", func(c *gin.Context) {
		c.Set(peerIDKey, domain.PeerID(c.Param("id")))
		c.Status(http.StatusOK)
	})
	router.GET("/broken", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	request(router, "/api/v1/peers/room1", "")
	request(router, "/broken", "")

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "http.GET", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "/api/v1/peers/:id", attrs["http.route"])
	assert.Equal(t, "room1", attrs["peer.id"])
	assert.Equal(t, "200", attrs["http.status_code"])
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
