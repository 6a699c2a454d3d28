package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ukydev/trackhub/internal/auth"
	"github.com/ukydev/trackhub/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func tokenFor(t *testing.T, service *auth.Service, role models.Role) (*models.User, string) {
	t.Helper()
	user := &models.User{
		ID:       primitive.NewObjectID(),
		Username: "user-" + string(role),
		Role:     role,
		IsActive: true,
	}
	token, err := service.GenerateToken(user)
	assert.NoError(t, err)
	return user, token
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	authService := auth.NewService("s3cret", time.Hour)
	middleware := NewAuthMiddleware(authService)

	t.Run("valid header token", func(t *testing.T) {
		user, token := tokenFor(t, authService, models.RoleOperator)

		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
			claims, ok := GetUserFromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, user.Username, claims.Username)
			assert.Equal(t, user.Role, claims.Role)
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.True(t, handlerCalled)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("valid query token", func(t *testing.T) {
		user, token := tokenFor(t, authService, models.RoleCustomer)

		req := httptest.NewRequest("GET", "/ws?token="+token, nil)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
			claims, ok := GetUserFromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, user.ID.Hex(), claims.UserID)
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.True(t, handlerCalled)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws", nil)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		_, token := tokenFor(t, authService, models.RoleViewer)

		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Token "+token)
		w := httptest.NewRecorder()

		handlerCalled := false
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		middleware.Authenticate(handler).ServeHTTP(w, req)
		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "malformed authorization header")
	})
}

func TestAuthMiddleware_RequirePermission(t *testing.T) {
	authService := auth.NewService("s3cret", time.Hour)
	middleware := NewAuthMiddleware(authService)

	tests := []struct {
		name       string
		role       models.Role
		action     string
		wantCalled bool
		wantCode   int
	}{
		{"admin toggles relay", models.RoleAdmin, "toggle_relay", true, http.StatusOK},
		{"operator toggles relay", models.RoleOperator, "toggle_relay", true, http.StatusOK},
		{"viewer cannot toggle relay", models.RoleViewer, "toggle_relay", false, http.StatusForbidden},
		{"customer views telemetry", models.RoleCustomer, "view_telemetry", true, http.StatusOK},
		{"customer cannot view all pairings", models.RoleCustomer, "view_all_pairings", false, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, token := tokenFor(t, authService, tt.role)

			req := httptest.NewRequest("GET", "/ws", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()

			handlerCalled := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerCalled = true
			})

			middleware.Authenticate(middleware.RequirePermission(tt.action)(handler)).ServeHTTP(w, req)
			assert.Equal(t, tt.wantCalled, handlerCalled)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}

	t.Run("no user in context", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws", nil)
		w := httptest.NewRecorder()
		middleware.RequirePermission("view_telemetry")(http.NotFoundHandler()).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
