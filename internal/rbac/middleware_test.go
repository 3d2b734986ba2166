package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"callbridge/internal/auth"
)

func serveWithRole(t *testing.T, role string, mw gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "svc", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, mw, func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveWithRole(t, RoleAdmin, RequireAnyRole(RoleDispatcher)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AllowsListedRole(t *testing.T) {
	if code := serveWithRole(t, RoleDispatcher, RequireAnyRole(RoleDispatcher)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DeniesUnlistedRole(t *testing.T) {
	if code := serveWithRole(t, RoleReadOnly, RequireAnyRole(RoleDispatcher)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_MissingRoleUnauthorized(t *testing.T) {
	if code := serveWithRole(t, "", RequireAnyRole(RoleDispatcher)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
