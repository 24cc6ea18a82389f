package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	authapi "mikrovm/api/v1/auth"
	"mikrovm/internal/auth"
	"mikrovm/internal/model"
	"mikrovm/internal/testutil"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func setupAuthAPI(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth.Init("test-secret", "mikrovm", 60)

	db := testutil.NewDB(t)
	r := gin.New()
	r.POST("/auth/login", authapi.LoginHandler(db))
	r.POST("/auth/register", authapi.RegisterHandler(db))
	return r, db
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestRegister(t *testing.T) {
	r, db := setupAuthAPI(t)

	w := postJSON(t, r, "/auth/register", `{"username":"alice","password":"s3cret-pass"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", w.Code, w.Body.String())
	}

	var user model.User
	if err := db.Where("username = ?", "alice").First(&user).Error; err != nil {
		t.Fatalf("registered user not persisted: %v", err)
	}
	if user.Role != "user" {
		t.Errorf("role = %q, want user", user.Role)
	}
	if user.PasswordHash == "s3cret-pass" {
		t.Error("password stored in plain text")
	}

	t.Run("duplicate username", func(t *testing.T) {
		w := postJSON(t, r, "/auth/register", `{"username":"alice","password":"another-pass"}`)
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("short password rejected", func(t *testing.T) {
		w := postJSON(t, r, "/auth/register", `{"username":"bob","password":"short"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("registered account cannot act as admin", func(t *testing.T) {
		if user.Role == "admin" {
			t.Error("self-registration produced an admin account")
		}
	})
}

func TestLogin(t *testing.T) {
	r, db := setupAuthAPI(t)

	if w := postJSON(t, r, "/auth/register", `{"username":"alice","password":"s3cret-pass"}`); w.Code != http.StatusCreated {
		t.Fatalf("register failed: %d %s", w.Code, w.Body.String())
	}

	t.Run("valid credentials", func(t *testing.T) {
		w := postJSON(t, r, "/auth/login", `{"username":"alice","password":"s3cret-pass"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
		}

		var resp struct {
			Data authapi.LoginResponse `json:"data"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Data.Token == "" {
			t.Error("empty token")
		}
		if resp.Data.User.Username != "alice" || resp.Data.User.Role != "user" {
			t.Errorf("user = %+v, want alice/user", resp.Data.User)
		}

		claims, err := auth.VerifyToken(resp.Data.Token)
		if err != nil {
			t.Fatalf("issued token does not verify: %v", err)
		}
		if claims.Username() != "alice" {
			t.Errorf("token subject = %q, want alice", claims.Username())
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		w := postJSON(t, r, "/auth/login", `{"username":"alice","password":"wrong-pass"}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("unknown user gets the same error", func(t *testing.T) {
		wrong := postJSON(t, r, "/auth/login", `{"username":"alice","password":"wrong-pass"}`)
		unknown := postJSON(t, r, "/auth/login", `{"username":"nobody","password":"wrong-pass"}`)
		if unknown.Code != wrong.Code || unknown.Body.String() != wrong.Body.String() {
			t.Errorf("unknown-user response differs from wrong-password response: %s vs %s",
				unknown.Body.String(), wrong.Body.String())
		}
	})

	t.Run("inactive user", func(t *testing.T) {
		db.Model(&model.User{}).Where("username = ?", "alice").
			Update("status", model.UserStatusInactive)
		w := postJSON(t, r, "/auth/login", `{"username":"alice","password":"s3cret-pass"}`)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
		db.Model(&model.User{}).Where("username = ?", "alice").
			Update("status", model.UserStatusActive)
	})
}

func TestBootstrappedAdminCanLogin(t *testing.T) {
	r, db := setupAuthAPI(t)

	if err := auth.EnsureAdmin(context.Background(), db, "root", "changeme-now"); err != nil {
		t.Fatalf("EnsureAdmin failed: %v", err)
	}

	w := postJSON(t, r, "/auth/login", `{"username":"root","password":"changeme-now"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}

	var resp struct {
		Data authapi.LoginResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.User.Role != "admin" {
		t.Errorf("role = %q, want admin", resp.Data.User.Role)
	}

	claims, err := auth.VerifyToken(resp.Data.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if fmt.Sprintf("%s/%s", claims.Username(), claims.Role) != "root/admin" {
		t.Errorf("claims = %s/%s, want root/admin", claims.Username(), claims.Role)
	}
}
