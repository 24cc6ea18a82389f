package auth

import (
	"errors"
	"time"

	"mikrovm/internal/auth"
	"mikrovm/internal/httpx"
	"mikrovm/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents login response data
type LoginResponse struct {
	Token    string   `json:"token"`
	ExpireAt string   `json:"expireAt"`
	User     UserInfo `json:"user"`
}

// UserInfo represents user information in response
type UserInfo struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RegisterRequest represents signup request body
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginHandler handles user login
func LoginHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
			return
		}

		// Query user by username
		var user model.User
		if err := db.Where("username = ?", req.Username).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// User not found or wrong password - return same error for security
				httpx.FailErr(c, httpx.ErrInvalidToken("invalid credentials"))
				return
			}
			httpx.FailErr(c, httpx.ErrDatabaseError("database error", err))
			return
		}

		// Check user status
		if user.Status == model.UserStatusInactive {
			httpx.FailErr(c, httpx.ErrForbidden("user is inactive"))
			return
		}

		// Verify password
		if !auth.CheckPassword(user.PasswordHash, req.Password) {
			httpx.FailErr(c, httpx.ErrInvalidToken("invalid credentials"))
			return
		}

		token, expireAt, err := auth.IssueToken(&user)
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to generate token", err))
			return
		}

		httpx.OK(c, LoginResponse{
			Token:    token,
			ExpireAt: expireAt.Format(time.RFC3339),
			User: UserInfo{
				ID:       user.ID,
				Username: user.Username,
				Role:     user.Role,
			},
		})
	}
}

// RegisterHandler creates a tenant account. New accounts always get the
// regular user role; admin accounts come from the startup bootstrap.
func RegisterHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("username (3-64 chars) and password (min 8 chars) are required"))
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to hash password", err))
			return
		}

		user := &model.User{
			Username:     req.Username,
			PasswordHash: hash,
			Role:         "user",
			Status:       model.UserStatusActive,
		}
		if err := db.Create(user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				httpx.FailErr(c, httpx.ErrAlreadyExists("username already taken"))
				return
			}
			httpx.FailErr(c, httpx.ErrDatabaseError("failed to create user", err))
			return
		}

		httpx.Created(c, UserInfo{
			ID:       user.ID,
			Username: user.Username,
			Role:     user.Role,
		})
	}
}
