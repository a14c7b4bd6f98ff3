package devserver

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tullo/realtime/internal/auth"
	"github.com/tullo/realtime/internal/realtime"
)

// Handler owns the gateway's HTTP surface
type Handler struct {
	hub            *Hub
	jwtService     *auth.JWTService
	users          *UserStore
	allowedOrigins []string
	frameRPS       int
}

// NewHandler creates a new gateway handler
func NewHandler(hub *Hub, jwtService *auth.JWTService, users *UserStore, allowedOrigins []string, frameRPS int) *Handler {
	if frameRPS <= 0 {
		frameRPS = 20
	}
	return &Handler{
		hub:            hub,
		jwtService:     jwtService,
		users:          users,
		allowedOrigins: allowedOrigins,
		frameRPS:       frameRPS,
	}
}

type registerRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Register creates a development account and returns a token for it
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
		return
	}

	user, err := h.users.Create(req.Email, req.DisplayName, hash)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	token, err := h.jwtService.GenerateToken(user.ID, user.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token, "user": user})
}

// Login authenticates a development account
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, ok := h.users.FindByEmail(req.Email)
	if !ok || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := h.jwtService.GenerateToken(user.ID, user.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// HandleWebSocket upgrades the connection and settles authentication. The
// upgrade happens before the token check so the outcome travels as a wire
// event; the sync client expects auth success/failure on the channel, not an
// HTTP status.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser client
				return true
			}
			if len(h.allowedOrigins) == 0 {
				return true
			}
			for _, pattern := range h.allowedOrigins {
				if matchOrigin(pattern, origin) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("devserver: failed to upgrade connection: %v", err)
		return
	}

	claims, err := h.jwtService.ValidateToken(c.Query("token"))
	if err != nil {
		data := envelope(realtime.EventAuthFailure, realtime.AuthFailurePayload{
			Message: "invalid or expired token",
			Code:    "auth_failed",
		})
		conn.WriteMessage(websocket.TextMessage, data)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed"))
		conn.Close()
		return
	}

	client := newClient(h.hub, conn, claims.UserID, claims.Email, h.frameRPS)

	h.hub.register <- client

	go client.writePump()
	go client.readPump()

	client.send <- envelope(realtime.EventAuthSuccess, realtime.AuthSuccessPayload{
		UserID: claims.UserID,
		Email:  claims.Email,
	})
}

// GetOnlineUsers returns online users (for testing/admin)
func (h *Handler) GetOnlineUsers(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	_ = userID.(uuid.UUID)

	onlineUsers := h.hub.OnlineUsers()
	c.JSON(http.StatusOK, gin.H{
		"online_users": onlineUsers,
		"count":        len(onlineUsers),
	})
}

// GetUserPresence returns the last known presence of a user. With Redis the
// answer spans all gateway instances; in-memory it reflects this instance only.
func (h *Handler) GetUserPresence(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	if h.hub.redis != nil {
		presence, err := h.hub.redis.GetUserPresence(userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read presence"})
			return
		}
		c.JSON(http.StatusOK, presence)
		return
	}

	status := realtime.StatusOffline
	if h.hub.IsUserOnline(userID) {
		status = realtime.StatusOnline
	}
	c.JSON(http.StatusOK, realtime.PresencePayload{UserID: userID, Status: status})
}

// GetTypingUsers returns the users currently typing in a conversation. Typing
// state lives in Redis; without it the gateway does not retain the signals and
// the list is empty.
func (h *Handler) GetTypingUsers(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation id"})
		return
	}

	userIDs := []uuid.UUID{}
	if h.hub.redis != nil {
		userIDs, err = h.hub.redis.GetTypingUsers(conversationID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read typing state"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": userIDs})
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == origin {
		return true
	}
	// simple wildcard support: pattern starts with *.
	if strings.HasPrefix(pattern, "*.") {
		originHost := origin
		if u, err := url.Parse(origin); err == nil {
			originHost = u.Hostname()
		}
		patHost := strings.TrimPrefix(pattern, "*.")
		if strings.HasSuffix(originHost, patHost) {
			return true
		}
	}
	return false
}
