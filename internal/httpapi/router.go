package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/placewhisper/genius-loci/internal/chat"
	"github.com/placewhisper/genius-loci/internal/common"
	"github.com/placewhisper/genius-loci/internal/httpapi/handlers"
	"github.com/placewhisper/genius-loci/internal/httpapi/middleware"
	"github.com/placewhisper/genius-loci/internal/note"
	"github.com/placewhisper/genius-loci/internal/store/redisstore"
)

func NewRouter(svc *chat.Service, notes *note.Repo, rds *redisstore.Store) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(svc, notes, rds)

	r.GET("/ping", h.Ping)

	gl := r.Group("/genius-loci")
	gl.POST("/chat", h.ChatStream)
	gl.POST("/end-session", h.EndSession)
	gl.GET("/sessions/:session_id", h.GetSessionStatus)
	gl.POST("/ai-summary", h.GetAISummary)

	return r
}
