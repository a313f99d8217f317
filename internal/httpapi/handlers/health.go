package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/placewhisper/genius-loci/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{
		"service": "genius-loci-chat",
		"status":  "active",
	})
}
