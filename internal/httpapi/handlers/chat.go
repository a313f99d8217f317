package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/placewhisper/genius-loci/internal/chat"
	"github.com/placewhisper/genius-loci/internal/common"
	"github.com/placewhisper/genius-loci/internal/note"
	"gorm.io/gorm"
)

type chatReq struct {
	UserID    uint64  `json:"user_id" binding:"required"`
	Message   string  `json:"message" binding:"required"`
	Longitude float64 `json:"gps_longitude"`
	Latitude  float64 `json:"gps_latitude"`
	SessionID string  `json:"session_id"`
	ImageURL  string  `json:"image_url"`
}

// ChatStream is the streaming turn endpoint. The event order is fixed: one
// metadata event carrying the active session id, then content events, then
// exactly one terminal end or error event.
func (h *Handler) ChatStream(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	stream, err := h.ChatSvc.StreamTurn(ctx, chat.TurnRequest{
		UserID:    req.UserID,
		Message:   req.Message,
		Longitude: req.Longitude,
		Latitude:  req.Latitude,
		SessionID: req.SessionID,
		ImageRef:  req.ImageURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidRequest):
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		case errors.Is(err, chat.ErrTurnActive):
			common.Fail(c, http.StatusConflict, 40901, "another turn is in progress")
		default:
			log.Printf("[ChatStream] turn setup failed user=%d err=%v", req.UserID, err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"message\":\"flusher not supported\"}\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, string(b))
		flusher.Flush()
	}

	// The active id may differ from the requested one after rollover or
	// re-creation; it always comes straight from the service.
	writeJSON("metadata", gin.H{
		"type":       "metadata",
		"session_id": stream.SessionID,
	})

	chunks := stream.Chunks
	errs := stream.Errs
	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeJSON("content", gin.H{
				"type":    "content",
				"content": ch,
			})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			writeJSON("error", gin.H{
				"type":    "error",
				"message": err.Error(),
			})
			return

		case <-stream.Done:
			// Every chunk was sent before Done closed; flush what is still
			// buffered so no content trails the terminal event.
		drain:
			for chunks != nil {
				select {
				case ch, ok := <-chunks:
					if !ok {
						break drain
					}
					writeJSON("content", gin.H{
						"type":    "content",
						"content": ch,
					})
				default:
					break drain
				}
			}
			// A terminal error may have landed just before Done closed.
			select {
			case err, ok := <-errs:
				if ok && err != nil {
					writeJSON("error", gin.H{
						"type":    "error",
						"message": err.Error(),
					})
					return
				}
			default:
			}
			writeJSON("end", gin.H{"type": "end"})
			return

		case <-ctx.Done():
			return
		}
	}
}

type endSessionReq struct {
	SessionID string `json:"session_id" binding:"required"`
	UserID    uint64 `json:"user_id" binding:"required"`
}

func (h *Handler) EndSession(c *gin.Context) {
	var req endSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.ChatSvc.EndSession(c.Request.Context(), req.SessionID, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrSessionNotFound):
			common.Fail(c, http.StatusNotFound, 40404, "session not found or already ended")
		case errors.Is(err, chat.ErrForbidden):
			common.Fail(c, http.StatusForbidden, 40301, "not the session owner")
		default:
			log.Printf("[EndSession] failed session=%s err=%v", req.SessionID, err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	common.OK(c, gin.H{
		"session_id":         res.SessionID,
		"conversation_turns": res.Turns,
		"archived":           res.Archived,
	})
}

func (h *Handler) GetSessionStatus(c *gin.Context) {
	sessionID := c.Param("session_id")

	status, err := h.ChatSvc.SessionStatus(sessionID)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, status)
}

type aiSummaryReq struct {
	NoteID uint64 `json:"note_id" binding:"required"`
	UserID uint64 `json:"user_id" binding:"required"`
}

// GetAISummary returns the most recent conversation summary for a note, a
// "processing" outcome when a record exists without a usable payload, or 404.
func (h *Handler) GetAISummary(c *gin.Context) {
	var req aiSummaryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()

	if h.Cache != nil {
		cached, err := h.Cache.GetSummary(ctx, req.NoteID)
		if err != nil {
			log.Printf("[AISummary] cache read failed note=%d err=%v", req.NoteID, err)
		} else if cached != "" {
			if p, ok := note.ParseSummary(cached); ok {
				common.OK(c, gin.H{
					"note_id":   req.NoteID,
					"ai_result": p,
				})
				return
			}
		}
	}

	rec, err := h.Notes.LatestSummaryRecord(ctx, req.NoteID, req.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "no summary record for this note")
			return
		}
		log.Printf("[AISummary] query failed note=%d err=%v", req.NoteID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	p, ok := note.ParseSummary(rec.Result)
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{
			"code":    20201,
			"message": "summary is still being generated",
			"data": gin.H{
				"note_id":   req.NoteID,
				"status":    "processing",
				"record_id": rec.ID,
			},
		})
		return
	}

	if h.Cache != nil {
		if err := h.Cache.SetSummary(ctx, req.NoteID, rec.Result); err != nil {
			log.Printf("[AISummary] cache write failed note=%d err=%v", req.NoteID, err)
		}
	}

	common.OK(c, gin.H{
		"note_id":       req.NoteID,
		"ai_result":     p,
		"model_version": rec.ModelVersion,
		"process_time":  rec.CreatedAt,
		"record_id":     rec.ID,
	})
}
