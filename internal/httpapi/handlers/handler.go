package handlers

import (
	"github.com/placewhisper/genius-loci/internal/chat"
	"github.com/placewhisper/genius-loci/internal/note"
	"github.com/placewhisper/genius-loci/internal/store/redisstore"
)

type Handler struct {
	ChatSvc *chat.Service
	Notes   *note.Repo
	Cache   *redisstore.Store // optional
}

func NewHandler(svc *chat.Service, notes *note.Repo, cache *redisstore.Store) *Handler {
	return &Handler{ChatSvc: svc, Notes: notes, Cache: cache}
}
