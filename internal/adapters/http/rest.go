package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/app/orch"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/store"
)

type restHandlers struct {
	orch  *orch.Orchestrator
	store store.Store
}

// WhiteboardBody is the snapshot envelope used by the whiteboard endpoints.
type WhiteboardBody struct {
	DrawingData domain.Snapshot `json:"drawing_data"`
}

type MessagesBody struct {
	Messages []domain.ChatMessage `json:"messages"`
}

type EnrollBody struct {
	UserID domain.UserID `json:"user_id"`
}

type ParticipantsBody struct {
	Participants []domain.Participant `json:"participants"`
	Peers        []domain.UserID      `json:"peers"`
}

func sessionID(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

func fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *restHandlers) listLive(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Sessions.List())
}

func (h *restHandlers) getSession(c *gin.Context) {
	e, err := h.store.Session(c.Request.Context(), sessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func validSession(s domain.Session) bool {
	switch s.Kind {
	case domain.KindAITutor, domain.KindPeer:
	default:
		return false
	}
	switch s.Status {
	case domain.StatusWaiting, domain.StatusActive, domain.StatusCompleted:
	default:
		return false
	}
	return true
}

func (h *restHandlers) putSession(c *gin.Context) {
	var s domain.Session
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	s.ID = sessionID(c)
	if s.Kind == "" {
		s.Kind = domain.KindPeer
	}
	if s.Status == "" {
		s.Status = domain.StatusWaiting
	}
	if !validSession(s) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind or status"})
		return
	}
	if err := h.store.PutSession(c.Request.Context(), s); err != nil {
		fail(c, err)
		return
	}
	if s.Status == domain.StatusCompleted {
		h.orch.EvictSession(s.ID)
	}
	c.JSON(http.StatusOK, s)
}

func (h *restHandlers) enroll(c *gin.Context) {
	var body EnrollBody
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	sid := sessionID(c)
	if err := h.store.Enroll(c.Request.Context(), sid, body.UserID); err != nil {
		fail(c, err)
		return
	}
	e, err := h.store.Session(c.Request.Context(), sid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *restHandlers) participants(c *gin.Context) {
	body := ParticipantsBody{Participants: []domain.Participant{}, Peers: []domain.UserID{}}
	if sess, ok := h.orch.Sessions.Get(sessionID(c)); ok {
		body.Participants = sess.MembersSnapshot()
		body.Peers = sess.VoiceSnapshot()
	}
	c.JSON(http.StatusOK, body)
}

func (h *restHandlers) getWhiteboard(c *gin.Context) {
	snap, err := h.store.LoadSnapshot(c.Request.Context(), sessionID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, WhiteboardBody{DrawingData: snap})
}

func (h *restHandlers) saveWhiteboard(c *gin.Context) {
	var body WhiteboardBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if err := h.store.SaveSnapshot(c.Request.Context(), sessionID(c), body.DrawingData); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *restHandlers) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.store.Messages(c.Request.Context(), sessionID(c), limit)
	if err != nil {
		fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, MessagesBody{Messages: msgs})
}

func (h *restHandlers) postMessage(c *gin.Context) {
	var msg domain.ChatMessage
	if err := c.ShouldBindJSON(&msg); err != nil || strings.TrimSpace(msg.Content) == "" || msg.SenderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	msg.SessionID = sessionID(c)
	if msg.ID == "" {
		msg.ID = domain.MessageID(uuid.NewString())
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = h.orch.Now().UTC()
	}
	if err := h.store.AppendMessage(c.Request.Context(), msg); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
