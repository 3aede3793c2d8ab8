package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
	"github.com/iliyamo/realtime-chat/internal/msgrouter"
	"github.com/iliyamo/realtime-chat/internal/protocol"
	"github.com/iliyamo/realtime-chat/internal/repository"
)

// DirectCreator creates (or finds) the direct conversation of two users.
type DirectCreator interface {
	CreateDirect(ctx context.Context, actor msgrouter.Actor, peerID string) (model.Conversation, bool, error)
}

// HistoryReader is the slice of the store the history endpoint reads.
type HistoryReader interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListHistory(ctx context.Context, q repository.HistoryQuery) ([]model.Message, error)
}

// ConversationHandler serves direct conversation creation and history.
type ConversationHandler struct {
	Router DirectCreator
	Store  HistoryReader
	Log    *zap.Logger
}

func NewConversationHandler(r DirectCreator, h HistoryReader, log *zap.Logger) *ConversationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationHandler{Router: r, Store: h, Log: log.With(zap.String("component", "conversations"))}
}

type directReq struct {
	PeerID string `json:"peer_id"`
}

type conversationResp struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Created   bool      `json:"created"`
}

// CreateDirect: POST /v1/conversations/direct.  201 when the conversation
// was created, 200 when it already existed.
func (h *ConversationHandler) CreateDirect(c echo.Context) error {
	var req directReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "peer_id required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	conv, created, err := h.Router.CreateDirect(ctx, msgrouter.Actor{UserID: currentUser(c)}, req.PeerID)
	if err != nil {
		return fail(c, h.Log, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, conversationResp{ID: conv.ID, Kind: conv.Kind, CreatedAt: conv.CreatedAt, Created: created})
}

// History: GET /v1/conversations/:id/messages?anchor=&direction=before|after&limit=
func (h *ConversationHandler) History(c echo.Context) error {
	convID := c.Param("id")
	if !protocol.ValidConversationID(convID) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid conversation id"})
	}
	q := repository.HistoryQuery{
		ConversationID: convID,
		Anchor:         c.QueryParam("anchor"),
		Direction:      c.QueryParam("direction"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		q.Limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	ok, err := h.Store.IsParticipant(ctx, convID, currentUser(c))
	if err != nil {
		return fail(c, h.Log, err)
	}
	if !ok {
		return fail(c, h.Log, apperr.New(apperr.Forbidden, "not a participant"))
	}
	msgs, err := h.Store.ListHistory(ctx, q.Normalize())
	if err != nil {
		return fail(c, h.Log, err)
	}
	out := make([]protocol.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.FromMessage(m))
	}
	return c.JSON(http.StatusOK, echo.Map{"messages": out})
}
