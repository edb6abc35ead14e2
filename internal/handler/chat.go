package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"condo-assistant/internal/model"
	"condo-assistant/internal/service"
	"condo-assistant/internal/storage"
	"condo-assistant/internal/utils"
	"condo-assistant/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	WorkspaceHeader = "X-Workspace-ID"

	defaultHeartbeat = 30 * time.Second
	streamTimeout    = 25 * time.Minute
)

type ChatHandler struct {
	chatService *service.ChatService
	heartbeat   time.Duration
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		heartbeat:   defaultHeartbeat,
	}
}

func (h *ChatHandler) workspace(c *gin.Context) *service.Workspace {
	bearer := c.GetHeader("Authorization")
	id := service.ResolveWorkspaceID(c.GetHeader(WorkspaceHeader), bearer)
	return h.chatService.Workspace(id, bearer)
}

// StreamChat sends the user's message and relays every change of the
// workspace's message list as a "message" event until the reply is complete.
// Failures raised before anything was streamed are answered as plain JSON
// with the matching status; later ones arrive as an "error" event.
func (h *ChatHandler) StreamChat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws := h.workspace(c)
	if ws.Streaming() {
		writeError(c, service.ErrSendInProgress)
		return
	}

	fields := logrus.Fields{"workspace_id": ws.ID, "conversation_id": req.ConversationID}
	logger.WithFields(fields).Info("Chat request received")

	sseWriter := utils.NewSSEWriter(c.Writer)

	ctx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()

	unsubscribe := ws.List.Subscribe(func(change service.Change) {
		if err := sseWriter.WriteJSON("message", toChatEvent(change)); err != nil {
			logger.WithFields(fields).Debugf("Failed to relay change: %v", err)
		}
	})
	defer unsubscribe()

	heartbeatTicker := time.NewTicker(h.heartbeat)
	defer heartbeatTicker.Stop()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		for {
			select {
			case <-heartbeatTicker.C:
				if err := sseWriter.WriteJSON("heartbeat", gin.H{"type": "heartbeat", "timestamp": time.Now().Unix()}); err != nil {
					logger.WithFields(fields).Warnf("Failed to send heartbeat: %v", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	result, err := ws.Pipeline.SendMessage(ctx, req.Message, req.ConversationID)
	unsubscribe()
	cancel()
	<-heartbeatDone

	if err != nil {
		logger.WithFields(fields).Warnf("Chat request failed: %v", err)
		if !sseWriter.Started() {
			writeError(c, err)
			return
		}
		status, body := errorBody(err)
		_ = sseWriter.WriteJSON("error", model.ChatErrorEvent{
			Error:     body.Error,
			Type:      body.Type,
			Status:    status,
			Timestamp: time.Now().Unix(),
		})
		_ = sseWriter.Close()
		return
	}

	done := model.ChatDoneEvent{Timestamp: time.Now().Unix()}
	if result != nil {
		done.ConversationID = result.ConversationID
		done.MessageID = result.Message.ID
		done.Title = result.Title
	}
	_ = sseWriter.WriteJSON("done", done)
	_ = sseWriter.Close()
}

// GetMessages returns the workspace's current message list.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	c.JSON(http.StatusOK, h.workspace(c).Messages())
}

func toChatEvent(change service.Change) model.ChatEvent {
	return model.ChatEvent{
		Type:           string(change.Type),
		ConversationID: change.ConversationID,
		Message:        change.Message,
		Messages:       change.Messages,
		Timestamp:      time.Now().Unix(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

func errorBody(err error) (int, errorResponse) {
	var pe *service.PipelineError
	switch {
	case errors.As(err, &pe):
		return pe.Status, errorResponse{Error: pe.Message, Type: string(pe.Kind)}
	case errors.Is(err, service.ErrSendInProgress):
		return http.StatusConflict, errorResponse{Error: err.Error(), Type: "send_in_progress"}
	case errors.Is(err, service.ErrConversationBusy):
		return http.StatusConflict, errorResponse{Error: err.Error(), Type: "conversation_busy"}
	case errors.Is(err, storage.ErrConversationNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error(), Type: "not_found"}
	case errors.Is(err, storage.ErrInvalidData):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Type: "invalid"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error()}
	}
}

func writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	c.JSON(status, body)
}
