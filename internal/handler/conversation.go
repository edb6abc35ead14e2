package handler

import (
	"net/http"

	"condo-assistant/internal/model"

	"github.com/gin-gonic/gin"
)

func toConversationResponse(conversation *model.Conversation, selected string) model.ConversationResponse {
	return model.ConversationResponse{
		ConversationID: conversation.ID,
		Title:          conversation.Title,
		CreatedAt:      conversation.CreatedAt,
		LastActivityAt: conversation.LastActivityAt,
		Selected:       conversation.ID == selected,
	}
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	ws := h.workspace(c)

	conversations, err := ws.Manager.Conversations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	selected := ws.Manager.Current()
	resp := make([]model.ConversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		resp = append(resp, toConversationResponse(conversation, selected))
	}

	c.JSON(http.StatusOK, gin.H{"conversations": resp})
}

// CreateConversation stores a new conversation and selects it. The body is
// optional.
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req model.CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ws := h.workspace(c)
	conversation, err := ws.Manager.Create(c.Request.Context(), req.Title)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toConversationResponse(conversation, conversation.ID))
}

func (h *ChatHandler) RenameConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	var req model.RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.workspace(c).Manager.Rename(c.Request.Context(), conversationID, req.Title); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Title updated successfully"})
}

func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	if err := h.workspace(c).Manager.Delete(c.Request.Context(), conversationID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

// SelectConversation switches the workspace to the conversation and returns
// its messages. A stream running elsewhere keeps going.
func (h *ChatHandler) SelectConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	ws := h.workspace(c)
	if err := ws.Manager.Select(c.Request.Context(), conversationID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ws.Messages())
}

// ReloadConversation refetches the selected conversation. "applied" is false
// when the reload was held back by a running stream.
func (h *ChatHandler) ReloadConversation(c *gin.Context) {
	ws := h.workspace(c)

	applied, err := ws.Manager.Reload(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"applied":  applied,
		"messages": ws.Messages(),
	})
}
