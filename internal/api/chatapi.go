package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/chat"
	"github.com/synapsis-swarm/synapsis/internal/models"
)

type messageView struct {
	ID                  string `json:"id"`
	ConversationID      string `json:"conversationId"`
	SenderHandle        string `json:"senderHandle"`
	Content             string `json:"content,omitempty"`
	EncryptedContent    string `json:"encryptedContent,omitempty"`
	SenderChatPublicKey string `json:"senderChatPublicKey,omitempty"`
	Delivered           bool   `json:"delivered"`
	Read                bool   `json:"read"`
	CreatedAt           int64  `json:"createdAt"`
}

func viewMessage(m *models.ChatMessage) messageView {
	return messageView{
		ID:                  m.ID,
		ConversationID:      m.ConversationID,
		SenderHandle:        m.SenderHandle,
		Content:             m.Content,
		EncryptedContent:    m.EncryptedContent,
		SenderChatPublicKey: m.SenderChatPublicKey,
		Delivered:           !m.DeliveredAt.IsZero(),
		Read:                !m.ReadAt.IsZero(),
		CreatedAt:           m.CreatedAt.UnixMilli(),
	}
}

// handleChatSend accepts a signed action whose data carries the message.
// Local sends would work on the session alone, but requiring the
// envelope keeps one code path and gives remote sends the signature they
// need.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	env, u, ok := s.verifiedEnvelope(w, r)
	if !ok {
		return
	}
	var data struct {
		To                  string `json:"to"`
		Content             string `json:"content"`
		EncryptedContent    string `json:"encryptedContent"`
		SenderChatPublicKey string `json:"senderChatPublicKey"`
	}
	if err := decodeData(env, &data); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.chat.Send(r.Context(), u, chat.SendParams{
		RecipientHandle:     data.To,
		Content:             data.Content,
		EncryptedContent:    data.EncryptedContent,
		SenderChatPublicKey: data.SenderChatPublicKey,
		Envelope:            env,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ChatMessages.WithLabelValues("out").Inc()
	}
	writeJSON(w, http.StatusCreated, viewMessage(msg))
}

func (s *Server) handleChatConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.Conversations(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type convView struct {
		ID                 string `json:"id"`
		PeerHandle         string `json:"peerHandle"`
		LastMessageAt      int64  `json:"lastMessageAt"`
		LastMessagePreview string `json:"lastMessagePreview"`
	}
	out := make([]convView, len(convs))
	for i, c := range convs {
		out[i] = convView{
			ID:                 c.ID,
			PeerHandle:         c.PeerHandle,
			LastMessageAt:      c.LastMessageAt.UnixMilli(),
			LastMessagePreview: c.LastMessagePreview,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		s.writeError(w, r, models.ErrValidation)
		return
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, r, models.ErrValidation)
			return
		}
		before = time.UnixMilli(ms)
	}
	msgs, err := s.chat.History(r.Context(), userFrom(r.Context()), conversationID, before, limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = viewMessage(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChatMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ConversationID == "" {
		s.writeError(w, r, models.ErrValidation)
		return
	}
	if err := s.chat.MarkRead(r.Context(), userFrom(r.Context()), req.ConversationID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleChatReceive ingests a node-signed cross-node message.
func (s *Server) handleChatReceive(w http.ResponseWriter, r *http.Request) {
	var d chat.Delivery
	if err := decodeJSON(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if d.Message.SenderNodeDomain == "" {
		d.Message.SenderNodeDomain = sourceDomainFrom(r.Context())
	} else if !strings.EqualFold(d.Message.SenderNodeDomain, sourceDomainFrom(r.Context())) {
		s.writeError(w, r, models.ErrInvalidSignature)
		return
	}
	if err := s.chat.Receive(r.Context(), &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ChatMessages.WithLabelValues("in").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleLegacyChatGone answers the retired server-aided ingestion path.
func (s *Server) handleLegacyChatGone(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusGone, errorBody{
		Error: "server-aided chat ingestion has been removed; use /api/chat/receive",
		Code:  "GONE",
	})
}
