package api

import (
	"encoding/json"
	"net/http"

	"github.com/caam1406/gastos-bridge/pkg/logger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status": s.status.State().String(),
		"ready":  s.status.Ready(),
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	chats, err := s.chats.ListGroups(r.Context())
	if err != nil {
		logger.ErrorCF("api", "Failed to list conversations", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, `{"error":"failed to list conversations"}`, http.StatusBadGateway)
		return
	}

	type conversation struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	out := make([]conversation, 0, len(chats))
	for _, chat := range chats {
		if !chat.IsGroup {
			continue
		}
		out = append(out, conversation{ID: chat.ID, Name: chat.Name})
	}

	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
