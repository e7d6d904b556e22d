package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

type voiceSummary struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Voices         []voiceSummary `json:"voices"`
}

// handleListVoices lists the ElevenLabs voices the avatar can be asked to
// speak with. Without a key only the configured default is reported.
func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.ElevenLabsAPIKey) == "" {
		respondJSON(w, http.StatusOK, listVoicesResponse{
			DefaultVoiceID: s.cfg.DIDVoiceID,
			Voices:         []voiceSummary{},
		})
		return
	}

	base := strings.TrimRight(strings.TrimSpace(s.cfg.ElevenLabsBaseURL), "/")
	if base == "" {
		base = "https://api.elevenlabs.io"
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, base+"/v1/voices", nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	req.Header.Set("xi-api-key", s.cfg.ElevenLabsAPIKey)

	res, err := s.httpClient.Do(req)
	if err != nil {
		respondError(w, http.StatusBadGateway, "elevenlabs_request_failed", err.Error())
		return
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		respondError(w, http.StatusBadGateway, "elevenlabs_bad_status", fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
		return
	}

	var parsed struct {
		Voices []struct {
			VoiceID  string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		respondError(w, http.StatusBadGateway, "elevenlabs_invalid_json", err.Error())
		return
	}

	all := make([]voiceSummary, 0, len(parsed.Voices))
	for _, v := range parsed.Voices {
		item := voiceSummary{
			VoiceID:  strings.TrimSpace(v.VoiceID),
			Name:     strings.TrimSpace(v.Name),
			Category: strings.TrimSpace(v.Category),
			Labels:   v.Labels,
		}
		if item.VoiceID == "" || item.Name == "" {
			continue
		}
		all = append(all, item)
	}
	sort.Slice(all, func(i, j int) bool {
		return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
	})

	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: s.cfg.DIDVoiceID,
		Voices:         all,
	})
}
