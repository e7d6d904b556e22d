package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/avatarchat/internal/signaling"
)

const maxIdleVideoBytes = 64 << 20

type agentResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IdleVideo string `json:"idleVideo,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.lookupAgent(r.Context())
	if err != nil {
		s.respondProviderError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agentResponse{
		ID:        agent.ID,
		Name:      agent.Name,
		IdleVideo: agent.IdleVideoURL,
		Thumbnail: agent.ThumbnailURL,
	})
}

func (s *Server) lookupAgent(ctx context.Context) (signaling.Agent, error) {
	if strings.TrimSpace(s.cfg.DIDAgentID) == "" {
		return signaling.Agent{}, fmt.Errorf("DID_AGENT_ID %w", signaling.ErrNotConfigured)
	}
	if s.provider == nil {
		return signaling.Agent{}, fmt.Errorf("DID_API_KEY %w", signaling.ErrNotConfigured)
	}
	return s.provider.GetAgent(ctx, s.cfg.DIDAgentID)
}

func (s *Server) respondProviderError(w http.ResponseWriter, err error) {
	if errors.Is(err, signaling.ErrNotConfigured) {
		respondError(w, http.StatusServiceUnavailable, "not_configured", err.Error())
		return
	}
	var pe *signaling.ProviderError
	if errors.As(err, &pe) {
		s.metrics.ObserveProviderError("did", pe.Op)
		respondError(w, http.StatusBadGateway, "provider_error", pe.Error())
		return
	}
	respondError(w, http.StatusBadGateway, "provider_error", err.Error())
}

func (s *Server) handleIdleVideo(w http.ResponseWriter, r *http.Request) {
	video, err := s.idleVideo.get(r.Context(), s.fetchIdleVideo)
	if err != nil {
		s.logger.Warn("idle video unavailable", "error", err)
		s.respondProviderError(w, err)
		return
	}
	w.Header().Set("Content-Type", video.contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(video.data)
}

func (s *Server) fetchIdleVideo(ctx context.Context) (cachedVideo, error) {
	src := strings.TrimSpace(s.cfg.IdleVideoURL)
	if src == "" {
		agent, err := s.lookupAgent(ctx)
		if err != nil {
			return cachedVideo{}, err
		}
		src = agent.IdleVideoURL
	}
	if src == "" {
		return cachedVideo{}, &signaling.ProviderError{Op: "idle_video", Body: "agent has no idle video"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return cachedVideo{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return cachedVideo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cachedVideo{}, &signaling.ProviderError{Op: "idle_video", Status: resp.StatusCode, Body: resp.Status}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIdleVideoBytes))
	if err != nil {
		return cachedVideo{}, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return cachedVideo{data: data, contentType: contentType}, nil
}

type cachedVideo struct {
	data        []byte
	contentType string
	fetchedAt   time.Time
}

// idleVideoCache holds one downloaded idle clip for ttl.
type idleVideoCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	entry *cachedVideo
}

func newIdleVideoCache(ttl time.Duration) *idleVideoCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &idleVideoCache{ttl: ttl, now: time.Now}
}

func (c *idleVideoCache) get(ctx context.Context, fetch func(context.Context) (cachedVideo, error)) (cachedVideo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry != nil && c.now().Sub(c.entry.fetchedAt) < c.ttl {
		return *c.entry, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		return cachedVideo{}, err
	}
	v.fetchedAt = c.now()
	c.entry = &v
	return v, nil
}
