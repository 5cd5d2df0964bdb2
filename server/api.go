package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/gc"
	"github.com/wolfeidau/frame-cache/scheduler"
	"github.com/wolfeidau/frame-cache/telemetry"
)

// maxBodySize bounds request bodies of the control API.
const maxBodySize = 64 << 10

// itemResponse is a playback item as returned by the API.
type itemResponse struct {
	ChannelID string `json:"channel_id"`
	PostID    int32  `json:"post_id"`
	Key       string `json:"key"`
	Format    string `json:"format"`
	Path      string `json:"path"`
	URL       string `json:"url"`
	DwellMS   int64  `json:"dwell_ms"`
	Via       string `json:"via"`
}

func newItemResponse(it scheduler.Item) itemResponse {
	return itemResponse{
		ChannelID: it.ChannelID,
		PostID:    it.Entry.PostID,
		Key:       it.Key.String(),
		Format:    it.Entry.Format.String(),
		Path:      it.Path,
		URL:       fmt.Sprintf("/v1/artworks/%s/%d", it.ChannelID, it.Entry.PostID),
		DwellMS:   it.Dwell.Milliseconds(),
		Via:       it.Via,
	}
}

type statsResponse struct {
	scheduler.Overview
	Current   *itemResponse `json:"current,omitempty"`
	Online    bool          `json:"online"`
	Downloads struct {
		Busy          bool   `json:"busy"`
		ActiveChannel string `json:"active_channel,omitempty"`
	} `json:"downloads"`
	FreeBytes uint64 `json:"free_bytes,omitempty"`
}

type publishRequest struct {
	ChannelID string `json:"channel_id"`
	PostID    int32  `json:"post_id"`
}

type loadFailureRequest struct {
	Reason string `json:"reason"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats reports scheduler, download and vault state.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var resp statsResponse
	resp.Overview = s.scheduler.Overview()
	if resp.Overview.Current != nil {
		cur := newItemResponse(*resp.Overview.Current)
		resp.Current = &cur
	}
	resp.Online = s.events.Online.IsSet()
	resp.Downloads.Busy = s.downloads.IsBusy()
	resp.Downloads.ActiveChannel, _ = s.downloads.ActiveChannel()
	if free, err := s.vault.FreeSpace(); err == nil {
		resp.FreeBytes = free
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list_channels")
	writeJSON(w, http.StatusOK, s.scheduler.Overview().Channels)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_channel")
	id := r.PathValue("id")
	telemetry.SetChannel(r, id)

	stats, err := s.scheduler.Stats(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRefreshChannel(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refresh_channel")
	id := r.PathValue("id")
	telemetry.SetChannel(r, id)

	if err := s.scheduler.RequestRefresh(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "next")
	it, err := s.scheduler.PickNext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetChannel(r, it.ChannelID)
	writeJSON(w, http.StatusOK, newItemResponse(it))
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "previous")
	it, err := s.scheduler.PickPrevious(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetChannel(r, it.ChannelID)
	writeJSON(w, http.StatusOK, newItemResponse(it))
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "current")
	it, ok := s.scheduler.Current()
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: nothing playing", framecache.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, newItemResponse(it))
}

// handlePublish feeds a new artwork event into the scheduler.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "publish")
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetChannel(r, req.ChannelID)
	if req.ChannelID == "" {
		s.writeError(w, r, fmt.Errorf("%w: channel_id is required", framecache.ErrInvalidArgument))
		return
	}
	if err := s.scheduler.PublishArtwork(r.Context(), req.ChannelID, req.PostID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

// handleArtworkFile serves the stored file of an artwork.
func (s *Server) handleArtworkFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "artwork_file")
	channelID, postID, err := artworkRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cache, ok := s.registry.Get(channelID)
	if !ok {
		s.writeError(w, r, fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound))
		return
	}
	e, ok := cache.Artwork(postID)
	if !ok || !s.vault.Exists(r.Context(), e.Key(), e.Format) {
		s.writeError(w, r, fmt.Errorf("artwork %d: %w", postID, framecache.ErrNotFound))
		return
	}
	w.Header().Set("X-Content-Key", e.Key().String())
	http.ServeFile(w, r, s.vault.PathFor(e.Key(), e.Format))
}

func (s *Server) handleLoadFailure(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "load_failure")
	channelID, postID, err := artworkRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req loadFailureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.scheduler.ReportLoadFailure(r.Context(), channelID, postID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLoadSuccess(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "load_success")
	channelID, postID, err := artworkRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.scheduler.ReportLoadSuccess(r.Context(), channelID, postID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "online")
	s.events.Online.Set()
	s.logger.Info("device online")
	writeJSON(w, http.StatusOK, map[string]bool{"online": true})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "offline")
	s.events.Online.Clear()
	s.logger.Info("device offline")
	writeJSON(w, http.StatusOK, map[string]bool{"online": false})
}

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "gc_run")
	if s.gc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "gc not enabled"})
		return
	}
	result, err := s.gc.RunNow(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "gc_status")
	if s.gc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "gc not enabled"})
		return
	}
	status := s.gc.Status()
	if status == nil {
		status = &gc.Result{}
	}
	writeJSON(w, http.StatusOK, status)
}

func artworkRef(r *http.Request) (string, int32, error) {
	channelID := r.PathValue("channel")
	telemetry.SetChannel(r, channelID)
	post, err := strconv.ParseInt(r.PathValue("post"), 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: post id %q", framecache.ErrInvalidArgument, r.PathValue("post"))
	}
	return channelID, int32(post), nil
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decoding request: %v", framecache.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, framecache.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, framecache.ErrInvalidArgument):
		status = http.StatusBadRequest
	case framecache.IsCanceled(err):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
