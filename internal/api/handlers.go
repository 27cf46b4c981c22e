package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"Ceremony/internal/ceremony"
)

// authedHandler serves a request from an authenticated participant.
type authedHandler func(w http.ResponseWriter, r *http.Request, participantID string)

// LockResult is the result of a lock attempt.
type LockResult struct {
	ChunkID string `json:"chunkId"`
	Locked  bool   `json:"locked"`
}

// WriteLocationResult tells a lock holder where to upload.
type WriteLocationResult struct {
	ChunkID       string `json:"chunkId"`
	ParticipantID string `json:"participantId"`
	WriteURL      string `json:"writeUrl"`
}

// ReclaimResult lists chunks whose expired lock was released.
type ReclaimResult struct {
	ChunkIDs []string `json:"chunkIds"`
}

// authenticate verifies the Authorization header and returns the participant id.
func (s *Server) authenticate(r *http.Request) (string, error) {
	return s.scheme.Verify(r.Header.Get("Authorization"), r.Method, r.URL.Path)
}

// participant requires a caller in either role set.
func (s *Server) participant(next authedHandler) http.HandlerFunc {
	return s.member(next, "participant", (*ceremony.Ceremony).IsParticipant)
}

// verifier requires a caller in the verifier set.
func (s *Server) verifier(next authedHandler) http.HandlerFunc {
	return s.member(next, "verifier", (*ceremony.Ceremony).IsVerifier)
}

// member authenticates the caller and checks group membership against the current ceremony.
func (s *Server) member(next authedHandler, group string, inGroup func(*ceremony.Ceremony, string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticate(r)
		if err != nil {
			writeFailure(w, err)
			return
		}

		if !inGroup(s.coord.GetCeremony(), id) {
			writeError(w, http.StatusForbidden, CodeForbidden, fmt.Sprintf("%s is not a %s", id, group))
			return
		}

		next(w, r, id)
	}
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   s.coord.GetCeremony().Version,
		"remaining": len(s.coord.GetChunksRemaining()),
	})
}

// handleGetCeremony handles GET /ceremony requests.
func (s *Server) handleGetCeremony(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.GetCeremony())
}

// handleSetCeremony handles PUT /ceremony requests.
func (s *Server) handleSetCeremony(w http.ResponseWriter, r *http.Request, _ string) {
	var next ceremony.Ceremony
	if err := s.decodeJSON(w, r, &next); err != nil {
		writeFailure(w, err)
		return
	}

	if err := s.coord.SetCeremony(&next); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.coord.GetCeremony())
}

// handleChunksRemaining handles GET /chunks/remaining requests.
func (s *Server) handleChunksRemaining(w http.ResponseWriter, r *http.Request) {
	remaining := s.coord.GetChunksRemaining()
	if remaining == nil {
		remaining = []*ceremony.Chunk{}
	}

	writeJSON(w, http.StatusOK, remaining)
}

// handleGetChunk handles GET /chunks/{id} requests.
func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	chunk, err := s.coord.GetChunk(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chunk)
}

// handleLock handles POST /chunks/{id}/lock requests.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, participantID string) {
	chunkID := r.PathValue("id")

	locked, err := s.coord.TryLockChunk(chunkID, participantID)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LockResult{ChunkID: chunkID, Locked: locked})
}

// handleUnlock handles POST /chunks/{id}/unlock requests.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, participantID string) {
	if err := s.coord.UnlockChunk(r.PathValue("id"), participantID); err != nil {
		writeFailure(w, err)
		return
	}

	chunk, err := s.coord.GetChunk(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chunk)
}

// handleWriteLocation handles GET /chunks/{id}/contribution requests.
func (s *Server) handleWriteLocation(w http.ResponseWriter, r *http.Request, participantID string) {
	chunkID := r.PathValue("id")

	location, err := s.coord.WriteLocation(r.Context(), chunkID, participantID)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WriteLocationResult{
		ChunkID:       chunkID,
		ParticipantID: participantID,
		WriteURL:      location,
	})
}

// handleContribute handles POST /chunks/{id}/contribution requests.
func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request, participantID string) {
	chunk, err := s.coord.ContributeChunk(r.Context(), r.PathValue("id"), participantID)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chunk)
}

// handleUpload handles POST /chunks/{id}/contribution/{version} requests.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, participantID string) {
	version, err := parseVersion(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)

	if err := s.coord.StageContribution(r.Context(), r.PathValue("id"), version, participantID, body); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chunkId": r.PathValue("id"), "version": version})
}

// handleDownload handles GET /chunks/{id}/contribution/{version} requests.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	version, err := parseVersion(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	data, err := s.coord.ReadContribution(r.Context(), r.PathValue("id"), version)
	if err != nil {
		writeFailure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleSeed handles POST /chunks/{id}/seed requests.
func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request, participantID string) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBody))
	if err != nil {
		writeFailure(w, err)
		return
	}

	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "empty seed")
		return
	}

	if err := s.coord.WriteSeed(r.Context(), r.PathValue("id"), participantID, data); err != nil {
		writeFailure(w, err)
		return
	}

	chunk, err := s.coord.GetChunk(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chunk)
}

// handleReclaim handles POST /locks/reclaim requests.
func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request, _ string) {
	ids, err := s.coord.ReclaimExpired(time.Now().UTC())
	if err != nil {
		writeFailure(w, err)
		return
	}

	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, ReclaimResult{ChunkIDs: ids})
}

// decodeJSON decodes a size-limited JSON body, rejecting unknown fields.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body:\n%w", ceremony.ErrInvalidInput, err)
	}

	return nil
}

// parseVersion parses the {version} path segment.
func parseVersion(r *http.Request) (int, error) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 0 {
		return 0, fmt.Errorf("%w: malformed version %q", ceremony.ErrInvalidInput, r.PathValue("version"))
	}

	return version, nil
}
