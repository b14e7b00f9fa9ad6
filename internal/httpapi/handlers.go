package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/service"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/types"
)

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req types.ScanRequest
	if err := decode(w, r, maxScanBody, &req); err != nil {
		writeFailure(w, r, err)
		return
	}

	res, err := s.scans.ProcessSingleScan(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.ScanResponse{
		OK:         true,
		RecordID:   res.Record.ID,
		PersonID:   res.Person.ID,
		PersonName: res.Person.Name,
		Direction:  res.Direction,
		Timestamp:  res.Record.Timestamp.UTC().Format(time.RFC3339Nano),
		KioskID:    res.Record.KioskID,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleBulkScans answers 200 whenever the batch itself was processed;
// per-item failures are reported in the outcomes.
func (s *Server) handleBulkScans(w http.ResponseWriter, r *http.Request) {
	var req types.BulkScanRequest
	if err := decode(w, r, maxBulkBody, &req); err != nil {
		writeFailure(w, r, err)
		return
	}

	res, err := s.scans.ProcessBulkScans(r.Context(), req.Items)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.GetStats(r.Context())
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("presence stats failed")
		writeError(w, http.StatusServiceUnavailable, "STATS_UNAVAILABLE", "presence stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decode(w, r, maxScanBody, &req); err != nil {
		writeFailure(w, r, err)
		return
	}

	resp, err := s.heartbeats.Record(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidKioskID) {
			writeError(w, http.StatusBadRequest, service.CodeMissingField, err.Error())
			return
		}
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
