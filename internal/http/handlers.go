package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

type submitRequestBody struct {
	RiderID     string          `json:"rider_id"`
	Origin      models.GeoPoint `json:"origin"`
	Destination models.GeoPoint `json:"destination"`
	Capability  string          `json:"capability"`
	Tier        int             `json:"tier"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, quote, err := s.Engine.SubmitRequest(r.Context(), body.RiderID, body.Origin, body.Destination, body.Capability, body.Tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": req.ID,
		"status":     req.Status,
		"quote":      quote,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	req, ok := s.Engine.Request(id)
	if !ok {
		http.Error(w, "unknown request", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	preempted, err := s.Engine.CancelRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "preempted_offer": preempted})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	var actual models.Route
	if err := json.NewDecoder(r.Body).Decode(&actual); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	final, err := s.Engine.SettleTrip(r.Context(), id, actual)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "final_price": final})
}

type respondBody struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["assignment_id"]
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.Respond(r.Context(), id, body.Accept); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityBody struct {
	Availability models.Availability `json:"availability"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["worker_id"]
	var body availabilityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.SetAvailability(id, body.Availability); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var rep models.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// publish to kafka if configured; the engine consumes the report either way
	if s.Kafka != nil {
		if err := s.Kafka.PublishPosition(rep); err != nil {
			s.logger.Warn("kafka publish failed", "worker_id", rep.WorkerID, "error", err)
		}
	}
	if err := s.Engine.ReportPosition(r.Context(), rep); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

type wsRespond struct {
	AssignmentID string `json:"assignment_id"`
	Accept       bool   `json:"accept"`
}

// handleWS registers a worker offer channel and reads accept/decline messages
// off it until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["worker_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Drop(id)
			_ = conn.Close()
		}()
		for {
			var msg wsRespond
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.AssignmentID == "" {
				continue
			}
			// the request context dies when the handler returns; the
			// connection outlives it
			if err := s.Engine.Respond(context.Background(), msg.AssignmentID, msg.Accept); err != nil {
				s.logger.Debug("ws respond ignored", "assignment_id", msg.AssignmentID, "error", err)
			}
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matcher.ErrUnknownRequest),
		errors.Is(err, matcher.ErrUnknownWorker),
		errors.Is(err, matcher.ErrUnknownAssignment):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, matcher.ErrInvalidPoint),
		errors.Is(err, matcher.ErrBadAvailability):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, matcher.ErrWorkerEngaged),
		errors.Is(err, matcher.ErrNotMatched):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
