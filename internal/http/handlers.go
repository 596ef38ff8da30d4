package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fleet-allocation/internal/allocation"
	"github.com/example/fleet-allocation/internal/anomaly"
	"github.com/example/fleet-allocation/internal/dispatch"
	"github.com/example/fleet-allocation/internal/eta"
	"github.com/example/fleet-allocation/internal/external"
	"github.com/example/fleet-allocation/internal/geo"
	"github.com/example/fleet-allocation/internal/ingest"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

type Server struct {
	Orchestrator *allocation.Orchestrator
	Monitor      *anomaly.Monitor
	Store        storage.Store
	Kafka        *ingest.KafkaProducer
	WSReg        *dispatch.WSRegistry

	// RedisGeo, when set, answers nearby-driver queries from the shared
	// Redis GEO set instead of the process-local index.
	RedisGeo *geo.RedisIndex

	geoIdx   *geo.Index
	etaCache *eta.Cache
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(orc *allocation.Orchestrator, mon *anomaly.Monitor, store storage.Store, kp *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Orchestrator: orc,
		Monitor:      mon,
		Store:        store,
		Kafka:        kp,
		WSReg:        wsreg,
		geoIdx:       geo.NewIndex(),
		etaCache:     eta.NewCache(5 * time.Minute),
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/rate", s.handleRate).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/status", s.handleTransition).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/external", s.handleConfirmExternal).Methods("POST")
	s.mux.HandleFunc("/api/v1/estimates", s.handleEstimate).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/toggle", s.handleToggle).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/location", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req allocation.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	booking, res, err := s.Orchestrator.CreateBooking(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"booking": booking, "allocation": res})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Store.GetBooking(r.Context(), mux.Vars(r)["booking_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
		Accepted bool   `json:"accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	booking, res, err := s.Orchestrator.Respond(r.Context(), mux.Vars(r)["booking_id"], req.DriverID, req.Accepted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": booking, "reallocation": res})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CancelledBy string `json:"cancelled_by"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Orchestrator.Cancel(r.Context(), mux.Vars(r)["booking_id"], req.CancelledBy, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
		RatedBy  string  `json:"rated_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Score < 0 || req.Score > 5 {
		http.Error(w, "score must be between 0 and 5", http.StatusBadRequest)
		return
	}
	b, err := s.Orchestrator.Rate(r.Context(), mux.Vars(r)["booking_id"], req.RatedBy, req.Score, req.Feedback)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status      models.BookingStatus `json:"status"`
		CancelledBy string               `json:"cancelled_by"`
		Reason      string               `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["booking_id"]
	var (
		b   *models.Booking
		err error
	)
	if req.Status == models.StatusCancelled {
		b, err = s.Orchestrator.Cancel(r.Context(), id, req.CancelledBy, req.Reason)
	} else {
		b, err = s.Orchestrator.Transition(r.Context(), id, req.Status)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason   string        `json:"reason"`
		Location *models.Coord `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Monitor.HandleToggle(r.Context(), mux.Vars(r)["driver_id"], req.Reason, req.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Locked {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var fix models.LocationFix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fix.DriverID = mux.Vars(r)["driver_id"]
	res, err := s.Monitor.HandleLocation(r.Context(), fix)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.geoIdx.Upsert(fix.DriverID, models.GPSFix{
		Coord:       fix.Coord,
		AccuracyM:   fix.AccuracyM,
		SpeedMps:    fix.SpeedMps,
		Heading:     fix.Heading,
		LastUpdated: fix.At,
	})
	// publish for the consumer pipeline (geo index refresh) if configured
	if s.Kafka != nil {
		if err := s.Kafka.PublishFix(fix); err != nil {
			s.logger.Warn("gps publish failed", "driver_id", fix.DriverID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirmExternal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider   string `json:"provider"`
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Orchestrator.ConfirmExternal(r.Context(), mux.Vars(r)["booking_id"], req.Provider, req.CustomerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleEstimate quotes a trip before booking: the internal straight-line
// ETA plus external provider estimates.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	from, ok1 := coordParam(r, "from_lat", "from_lon")
	to, ok2 := coordParam(r, "to_lat", "to_lon")
	if !ok1 || !ok2 {
		http.Error(w, "from_lat, from_lon, to_lat, to_lon are required", http.StatusBadRequest)
		return
	}
	minutes, ok := s.etaCache.Get(from, to)
	if !ok {
		minutes = eta.EstimateMinutes(from, to, s.Orchestrator.Resolver.SpeedMps)
		s.etaCache.Set(from, to, minutes)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eta_minutes":      minutes,
		"external_options": external.Estimates(from, to),
	})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	at, ok := coordParam(r, "lat", "lon")
	if !ok {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	radius := 5000.0
	if v := r.URL.Query().Get("radius_m"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			http.Error(w, "invalid radius_m", http.StatusBadRequest)
			return
		}
		radius = f
	}
	var (
		ids []string
		err error
	)
	if s.RedisGeo != nil {
		ids, err = s.RedisGeo.Nearby(r.Context(), at.Lat, at.Lon, radius, 50)
		if err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		ids = s.geoIdx.Nearby(at.Lat, at.Lon, radius, 50)
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_ids": ids})
}

func coordParam(r *http.Request, latKey, lonKey string) (models.Coord, bool) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get(latKey), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get(lonKey), 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, false
	}
	return models.Coord{Lat: lat, Lon: lon}, true
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(id, conn)
	// drain inbound frames; a read error means the driver went away and
	// the session must not linger in the registry
	go func() {
		defer func() {
			s.WSReg.Drop(id, sess)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var locked *anomaly.LockedError
	switch {
	case errors.As(err, &locked):
		writeJSON(w, http.StatusLocked, map[string]any{"error": "driver locked", "lock_expiry": locked.Until})
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, allocation.ErrCancellationWindow), errors.Is(err, allocation.ErrUnknownProvider):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, allocation.ErrInvalidVehicleBinding):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
