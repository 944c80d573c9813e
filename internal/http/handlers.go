package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/ride"
)

// Server is the party-local control surface: the user's device drives
// its own coordinator through it. It is not exposed to the counterparty;
// everything between parties travels over the relay.
type Server struct {
	sess   *ride.Session
	wsreg  *notify.WSRegistry
	logger *slog.Logger
	mux    *mux.Router

	mu     sync.Mutex
	offers []offerView
}

type offerView struct {
	ID    string       `json:"id"`
	Offer models.Offer `json:"offer"`
}

func NewServer(sess *ride.Session, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{sess: sess, wsreg: wsreg, logger: logger, mux: mux.NewRouter()}
	sess.OnOffer = s.rememberOffer
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/ride", s.handleRideState).Methods("GET")
	s.mux.HandleFunc("/api/v1/ride/offer", s.handlePlaceOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers", s.handleListOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/ride/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride/route", s.transition(s.sess.StartRoute)).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride/arrive", s.transition(s.sess.Arrive)).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride/pin/submit", s.handleSubmitPin).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride/pin/verify", s.transition(s.sess.VerifyPin)).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride/start", s.transition(s.sess.StartRide)).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride/complete", s.transition(s.sess.Complete)).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride/cancel", s.transition(s.sess.Cancel)).Methods("POST")
	s.mux.HandleFunc("/api/v1/location", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) rememberOffer(id string, offer models.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, offerView{ID: id, Offer: offer})
	if len(s.offers) > 16 {
		s.offers = s.offers[len(s.offers)-16:]
	}
}

func (s *Server) handleRideState(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ride":  s.sess.ActiveRide(),
		"state": s.sess.State(),
	}
	if pin := s.sess.Pin(); pin != "" {
		resp["pin"] = pin
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePlaceOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pickup      models.Coord `json:"pickup"`
		Dropoff     models.Coord `json:"dropoff"`
		AmountMinor int64        `json:"amount_minor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.sess.PlaceOffer(r.Context(), req.Pickup, req.Dropoff, req.AmountMinor)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": id})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	offers := append([]offerView(nil), s.offers...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OfferID string `json:"offer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.sess.AcceptOffer(r.Context(), req.OfferID); err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": req.OfferID, "state": s.sess.State()})
}

func (s *Server) handleSubmitPin(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.SubmitPin(r.Context()); err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.sess.State()})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coord
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.sess.UpdateLocation(r.Context(), c); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(204)
}

// transition adapts a session lifecycle method into a handler. Guard and
// transition rejections come back as 409 with the outcome text so the UI
// can explain what was missing.
func (s *Server) transition(fn func(ctx context.Context) (ride.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := fn(r.Context())
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]any{"outcome": out.String(), "error": err.Error()})
			return
		}
		if out.Code != ride.Applied {
			writeJSON(w, http.StatusConflict, map[string]any{"outcome": out.String()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcome": out.String(), "state": s.sess.State()})
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	s.wsreg.Add(id, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
