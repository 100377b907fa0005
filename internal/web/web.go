package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aptcal/internal/availability"
	"aptcal/internal/booking"
	"aptcal/internal/calendar"
	"aptcal/internal/config"
	"aptcal/internal/feedsync"
	"aptcal/internal/ics"
	"aptcal/internal/interval"
	appLog "aptcal/internal/log"
	"aptcal/internal/model"
	"aptcal/internal/pricing"
)

type syncer interface {
	Run(ctx context.Context) (feedsync.Report, error)
}

// Server exposes availability, pricing, booking and calendar feeds over
// HTTP.
type Server struct {
	cfg     *config.Config
	manager *booking.Manager
	codec   *ics.Codec
	zone    *time.Location
	syncer  syncer
	mux     *http.ServeMux
}

// NewServer constructs a new Server. syncer may be nil, in which case the
// manual sync endpoint is not registered.
func NewServer(cfg *config.Config, manager *booking.Manager, codec *ics.Codec, zone *time.Location, syncer syncer) *Server {
	if zone == nil {
		zone = time.UTC
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		codec:   codec,
		zone:    zone,
		syncer:  syncer,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return logRequests(h)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="aptcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start).String())
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/units/{id}/availability", s.handleAvailability)
	s.mux.HandleFunc("GET /api/units/{id}/quote", s.handleQuote)
	s.mux.HandleFunc("POST /api/units/{id}/reservations", s.handleBook)
	s.mux.HandleFunc("GET /api/units/{id}/events", s.handleUnitEvents)
	s.mux.HandleFunc("GET /api/units/{id}/calendar", s.handleMonth)
	s.mux.HandleFunc("GET /api/units/{id}/calendar.ics", s.handleUnitICS)

	s.mux.HandleFunc("GET /api/properties/{id}/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/properties/{id}/events", s.handlePropertyEvents)
	s.mux.HandleFunc("GET /api/properties/{id}/calendar.ics", s.handlePropertyICS)

	s.mux.HandleFunc("GET /api/reservations/{id}", s.handleReservation)
	s.mux.HandleFunc("POST /api/reservations/{id}/confirm", s.handleSetState(booking.StateConfirmed))
	s.mux.HandleFunc("POST /api/reservations/{id}/reject", s.handleSetState(booking.StateRejected))

	if s.syncer != nil {
		s.mux.HandleFunc("POST /api/sync", s.handleSync)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAvailability answers whether a unit is free.
//
// GET /api/units/{id}/availability?from=2024-12-01T14:00&to=2024-12-05&occupancy=2
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	in, ok := parseStay(w, r)
	if !ok {
		return
	}
	res, err := s.manager.Check(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	in, ok := parseStay(w, r)
	if !ok {
		return
	}
	res, err := s.manager.Quote(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// bookRequest is the JSON body of POST /api/units/{id}/reservations. From
// and To are local wall-clock times ("2006-01-02T15:04" or "2006-01-02").
type bookRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Occupancy int    `json:"occupancy"`
	Guest     string `json:"guest"`
}

// handleBook creates a pending reservation. An Idempotency-Key header makes
// retries return the first reservation.
func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	from, to, fieldErrs := parseRange(req.From, req.To)
	// A stay must be exportable to iCalendar in the property zone.
	for field, t := range map[string]time.Time{"from": from, "to": to} {
		if t.IsZero() {
			continue
		}
		if _, err := interval.InZone(t, s.zone); err != nil {
			fieldErrs[field] = append(fieldErrs[field], err.Error())
		}
	}
	if len(fieldErrs) > 0 {
		writeFieldErrors(w, fieldErrs)
		return
	}

	ctx := r.Context()
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		ctx = booking.WithIdempotencyKey(ctx, key)
	}

	res, err := s.manager.Book(ctx, r.PathValue("id"), booking.BookInput{
		StayInput: booking.StayInput{From: from, To: to, Occupancy: req.Occupancy},
		Guest:     req.Guest,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Reservation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSetState(state booking.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.manager.SetState(r.Context(), r.PathValue("id"), state)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type searchResponse struct {
	PropertyID string            `json:"property_id"`
	Range      interval.Interval `json:"range"`
	Occupancy  int               `json:"occupancy"`
	Units      []booking.Unit    `json:"units"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	in, ok := parseStay(w, r)
	if !ok {
		return
	}
	units, err := s.manager.Search(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		PropertyID: r.PathValue("id"),
		Range:      interval.Interval{Start: interval.Naive(in.From), End: interval.Naive(in.To)},
		Occupancy:  in.Occupancy,
		Units:      units,
	})
}

// eventsResponse is the JSON response shape for the events endpoints.
type eventsResponse struct {
	Events   []model.Event `json:"events"`
	TimeZone string        `json:"timezone"`
}

// handleUnitEvents lists the merged calendar of a unit. Optional from/to
// restrict it to the events overlapping that range.
func (s *Server) handleUnitEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.UnitEvents(r.Context(), r.PathValue("id"))
	s.writeEvents(w, r, events, err)
}

func (s *Server) handlePropertyEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.PropertyEvents(r.Context(), r.PathValue("id"))
	s.writeEvents(w, r, events, err)
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, events []model.Event, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	if q.Get("from") != "" || q.Get("to") != "" {
		from, to, fieldErrs := parseRange(q.Get("from"), q.Get("to"))
		if len(fieldErrs) > 0 {
			writeFieldErrors(w, fieldErrs)
			return
		}
		window, err := interval.New(from, to)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		events = calendar.Window(events, window)
	}

	writeJSON(w, http.StatusOK, eventsResponse{Events: events, TimeZone: s.zone.String()})
}

// handleMonth returns the calendar widget view of one month.
//
// GET /api/units/{id}/calendar?month=2024-12 (default: current month)
func (s *Server) handleMonth(w http.ResponseWriter, r *http.Request) {
	ym := interval.YearMonthOf(interval.Naive(time.Now().In(s.zone)))
	if m := r.URL.Query().Get("month"); m != "" {
		parsed, err := interval.ParseYearMonth(m)
		if err != nil {
			writeFieldErrors(w, map[string][]string{"month": {"month must be YYYY-MM"}})
			return
		}
		ym = parsed
	}

	res, err := s.manager.MonthView(r.Context(), r.PathValue("id"), ym)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnitICS(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.UnitEvents(r.Context(), r.PathValue("id"))
	s.writeICS(w, r.PathValue("id"), events, err)
}

func (s *Server) handlePropertyICS(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.PropertyEvents(r.Context(), r.PathValue("id"))
	s.writeICS(w, r.PathValue("id"), events, err)
}

func (s *Server) writeICS(w http.ResponseWriter, name string, events []model.Event, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}

	text, err := s.codec.Export(events, s.zone)
	if err != nil {
		appLog.Error("ics export failed", err, "calendar", name)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	disposition := mime.FormatMediaType("inline", map[string]string{"filename": name + ".ics"})
	if disposition == "" {
		disposition = "inline"
	}
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.syncer.Run(r.Context())
	if err != nil {
		appLog.Warn("manual feed sync finished with errors", "error", err.Error())
		writeJSON(w, http.StatusBadGateway, rep)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// parseStay reads from, to and occupancy from the query string. On failure
// it writes a 400 and returns false.
func parseStay(w http.ResponseWriter, r *http.Request) (booking.StayInput, bool) {
	q := r.URL.Query()

	from, to, fieldErrs := parseRange(q.Get("from"), q.Get("to"))
	occupancy, err := parseInt(q.Get("occupancy"))
	if err != nil {
		fieldErrs["occupancy"] = append(fieldErrs["occupancy"], "occupancy must be an integer")
	}
	if len(fieldErrs) > 0 {
		writeFieldErrors(w, fieldErrs)
		return booking.StayInput{}, false
	}

	return booking.StayInput{From: from, To: to, Occupancy: occupancy}, true
}

// parseRange parses local timestamps. Missing values are left zero for
// the booking validation to report.
func parseRange(fromRaw, toRaw string) (time.Time, time.Time, map[string][]string) {
	fieldErrs := make(map[string][]string)

	var from, to time.Time
	var err error
	if fromRaw != "" {
		if from, err = interval.ParseLocal(fromRaw); err != nil {
			fieldErrs["from"] = append(fieldErrs["from"], err.Error())
		}
	}
	if toRaw != "" {
		if to, err = interval.ParseLocal(toRaw); err != nil {
			fieldErrs["to"] = append(fieldErrs["to"], err.Error())
		}
	}
	return from, to, fieldErrs
}

// parseInt treats an empty value as zero.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	if inputErr := booking.IsInputError(err); inputErr != nil {
		writeFieldErrors(w, inputErr.Fields())
		return
	}

	switch {
	case errors.Is(err, interval.ErrInvalidRange),
		errors.Is(err, availability.ErrInvalidOccupancy),
		errors.Is(err, pricing.ErrNegativeRate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricing.ErrPriceNotFound),
		errors.Is(err, booking.ErrIdempotencyKeyReused):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, booking.ErrUnitNotFound),
		errors.Is(err, booking.ErrPropertyNotFound),
		errors.Is(err, booking.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, booking.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

func writeFieldErrors(w http.ResponseWriter, fields map[string][]string) {
	type errResp struct {
		Error  string              `json:"error"`
		Fields map[string][]string `json:"fields"`
	}
	writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid input", Fields: fields})
}

// Serve runs the HTTP server on cfg.Listen until ctx is canceled, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
