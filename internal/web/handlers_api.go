package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"viessmann-go-home/internal/automation"
	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/schedule"
	"viessmann-go-home/internal/store"
)

const defaultJournalLimit = 100

// datapointView is one model datapoint with its polling status, if registered.
type datapointView struct {
	Name     string                 `json:"name"`
	Address  string                 `json:"address"`
	Length   int                    `json:"length"`
	Unit     string                 `json:"unit"`
	Signed   bool                   `json:"signed"`
	Scale    float64                `json:"scale,omitempty"`
	Readable bool                   `json:"readable"`
	Writable bool                   `json:"writable"`
	Bounds   *datapoint.Bounds      `json:"bounds,omitempty"`
	Lookup   string                 `json:"lookup,omitempty"`
	Item     *controller.ItemStatus `json:"item,omitempty"`
}

type valueResponse struct {
	Datapoint string    `json:"datapoint"`
	Value     any       `json:"value"`
	Time      time.Time `json:"time"`
}

type writeRequest struct {
	Value any `json:"value"`
	// ReadBack is the delay in seconds before the value is read back;
	// zero uses the item's configured delay, or none.
	ReadBack float64 `json:"read_back,omitempty"`
}

type rawRequest struct {
	Addr string `json:"addr"`
	Len  int    `json:"len"`
	Unit string `json:"unit"`
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	items := s.ctrl.Items()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"model":       s.ctrl.Model().Name,
		"protocol":    s.ctrl.Dialect().String(),
		"link":        s.ctrl.LinkState().String(),
		"items":       len(items),
		"blacklisted": len(s.ctrl.Blacklist()),
		"timers":      s.ctrl.TimerApplications(),
		"version":     s.version,
	})
}

func (s *Server) handleAPIUpdateAll(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.UpdateAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListDatapoints(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]controller.ItemStatus)
	for _, it := range s.ctrl.Items() {
		status[it.Datapoint] = it
	}

	onlyItems := r.URL.Query().Get("registered") == "true"
	views := make([]datapointView, 0, len(status))
	for _, d := range s.ctrl.Model().Datapoints() {
		v := datapointView{
			Name:     d.Name,
			Address:  d.AddressString(),
			Length:   d.Length,
			Unit:     d.UnitCode(),
			Signed:   d.Signed,
			Scale:    d.Scale,
			Readable: d.Readable,
			Writable: d.Writable,
			Bounds:   d.Bounds,
			Lookup:   d.Lookup,
		}
		if it, ok := status[d.Name]; ok {
			v.Item = &it
		} else if onlyItems {
			continue
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIReadDatapoint(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	v, err := s.ctrl.Read(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, valueResponse{Datapoint: name, Value: v, Time: time.Now()})
}

func (s *Server) handleAPIWriteDatapoint(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ReadBack < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read_back must not be negative"})
		return
	}

	name := r.PathValue("name")
	var res controller.WriteResult
	var err error
	if req.ReadBack > 0 {
		res, err = s.ctrl.WriteWithReadback(r.Context(), name, req.Value, time.Duration(req.ReadBack*float64(time.Second)))
	} else {
		res, err = s.ctrl.Write(r.Context(), name, req.Value)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPIValues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Values())
}

func (s *Server) handleAPIModes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.OperatingModes())
}

func (s *Server) handleAPIReadAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := datapoint.ParseAddress(r.PathValue("addr"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name, v, err := s.ctrl.ReadAddress(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, valueResponse{Datapoint: name, Value: v, Time: time.Now()})
}

func (s *Server) handleAPIWriteAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := datapoint.ParseAddress(r.PathValue("addr"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req writeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.ctrl.WriteAddress(r.Context(), addr, req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPIReadRaw(w http.ResponseWriter, r *http.Request) {
	var req rawRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	v, err := s.ctrl.ReadRaw(r.Context(), req.Addr, req.Len, req.Unit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"addr":  req.Addr,
		"len":   req.Len,
		"unit":  req.Unit,
		"value": v,
	})
}

func (s *Server) handleAPIBlacklist(w http.ResponseWriter, r *http.Request) {
	list := s.ctrl.Blacklist()
	if list == nil {
		list = []string{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIResetBlacklist(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ResetBlacklist()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListTimers(w http.ResponseWriter, r *http.Request) {
	apps := s.ctrl.TimerApplications()
	if apps == nil {
		apps = []string{}
	}
	s.writeJSON(w, http.StatusOK, apps)
}

// handleAPIGetTimers returns the cached program unless ?refresh=true is
// given or nothing was read yet.
func (s *Server) handleAPIGetTimers(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	if r.URL.Query().Get("refresh") != "true" {
		if doc, ok := s.ctrl.Timers(app); ok {
			s.writeJSON(w, http.StatusOK, doc)
			return
		}
	}
	doc, err := s.ctrl.ReadTimers(r.Context(), app)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// handleAPIPutTimers accepts a UZSU document or a bare list of events.
func (s *Server) handleAPIPutTimers(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !s.decodeBody(w, r, &raw) {
		return
	}
	var events []schedule.Event
	var doc schedule.Document
	if err := json.Unmarshal(raw, &doc); err == nil {
		events = doc.List
	} else if err := json.Unmarshal(raw, &events); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "want a UZSU document or a list of events"})
		return
	}

	written, err := s.ctrl.WriteTimers(r.Context(), r.PathValue("app"), events)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, written)
}

func (s *Server) handleAPIJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := defaultJournalLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	entries, err := s.journal.List(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIJournalEntry(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	e, err := s.journal.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

// decodeBody reads a JSON request body of at most 1 MiB. Numbers stay
// json.Number so integers reach the codec unrounded.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// statusOf maps an error to the HTTP status reported to the client.
func statusOf(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknown),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, automation.ErrNotFound):
		return http.StatusNotFound
	}
	switch optolink.KindOf(err) {
	case optolink.KindValue:
		return http.StatusBadRequest
	case optolink.KindContention:
		return http.StatusServiceUnavailable
	case optolink.KindTimeout:
		return http.StatusGatewayTimeout
	case optolink.KindIO, optolink.KindFraming, optolink.KindProtocol, optolink.KindUnknownAddress:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "err", err)
		msg = "internal server error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
