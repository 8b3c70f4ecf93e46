package align

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"golang.org/x/time/rate"
)

// HTTPWrapper exposes an Engine over HTTP.  Bind must be called on it.
//
// Progress events are streamed as JSON lines from /events while a session
// runs; only one events consumer is supported at a time, matching the
// single-UI model of the bench.  Terminal results are retained and served
// from /result and /map until the next session overwrites them.
type HTTPWrapper struct {
	// Engine is the underlying alignment engine that is wrapped
	Engine *Engine

	// Meter feeds the live power monitor endpoint
	Meter PowerMeter

	mu        sync.Mutex
	events    <-chan ProgressEvent
	mapEvents <-chan MappingProgress
	lastAlign *AlignmentResult
	lastMap   *PowerMapResult
}

// NewHTTPWrapper returns a wrapper around an engine and the meter it reads
func NewHTTPWrapper(e *Engine, meter PowerMeter) *HTTPWrapper {
	return &HTTPWrapper{Engine: e, Meter: meter}
}

// Bind attaches the wrapper's routes to a chi router
func (h *HTTPWrapper) Bind(r chi.Router) {
	r.Post("/align", h.StartAlignment)
	r.Post("/spiral-align", h.StartSpiralAlignment)
	r.Post("/map", h.StartMapping)
	r.Post("/cancel", h.CancelSession)
	r.Get("/status", h.Status)
	r.Get("/events", h.Events)
	r.Get("/result", h.LastResult)
	r.Get("/map", h.LastMap)
	r.Get("/map/fits", h.LastMapFITS)
	r.Get("/monitor", h.Monitor)
}

// alignmentRequest is the JSON shape of an alignment start request; zero
// fields take the bench defaults
type alignmentRequest struct {
	Laser           *LaserSettings `json:"laser"`
	Iterations      int            `json:"iterations"`
	StepNM          float64        `json:"step_nm"`
	SamplesPerPoint int            `json:"samples_per_point"`
	CouplingType    string         `json:"coupling_type"`
	SettleMS        int            `json:"settle_ms"`
	ToleranceDB     float64        `json:"tolerance_db"`

	// spiral phase, only honored by /spiral-align
	RadiusUM float64 `json:"radius_um"`
	StepUM   float64 `json:"step_um"`
}

func (ar alignmentRequest) settings() AlignmentSettings {
	s := DefaultAlignmentSettings()
	if ar.Laser != nil {
		s.Laser = *ar.Laser
	}
	if ar.Iterations != 0 {
		s.Iterations = ar.Iterations
	}
	if ar.StepNM != 0 {
		s.StepNM = ar.StepNM
	}
	if ar.SamplesPerPoint != 0 {
		s.SamplesPerPoint = ar.SamplesPerPoint
	}
	if ar.CouplingType != "" {
		s.Coupling = Coupling(ar.CouplingType)
	}
	if ar.SettleMS != 0 {
		s.Settle = time.Duration(ar.SettleMS) * time.Millisecond
	}
	if ar.ToleranceDB != 0 {
		s.ToleranceDB = ar.ToleranceDB
	}
	return s
}

func (ar alignmentRequest) spiral() SpiralSettings {
	sp := DefaultSpiralSettings()
	if ar.RadiusUM != 0 {
		sp.RadiusUM = ar.RadiusUM
	}
	if ar.StepUM != 0 {
		sp.StepUM = ar.StepUM
	}
	return sp
}

// mappingRequest is the JSON shape of a mapping start request
type mappingRequest struct {
	Laser           *LaserSettings `json:"laser"`
	Stage           string         `json:"stage"`
	XMinNM          int            `json:"x_min_nm"`
	XMaxNM          int            `json:"x_max_nm"`
	XStepNM         int            `json:"x_step_nm"`
	YMinNM          int            `json:"y_min_nm"`
	YMaxNM          int            `json:"y_max_nm"`
	YStepNM         int            `json:"y_step_nm"`
	SamplesPerPoint int            `json:"samples_per_point"`
	SettleMS        int            `json:"settle_ms"`
}

func (mr mappingRequest) settings() MappingSettings {
	s := DefaultMappingSettings()
	if mr.Laser != nil {
		s.Laser = *mr.Laser
	}
	if mr.Stage != "" {
		s.Stage = Stage(mr.Stage)
	}
	if mr.XStepNM != 0 {
		s.XMinNM, s.XMaxNM, s.XStepNM = mr.XMinNM, mr.XMaxNM, mr.XStepNM
	}
	if mr.YStepNM != 0 {
		s.YMinNM, s.YMaxNM, s.YStepNM = mr.YMinNM, mr.YMaxNM, mr.YStepNM
	}
	if mr.SamplesPerPoint != 0 {
		s.SamplesPerPoint = mr.SamplesPerPoint
	}
	if mr.SettleMS != 0 {
		s.Settle = time.Duration(mr.SettleMS) * time.Millisecond
	}
	return s
}

// StartAlignment starts a fine alignment session from a JSON request
func (h *HTTPWrapper) StartAlignment(w http.ResponseWriter, r *http.Request) {
	h.startAlign(w, r, false)
}

// StartSpiralAlignment starts a spiral-then-fine alignment session
func (h *HTTPWrapper) StartSpiralAlignment(w http.ResponseWriter, r *http.Request) {
	h.startAlign(w, r, true)
}

func (h *HTTPWrapper) startAlign(w http.ResponseWriter, r *http.Request, spiral bool) {
	var req alignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var (
		events <-chan ProgressEvent
		result <-chan AlignmentResult
		err    error
	)
	if spiral {
		events, result, err = h.Engine.StartSpiralAlignment(req.settings(), req.spiral())
	} else {
		events, result, err = h.Engine.StartAlignment(req.settings())
	}
	if err == ErrBusy {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.mu.Lock()
	h.events = events
	h.mapEvents = nil
	h.mu.Unlock()
	go func() {
		res := <-result
		h.mu.Lock()
		h.lastAlign = &res
		h.mu.Unlock()
	}()
	w.WriteHeader(http.StatusAccepted)
}

// StartMapping starts a 2D power mapping session from a JSON request
func (h *HTTPWrapper) StartMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	progress, result, err := h.Engine.StartMapping(req.settings())
	if err == ErrBusy {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.mu.Lock()
	h.mapEvents = progress
	h.events = nil
	h.mu.Unlock()
	go func() {
		res := <-result
		h.mu.Lock()
		h.lastMap = &res
		h.mu.Unlock()
	}()
	w.WriteHeader(http.StatusAccepted)
}

// CancelSession requests cooperative cancellation of the running session
func (h *HTTPWrapper) CancelSession(w http.ResponseWriter, r *http.Request) {
	h.Engine.Cancel()
	w.WriteHeader(http.StatusOK)
}

// Status reports whether a session is running
func (h *HTTPWrapper) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"running": h.Engine.Running()})
}

// Events streams the active session's progress as JSON lines until the
// session ends
func (h *HTTPWrapper) Events(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	events := h.events
	mapEvents := h.mapEvents
	h.mu.Unlock()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	if events != nil {
		for ev := range events {
			enc.Encode(ev)
			flush()
		}
	} else if mapEvents != nil {
		for ev := range mapEvents {
			enc.Encode(ev)
			flush()
		}
	}
}

// LastResult serves the terminal result of the most recent alignment
func (h *HTTPWrapper) LastResult(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	res := h.lastAlign
	h.mu.Unlock()
	if res == nil {
		http.Error(w, "no alignment has completed", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// LastMap serves the most recent power map as JSON
func (h *HTTPWrapper) LastMap(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	res := h.lastMap
	h.mu.Unlock()
	if res == nil {
		http.Error(w, "no power map has completed", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// LastMapFITS serves the most recent power map as a FITS image
func (h *HTTPWrapper) LastMapFITS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	res := h.lastMap
	h.mu.Unlock()
	if res == nil {
		http.Error(w, "no power map has completed", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", "attachment; filename=powermap.fits")
	if err := WriteFITS(w, *res); err != nil {
		log.Warnf("writing fits response: %v", err)
	}
}

// Monitor streams instantaneous power readings as JSON lines.  Query
// parameters hz (default 5, max 50) and n (default 0 = until the client
// goes away) control the cadence and count.  The cadence is enforced with
// a rate limiter so a fast meter cannot flood slow clients.
func (h *HTTPWrapper) Monitor(w http.ResponseWriter, r *http.Request) {
	hz := 5.0
	if v := r.URL.Query().Get("hz"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 50 {
			http.Error(w, "hz must be a number in (0, 50]", http.StatusBadRequest)
			return
		}
		hz = f
	}
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = i
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	limiter := rate.NewLimiter(rate.Limit(hz), 1)
	ctx := r.Context()
	for i := 0; n == 0 || i < n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		p, err := h.Meter.ReadPower()
		if err != nil {
			// after the first line the headers are gone; an error status
			// would be garbage in the body
			if i == 0 {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			} else {
				log.Warnf("power monitor read failed: %v", err)
			}
			return
		}
		enc.Encode(map[string]float64{"power_dbm": p})
		if flusher != nil {
			flusher.Flush()
		}
	}
}
