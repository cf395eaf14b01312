package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/remiblancher/sigtrust/internal/api/dto"
	"github.com/remiblancher/sigtrust/internal/ocspcache"
	"github.com/remiblancher/sigtrust/internal/ocsprefresh"
)

// RefreshStatus exposes per-CA refresh diagnostics. *ocsprefresh.Worker
// implements it.
type RefreshStatus interface {
	Status() map[string]ocsprefresh.CAStatus
}

// ScheduleStatus exposes the refresh state machine. *ocsprefresh.Scheduler
// implements it.
type ScheduleStatus interface {
	State() ocsprefresh.State
	NextRun() time.Time
}

// OCSPStatusConfig wires the status handler. Refresh and Schedule are
// optional; without them only the cache is reported.
type OCSPStatusConfig struct {
	Instance string
	Cache    *ocspcache.Cache
	Refresh  RefreshStatus
	Schedule ScheduleStatus
	Now      func() time.Time
}

// OCSPStatusHandler handles GET /status/ocsp.
type OCSPStatusHandler struct {
	cfg OCSPStatusConfig
}

// NewOCSPStatusHandler creates a new OCSPStatusHandler.
func NewOCSPStatusHandler(cfg OCSPStatusConfig) *OCSPStatusHandler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OCSPStatusHandler{cfg: cfg}
}

// Status handles GET /status/ocsp.
func (h *OCSPStatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Build())
}

// Build assembles the status document.
func (h *OCSPStatusHandler) Build() dto.OCSPStatusResponse {
	resp := dto.OCSPStatusResponse{
		Instance:    h.cfg.Instance,
		Scheduler:   "disabled",
		Authorities: []dto.CAStatus{},
		Entries:     []dto.CacheEntry{},
	}
	if s := h.cfg.Schedule; s != nil {
		resp.Scheduler = s.State().String()
		resp.NextRun = dto.TimePtr(s.NextRun())
	}
	if h.cfg.Refresh != nil {
		for _, st := range h.cfg.Refresh.Status() {
			resp.Authorities = append(resp.Authorities, dto.CAStatus{
				Subject:      st.Subject,
				Status:       st.Status,
				Responders:   st.Responders,
				Certificates: st.Certificates,
				LastSuccess:  dto.TimePtr(st.LastSuccess),
				LastError:    st.LastError,
				LastErrorAt:  dto.TimePtr(st.LastErrorAt),
				NextUpdate:   dto.TimePtr(st.NextUpdate),
			})
		}
		sort.Slice(resp.Authorities, func(i, j int) bool {
			return resp.Authorities[i].Subject < resp.Authorities[j].Subject
		})
	}
	if h.cfg.Cache != nil {
		now := h.cfg.Now()
		for _, e := range h.cfg.Cache.Snapshot().All() {
			resp.Entries = append(resp.Entries, dto.CacheEntry{
				Fingerprint: e.Fingerprint,
				Subject:     e.Subject,
				Status:      e.Status.String(),
				FetchedAt:   e.FetchedAt,
				NextFetch:   dto.TimePtr(e.NextFetch),
				ThisUpdate:  e.ThisUpdate,
				NextUpdate:  dto.TimePtr(e.NextUpdate),
				Expired:     e.Expired(now),
				Stale:       e.Stale,
			})
		}
	}
	return resp
}
