package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/util"
	"bustrack/internal/shared/validation"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/store"
)

const (
	nearMaxResults = 50
	listLimitCap   = 200
)

// NearHandler answers GET /buses/near?lng=&lat=&r=.
func (h *Handler) NearHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	lng, err1 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	lat, err2 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	radius, err3 := strconv.ParseFloat(r.URL.Query().Get("r"), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		util.ErrResponseInJson(w, apperrors.ErrBadRange)
		h.log.HTTP(http.StatusBadRequest, time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
		return
	}

	if err := validation.ValidateCoordinates(lng, lat); err != nil {
		util.ErrResponseInJson(w, err)
		h.log.HTTP(http.StatusBadRequest, time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
		return
	}
	if err := validation.ValidateRadius(radius, h.radiusMax); err != nil {
		util.ErrResponseInJson(w, err)
		h.log.HTTP(http.StatusBadRequest, time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
		return
	}

	buses, err := h.store.NearbyOnline(r.Context(), lng, lat, radius, nearMaxResults)
	if err != nil {
		util.ErrResponseInJson(w, err)
		h.log.HTTP(apperrors.HTTPStatus(err), time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
		return
	}

	now := time.Now().UTC()
	resp := NearResponse{Buses: make([]NearBusResponse, 0, len(buses)), Timestamp: now}
	for _, b := range buses {
		resp.Buses = append(resp.Buses, NearBusResponse{
			NearbyBus: b,
			LastSeen:  domain.DescribeLastSeen(b.BusSnapshot, now),
		})
	}
	resp.Count = len(resp.Buses)

	util.ResponseInJson(w, http.StatusOK, resp)
	h.log.HTTP(http.StatusOK, time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
}

// GetBusHandler answers GET /buses/{busId}.
func (h *Handler) GetBusHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "buses" {
		util.WriteJSONError(w, "invalid URL path", http.StatusBadRequest)
		return
	}
	busID := parts[1]

	snap, err := h.store.GetBus(r.Context(), busID)
	if err != nil {
		util.ErrResponseInJson(w, err)
		h.log.HTTP(apperrors.HTTPStatus(err), time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
		return
	}

	util.ResponseInJson(w, http.StatusOK, snap)
	h.log.HTTP(http.StatusOK, time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
}

// ListBusesHandler answers GET /buses?online=&routeId=&limit=.
func (h *Handler) ListBusesHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var f store.BusFilter
	q := r.URL.Query()

	if v := q.Get("online"); v != "" {
		online, err := strconv.ParseBool(v)
		if err != nil {
			util.WriteJSONError(w, "online must be a boolean", http.StatusBadRequest)
			return
		}
		f.Online = &online
	}
	f.RouteID = q.Get("routeId")

	f.Limit = listLimitCap
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			util.WriteJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if limit < listLimitCap {
			f.Limit = limit
		}
	}

	buses, err := h.store.ListBuses(r.Context(), f)
	if err != nil {
		util.ErrResponseInJson(w, err)
		h.log.HTTP(apperrors.HTTPStatus(err), time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
		return
	}
	if buses == nil {
		buses = []domain.BusSnapshot{}
	}

	util.ResponseInJson(w, http.StatusOK, ListBusesResponse{Buses: buses, Count: len(buses)})
	h.log.HTTP(http.StatusOK, time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
}

// GetRouteHandler answers GET /routes/{routeId} with the route geometry and
// ordered stops.
func (h *Handler) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "routes" {
		util.WriteJSONError(w, "invalid URL path", http.StatusBadRequest)
		return
	}

	route, err := h.store.GetRoute(r.Context(), parts[1])
	if err != nil {
		util.ErrResponseInJson(w, err)
		h.log.HTTP(apperrors.HTTPStatus(err), time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
		return
	}

	util.ResponseInJson(w, http.StatusOK, route)
	h.log.HTTP(http.StatusOK, time.Since(start), r.RemoteAddr, r.Method, r.URL.Path)
}
