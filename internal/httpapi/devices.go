package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"inferd/pkg/types"
)

type deviceHandlers struct {
	svc DeviceService
}

// @Summary  List edge devices
// @Produce  json
// @Success  200 {array} types.DeviceStatus
// @Router   /devices [get]
func (d *deviceHandlers) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.svc.Devices())
}

// register adds or replaces a device and answers with its status.
//
// @Summary  Register an edge device
// @Accept   json
// @Produce  json
// @Param    request body types.RegisterDeviceRequest true "device"
// @Success  201 {object} types.DeviceStatus
// @Router   /devices [post]
func (d *deviceHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		writeJSONError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if err := d.svc.RegisterDevice(req); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	for _, s := range d.svc.Devices() {
		if s.DeviceID == req.DeviceID {
			writeJSON(w, http.StatusCreated, s)
			return
		}
	}
	w.WriteHeader(http.StatusCreated)
}

// @Summary  Record a device heartbeat
// @Success  204
// @Failure  404 {object} types.ErrorResponse
// @Router   /devices/{id}/heartbeat [post]
func (d *deviceHandlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := d.svc.Heartbeat(chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary  Remove an edge device
// @Success  204
// @Failure  404 {object} types.ErrorResponse
// @Router   /devices/{id} [delete]
func (d *deviceHandlers) deregister(w http.ResponseWriter, r *http.Request) {
	if err := d.svc.Deregister(chi.URLParam(r, "id")); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
