package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
)

type DeviceLister interface {
	List(ctx context.Context, forceRefresh bool) ([]*sdmapi.Device, error)
}

type StructureLister interface {
	List(ctx context.Context, forceRefresh bool) ([]*sdmapi.Structure, error)
}

// NestHandler exposes the cached registries read-only
type NestHandler struct {
	devices    DeviceLister
	structures StructureLister
}

func NewNestHandler(devices DeviceLister, structures StructureLister) NestHandler {
	return NestHandler{
		devices:    devices,
		structures: structures,
	}
}

// Register adds the device and structure routes to r
func (h *NestHandler) Register(r *mux.Router) {
	r.HandleFunc("/devices", h.HandleDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", h.HandleDevice).Methods(http.MethodGet)
	r.HandleFunc("/structures", h.HandleStructures).Methods(http.MethodGet)
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func (h *NestHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List(r.Context(), queryBool(r, "refresh"))
	if err != nil {
		sendAPIErrorResponse(w, r, err)
		return
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, NewDeviceView(d))
	}

	sendJSONResponse(w, r, views)
}

func (h *NestHandler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	devices, err := h.devices.List(r.Context(), queryBool(r, "refresh"))
	if err != nil {
		sendAPIErrorResponse(w, r, err)
		return
	}

	for _, d := range devices {
		if d.ID() == id || d.Name == id {
			sendJSONResponse(w, r, NewDeviceView(d))
			return
		}
	}

	logging.Logger(r.Context()).Debugf("No device %s", id)
	sendJSONStatus(w, r, http.StatusNotFound, errorResponse{Error: "no such device"})
}

// HandleStructures lists structures; rooms are fetched on every call when
// ?rooms=true
func (h *NestHandler) HandleStructures(w http.ResponseWriter, r *http.Request) {
	structures, err := h.structures.List(r.Context(), queryBool(r, "refresh"))
	if err != nil {
		sendAPIErrorResponse(w, r, err)
		return
	}

	withRooms := queryBool(r, "rooms")

	views := make([]StructureView, 0, len(structures))
	for _, s := range structures {
		var rooms []*sdmapi.Room
		if withRooms {
			if rooms, err = s.Rooms(r.Context()); err != nil {
				sendAPIErrorResponse(w, r, err)
				return
			}
		}

		views = append(views, NewStructureView(s, rooms))
	}

	sendJSONResponse(w, r, views)
}
