package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"brigade/core"
	"brigade/ledger"
	"brigade/registry"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP status codes. Retryable
// errors carry a hint so command clients can back off and retry.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrValidationFailed):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrTerminalState),
		errors.Is(err, core.ErrResourceUnavailable):
		status = http.StatusConflict
	case errors.Is(err, core.ErrResourceBusy):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, core.ErrInvariantViolation):
		a.logger.Errorw("invariant violation surfaced to api", "error", err)
	}

	body := map[string]interface{}{
		"error":     err.Error(),
		"retryable": core.Retryable(err),
	}
	writeJSON(w, status, body)
}

// decodeBody decodes and validates a JSON payload. A failure is already
// written to the response when this returns an error.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return err
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation failed: " + verrs.Error()})
			return err
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return err
	}
	return nil
}

// --- interventions ---

type createInterventionRequest struct {
	Type        string        `json:"type" validate:"required"`
	Priority    string        `json:"priority" validate:"required"`
	Location    core.Location `json:"location"`
	Region      string        `json:"region"`
	StationID   string        `json:"station_id"`
	Description string        `json:"description" validate:"max=2000"`
	CreatedBy   string        `json:"created_by"`
}

func (a *API) createIntervention(w http.ResponseWriter, r *http.Request) {
	var req createInterventionRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	iv, err := a.registry.CreateIntervention(r.Context(), registry.CreateParams{
		Type:        req.Type,
		Priority:    core.InterventionPriority(req.Priority),
		Location:    req.Location,
		Region:      req.Region,
		StationID:   req.StationID,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, iv)
}

func (a *API) getIntervention(w http.ResponseWriter, r *http.Request) {
	iv, err := a.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

type updateStatusRequest struct {
	Status  string `json:"status" validate:"required"`
	ActorID string `json:"actor_id"`
}

func (a *API) updateInterventionStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	iv, err := a.registry.UpdateStatus(r.Context(), mux.Vars(r)["id"], core.InterventionStatus(req.Status), req.ActorID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (a *API) updateInterventionLocation(w http.ResponseWriter, r *http.Request) {
	var loc core.Location
	if err := a.decodeBody(w, r, &loc); err != nil {
		return
	}
	iv, err := a.registry.UpdateLocation(r.Context(), mux.Vars(r)["id"], loc)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

type addNoteRequest struct {
	AuthorID string `json:"author_id"`
	Content  string `json:"content" validate:"required"`
}

func (a *API) addInterventionNote(w http.ResponseWriter, r *http.Request) {
	var req addNoteRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	iv, err := a.registry.AddNote(r.Context(), mux.Vars(r)["id"], req.AuthorID, req.Content)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

// --- resources ---

type addResourceRequest struct {
	ID        string `json:"id" validate:"required"`
	Kind      string `json:"kind" validate:"required"`
	Label     string `json:"label"`
	StationID string `json:"station_id"`
	Status    string `json:"status"`
}

func (a *API) addResource(w http.ResponseWriter, r *http.Request) {
	var req addResourceRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	res := &core.Resource{
		ID:        req.ID,
		Kind:      core.ResourceKind(req.Kind),
		Label:     req.Label,
		StationID: req.StationID,
		Status:    core.ResourceStatus(req.Status),
	}
	if err := a.ledger.AddResource(r.Context(), res); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request) {
	res, err := a.ledger.GetResource(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) getResourceHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.ledger.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type assignRequest struct {
	AssigneeType string `json:"assignee_type" validate:"required,oneof=intervention team"`
	AssigneeID   string `json:"assignee_id" validate:"required"`
}

func (a *API) assignResource(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	entry, err := a.ledger.Assign(r.Context(), mux.Vars(r)["id"], core.AssigneeType(req.AssigneeType), req.AssigneeID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) releaseResource(w http.ResponseWriter, r *http.Request) {
	res, err := a.ledger.Release(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transferRequest struct {
	From ledger.Assignee `json:"from" validate:"required"`
	To   ledger.Assignee `json:"to" validate:"required"`
}

func (a *API) transferResource(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	entry, err := a.ledger.Transfer(r.Context(), mux.Vars(r)["id"], req.From, req.To)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type resourceStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (a *API) updateResourceStatus(w http.ResponseWriter, r *http.Request) {
	var req resourceStatusRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	res, err := a.ledger.UpdateStatus(r.Context(), mux.Vars(r)["id"], core.ResourceStatus(req.Status))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type maintenanceRequest struct {
	Requested bool `json:"requested"`
}

func (a *API) setResourceMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	res, err := a.ledger.SetMaintenance(r.Context(), mux.Vars(r)["id"], req.Requested)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- bulk resource operations ---

type bulkAssignRequest struct {
	Items []ledger.AssignRequest `json:"items" validate:"required,min=1,dive"`
}

func (a *API) assignManyResources(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	// Bulk calls always answer 200; per-item success lives in the outcomes.
	writeJSON(w, http.StatusOK, a.ledger.AssignMany(r.Context(), req.Items))
}

type bulkReleaseRequest struct {
	ResourceIDs []string `json:"resource_ids" validate:"required,min=1"`
}

func (a *API) releaseManyResources(w http.ResponseWriter, r *http.Request) {
	var req bulkReleaseRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, a.ledger.ReleaseMany(r.Context(), req.ResourceIDs))
}

type bulkStatusRequest struct {
	Items []ledger.StatusRequest `json:"items" validate:"required,min=1,dive"`
}

func (a *API) updateManyResourceStatuses(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, a.ledger.UpdateStatusMany(r.Context(), req.Items))
}

// --- teams ---

type createTeamRequest struct {
	Name      string            `json:"name" validate:"required"`
	Type      string            `json:"type"`
	StationID string            `json:"station_id"`
	VehicleID string            `json:"vehicle_id"`
	Members   []core.TeamMember `json:"members"`
}

func (a *API) createTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	created, err := a.teams.CreateTeam(r.Context(), &core.Team{
		Name:      req.Name,
		Type:      req.Type,
		StationID: req.StationID,
		VehicleID: req.VehicleID,
		Members:   req.Members,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getTeam(w http.ResponseWriter, r *http.Request) {
	t, err := a.teams.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type addMemberRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role"`
}

func (a *API) addTeamMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	t, err := a.teams.AddMember(r.Context(), mux.Vars(r)["id"], req.UserID, req.Role)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) removeTeamMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := a.teams.RemoveMember(r.Context(), vars["id"], vars["userID"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type setLeaderRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (a *API) setTeamLeader(w http.ResponseWriter, r *http.Request) {
	var req setLeaderRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	t, err := a.teams.SetLeader(r.Context(), mux.Vars(r)["id"], req.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type setVehicleRequest struct {
	VehicleID string `json:"vehicle_id"`
}

func (a *API) setTeamVehicle(w http.ResponseWriter, r *http.Request) {
	var req setVehicleRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	t, err := a.teams.SetVehicle(r.Context(), mux.Vars(r)["id"], req.VehicleID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type assignInterventionRequest struct {
	InterventionID string `json:"intervention_id" validate:"required"`
}

func (a *API) assignTeamIntervention(w http.ResponseWriter, r *http.Request) {
	var req assignInterventionRequest
	if err := a.decodeBody(w, r, &req); err != nil {
		return
	}
	t, err := a.teams.AssignIntervention(r.Context(), mux.Vars(r)["id"], req.InterventionID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) removeTeamIntervention(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := a.teams.RemoveIntervention(r.Context(), vars["id"], vars["interventionID"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
