package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/auth"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/validation"
	"github.com/AssilM/CarnetDeSante-sub003/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Patients, doctors and admins
	members := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin))
	members.POST("/appointments", h.CreateAppointment)
	members.GET("/appointments", h.ListAppointments)
	members.GET("/appointments/:id", h.GetAppointment)
	members.PATCH("/appointments/:id", h.UpdateAppointment)
	members.POST("/appointments/:id/cancel", h.CancelAppointment)
	members.GET("/availability/check", h.CheckAvailability)
	members.GET("/availability/conflicts", h.CheckConflicts)
	members.GET("/doctors/:id/availability", h.ListWindows)

	// Doctors and admins
	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	staff.POST("/appointments/:id/confirm", h.ConfirmAppointment)
	staff.POST("/appointments/:id/start", h.StartAppointment)
	staff.POST("/appointments/:id/finish", h.FinishAppointment)
	staff.POST("/doctors/:id/availability", h.AddWindow)
	staff.DELETE("/doctors/:id/availability/:window_id", h.RemoveWindow)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/appointments/:id", h.DeleteAppointment)
}

// -- Request bodies --

type createRequest struct {
	PatientID int64   `json:"patient_id" validate:"gte=0"`
	DoctorID  int64   `json:"doctor_id" validate:"gte=0"`
	Date      string  `json:"date"`
	StartTime string  `json:"start_time"`
	Duration  int     `json:"duration" validate:"gte=0,lte=1440"`
	Reason    *string `json:"reason,omitempty" validate:"omitempty,max=500"`
	Address   *string `json:"address,omitempty" validate:"omitempty,max=255"`
}

type patchRequest struct {
	PatientID *int64           `json:"patient_id,omitempty"`
	DoctorID  *int64           `json:"doctor_id,omitempty"`
	Date      *string          `json:"date,omitempty"`
	StartTime *string          `json:"start_time,omitempty"`
	Duration  *int             `json:"duration,omitempty" validate:"omitempty,lte=1440"`
	Reason    *string          `json:"reason,omitempty" validate:"omitempty,max=500"`
	Address   *string          `json:"address,omitempty" validate:"omitempty,max=255"`
	Status    *json.RawMessage `json:"status,omitempty"`
}

type windowRequest struct {
	Day       string `json:"day" validate:"required,oneof=lundi mardi mercredi jeudi vendredi samedi dimanche"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

func (r *createRequest) toInput() (CreateInput, error) {
	in := CreateInput{
		PatientID: r.PatientID,
		DoctorID:  r.DoctorID,
		Duration:  r.Duration,
		Reason:    r.Reason,
		Address:   r.Address,
	}
	if r.Date != "" {
		d, err := ParseDate(r.Date)
		if err != nil {
			return in, invalidField("date", "must be YYYY-MM-DD")
		}
		in.Date = d
	}
	if r.StartTime != "" {
		t, err := ParseClockTime(r.StartTime)
		if err != nil {
			return in, invalidField("start_time", "must be HH:MM or HH:MM:SS")
		}
		in.StartTime = &t
	}
	return in, nil
}

func (r *patchRequest) toPatch() (Patch, error) {
	p := Patch{
		PatientID: r.PatientID,
		DoctorID:  r.DoctorID,
		Duration:  r.Duration,
		Reason:    r.Reason,
		Address:   r.Address,
	}
	if r.Status != nil {
		return p, invalidField("status", "is changed through the cancel, confirm, start and finish endpoints")
	}
	if r.Date != nil {
		d, err := ParseDate(*r.Date)
		if err != nil {
			return p, invalidField("date", "must be YYYY-MM-DD")
		}
		p.Date = &d
	}
	if r.StartTime != nil {
		t, err := ParseClockTime(*r.StartTime)
		if err != nil {
			return p, invalidField("start_time", "must be HH:MM or HH:MM:SS")
		}
		p.StartTime = &t
	}
	return p, nil
}

// bind decodes and validates the JSON body into req.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return invalidField("body", "is not valid JSON for this endpoint")
	}
	if err := c.Validate(req); err != nil {
		if fe, ok := validation.FirstField(err); ok {
			if fe.Reason == "is required" {
				return missingField(fe.Field)
			}
			return invalidField(fe.Field, fe.Reason)
		}
		return err
	}
	return nil
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createRequest
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	in, err := req.toInput()
	if err != nil {
		return h.fail(c, err)
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	f, err := listFilter(c)
	if err != nil {
		return h.fail(c, err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	var req patchRequest
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	p, err := req.toPatch()
	if err != nil {
		return h.fail(c, err)
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, p)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	return h.lifecycle(c, h.svc.CancelAppointment)
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	return h.lifecycle(c, h.svc.ConfirmAppointment)
}

func (h *Handler) StartAppointment(c echo.Context) error {
	return h.lifecycle(c, h.svc.StartAppointment)
}

func (h *Handler) FinishAppointment(c echo.Context) error {
	return h.lifecycle(c, h.svc.FinishAppointment)
}

func (h *Handler) lifecycle(c echo.Context, op func(ctx context.Context, id int64) (*Appointment, error)) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	a, err := op(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	deleted, err := h.svc.DeleteAppointment(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	if !deleted {
		return h.fail(c, ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Checks --

type slotQuery struct {
	doctorID int64
	date     Date
	start    *ClockTime
}

// parseSlotQuery reads doctor_id, date and time (or start_time). Absent
// values are left zero for the service to report.
func parseSlotQuery(c echo.Context) (slotQuery, error) {
	var q slotQuery
	var err error
	if q.doctorID, err = queryInt64(c, "doctor_id"); err != nil {
		return q, err
	}
	if raw := c.QueryParam("date"); raw != "" {
		if q.date, err = ParseDate(raw); err != nil {
			return q, invalidField("date", "must be YYYY-MM-DD")
		}
	}
	raw := c.QueryParam("time")
	if raw == "" {
		raw = c.QueryParam("start_time")
	}
	if raw != "" {
		t, err := ParseClockTime(raw)
		if err != nil {
			return q, invalidField("time", "must be HH:MM or HH:MM:SS")
		}
		q.start = &t
	}
	return q, nil
}

func (q slotQuery) requireTime() (ClockTime, error) {
	if q.doctorID == 0 {
		return 0, missingField("doctor_id")
	}
	if q.date.IsZero() {
		return 0, missingField("date")
	}
	if q.start == nil {
		return 0, missingField("time")
	}
	return *q.start, nil
}

func (h *Handler) CheckAvailability(c echo.Context) error {
	q, err := parseSlotQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	start, err := q.requireTime()
	if err != nil {
		return h.fail(c, err)
	}
	avail, err := h.svc.CheckAvailability(c.Request().Context(), q.doctorID, q.date, start)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, avail)
}

type conflictsResponse struct {
	HasConflicts bool           `json:"has_conflicts"`
	Conflicts    []*Appointment `json:"conflicts"`
}

func (h *Handler) CheckConflicts(c echo.Context) error {
	q, err := parseSlotQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	start, err := q.requireTime()
	if err != nil {
		return h.fail(c, err)
	}
	minutes, err := queryInt(c, "duration")
	if err != nil {
		return h.fail(c, err)
	}
	excludeID, err := queryInt64(c, "exclude_id")
	if err != nil {
		return h.fail(c, err)
	}
	conflicts, err := h.svc.CheckConflicts(c.Request().Context(), q.doctorID, q.date, start, minutes, excludeID)
	if err != nil {
		return h.fail(c, err)
	}
	if conflicts == nil {
		conflicts = []*Appointment{}
	}
	return c.JSON(http.StatusOK, conflictsResponse{HasConflicts: len(conflicts) > 0, Conflicts: conflicts})
}

// -- Availability windows --

func (h *Handler) ListWindows(c echo.Context) error {
	doctorID, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	var day *Weekday
	if raw := c.QueryParam("day"); raw != "" {
		d, err := ParseWeekday(raw)
		if err != nil {
			return h.fail(c, invalidField("day", "must be a weekday name"))
		}
		day = &d
	}
	windows, err := h.svc.ListWindows(c.Request().Context(), doctorID, day)
	if err != nil {
		return h.fail(c, err)
	}
	if windows == nil {
		windows = []*AvailabilityWindow{}
	}
	return c.JSON(http.StatusOK, windows)
}

func (h *Handler) AddWindow(c echo.Context) error {
	doctorID, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	var req windowRequest
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	day, err := ParseWeekday(req.Day)
	if err != nil {
		return h.fail(c, invalidField("day", "must be a weekday name"))
	}
	start, err := ParseClockTime(req.StartTime)
	if err != nil {
		return h.fail(c, invalidField("start_time", "must be HH:MM or HH:MM:SS"))
	}
	end, err := ParseClockTime(req.EndTime)
	if err != nil {
		return h.fail(c, invalidField("end_time", "must be HH:MM or HH:MM:SS"))
	}
	w := &AvailabilityWindow{DoctorID: doctorID, Day: day, StartTime: start, EndTime: end}
	if err := h.svc.AddWindow(c.Request().Context(), w); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) RemoveWindow(c echo.Context) error {
	doctorID, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	windowID, err := pathID(c, "window_id")
	if err != nil {
		return h.fail(c, err)
	}
	deleted, err := h.svc.RemoveWindow(c.Request().Context(), doctorID, windowID)
	if err != nil {
		return h.fail(c, err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, errorBody{Error: "not_found", Message: "availability window not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Parameters --

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidField(name, "must be a positive integer")
	}
	return id, nil
}

func queryInt64(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, invalidField(name, "must be a positive integer")
	}
	return v, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	v, err := queryInt64(c, name)
	return int(v), err
}

func listFilter(c echo.Context) (ListFilter, error) {
	var f ListFilter
	var err error
	if f.PatientID, err = queryInt64(c, "patient_id"); err != nil {
		return f, err
	}
	if f.DoctorID, err = queryInt64(c, "doctor_id"); err != nil {
		return f, err
	}
	if raw := c.QueryParam("status"); raw != "" {
		if f.Status, err = ParseStatus(raw); err != nil {
			return f, invalidField("status", "is not a known status")
		}
	}
	if raw := c.QueryParam("from"); raw != "" {
		if f.From, err = ParseDate(raw); err != nil {
			return f, invalidField("from", "must be YYYY-MM-DD")
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if f.To, err = ParseDate(raw); err != nil {
			return f, invalidField("to", "must be YYYY-MM-DD")
		}
	}
	return f, nil
}

// -- Errors --

type errorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Field     string         `json:"field,omitempty"`
	Weekday   string         `json:"weekday,omitempty"`
	Conflicts []*Appointment `json:"conflicts,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrIncompleteInput), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrPastDate), errors.Is(err, ErrUnknownReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrDoctorUnavailable), errors.Is(err, ErrSlotTaken),
		errors.Is(err, ErrDuplicateAppointment), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// fail turns err into an HTTP error with a JSON body. Infrastructure
// errors are logged and hidden from the client.
func (h *Handler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).
			Str("request_id", rid).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Msg("scheduling request failed")
		return echo.NewHTTPError(status, errorBody{Error: "internal", Message: "internal server error"}).SetInternal(err)
	}

	body := errorBody{Error: rejectionReason(err), Message: err.Error()}
	var (
		fe *FieldError
		ue *UnavailableError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &fe):
		body.Field = fe.Field
	case errors.As(err, &ue):
		body.Weekday = ue.Weekday.String()
	case errors.As(err, &ce):
		body.Conflicts = ce.Conflicts
	}
	return echo.NewHTTPError(status, body)
}
