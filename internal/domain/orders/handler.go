package orders

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/emr/emr/internal/platform/middleware"
	"github.com/emr/emr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/orders", h.CreateOrder)
	api.POST("/orders/:id/discontinue", h.DiscontinueOrder)
	api.POST("/orders/:id/void", h.VoidOrder)
	api.POST("/orders/:id/unvoid", h.UnvoidOrder)
	api.DELETE("/orders/:id", h.PurgeOrder)
	api.GET("/orders/:id", h.GetOrder)
	api.GET("/orders/number/:number", h.GetOrderByNumber)
	api.GET("/orders/number/:number/history", h.GetOrderHistory)

	api.GET("/patients/:patientId/orders", h.ListPatientOrders)
	api.GET("/patients/:patientId/orders/active", h.ListActiveOrders)
	api.GET("/patients/:patientId/orders/history", h.PatientConceptHistory)

	api.GET("/order-types", h.ListOrderTypes)
	api.GET("/order-types/:id/subtypes", h.ListSubtypes)
	api.GET("/care-settings", h.ListCareSettings)
}

// errorBody is the JSON error envelope; Code carries the machine-readable
// error code for clients that branch on failure kind.
type errorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

var codeStatus = map[Code]int{
	CodeNotFound: http.StatusNotFound,

	CodeCannotEditExisting:        http.StatusConflict,
	CodeDuplicateActiveOrder:      http.StatusConflict,
	CodeAmbiguousDiscontinue:      http.StatusConflict,
	CodeCannotStopDiscontinuation: http.StatusConflict,
	CodeCannotStopInactive:        http.StatusConflict,
	CodeCannotUnvoid:              http.StatusConflict,
}

func writeError(c echo.Context, err error) error {
	code := CodeOf(err)
	if code == "" {
		return c.JSON(http.StatusInternalServerError, errorBody{Message: err.Error()})
	}
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusBadRequest
	}
	return c.JSON(status, errorBody{Code: code, Message: err.Error()})
}

// createOrderRequest is the write shape of an order. The lifecycle fields the
// manager owns (order number, date stopped) are not accepted from clients.
type createOrderRequest struct {
	Variant         Variant    `json:"variant"`
	TypeID          *uuid.UUID `json:"order_type_id"`
	CareSettingID   *uuid.UUID `json:"care_setting_id"`
	ConceptID       *uuid.UUID `json:"concept_id"`
	DrugID          *uuid.UUID `json:"drug_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	OrdererID       uuid.UUID  `json:"orderer_id"`
	EncounterID     *uuid.UUID `json:"encounter_id"`
	Action          Action     `json:"action"`
	PreviousOrderID *uuid.UUID `json:"previous_order_id"`
	DateActivated   *time.Time `json:"date_activated"`
	AutoExpireDate  *time.Time `json:"auto_expire_date"`
	Instructions    *string    `json:"instructions"`

	// Context hints, used only when the order itself does not pin a type or
	// care setting.
	ContextTypeID        *uuid.UUID `json:"context_order_type_id"`
	ContextCareSettingID *uuid.UUID `json:"context_care_setting_id"`

	// Retrospective marks back-dated entry: activity and overlap are judged
	// as of date_activated instead of now.
	Retrospective bool `json:"retrospective"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Action == "" {
		req.Action = ActionNew
	}
	if req.Variant == "" {
		req.Variant = VariantGeneric
	}
	o := &Order{
		Variant:         req.Variant,
		PatientID:       req.PatientID,
		OrdererID:       req.OrdererID,
		EncounterID:     req.EncounterID,
		DrugID:          req.DrugID,
		Action:          req.Action,
		PreviousOrderID: req.PreviousOrderID,
		AutoExpireDate:  req.AutoExpireDate,
		Instructions:    req.Instructions,
	}
	if req.ConceptID != nil {
		o.ConceptID = *req.ConceptID
	}
	if req.TypeID != nil {
		o.TypeID = *req.TypeID
	}
	if req.CareSettingID != nil {
		o.CareSettingID = *req.CareSettingID
	}
	if req.DateActivated != nil {
		o.DateActivated = *req.DateActivated
	}
	octx := &Context{TypeID: req.ContextTypeID, CareSettingID: req.ContextCareSettingID}

	var err error
	if req.Retrospective {
		_, err = h.svc.SaveRetrospectiveOrder(c.Request().Context(), o, octx)
	} else {
		_, err = h.svc.SaveOrder(c.Request().Context(), o, octx)
	}
	if err != nil {
		return writeError(c, err)
	}
	c.Set(middleware.OrderNumberKey, o.OrderNumber())
	return c.JSON(http.StatusCreated, o)
}

type discontinueRequest struct {
	ReasonConceptID *uuid.UUID `json:"reason_concept_id"`
	ReasonNonCoded  *string    `json:"reason_non_coded"`
	Date            *time.Time `json:"date"`
	OrdererID       uuid.UUID  `json:"orderer_id"`
	EncounterID     *uuid.UUID `json:"encounter_id"`
}

func (h *Handler) DiscontinueOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req discontinueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	onDate := time.Time{}
	if req.Date != nil {
		onDate = *req.Date
	}
	var dc *Order
	if req.ReasonConceptID != nil {
		dc, err = h.svc.DiscontinueOrder(c.Request().Context(), o, *req.ReasonConceptID, onDate, req.OrdererID, req.EncounterID)
	} else {
		reason := ""
		if req.ReasonNonCoded != nil {
			reason = *req.ReasonNonCoded
		}
		dc, err = h.svc.DiscontinueOrderNonCoded(c.Request().Context(), o, reason, onDate, req.OrdererID, req.EncounterID)
	}
	if err != nil {
		return writeError(c, err)
	}
	c.Set(middleware.OrderNumberKey, dc.OrderNumber())
	return c.JSON(http.StatusCreated, dc)
}

type voidRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) VoidOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req voidRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if _, err := h.svc.VoidOrder(c.Request().Context(), o, req.Reason); err != nil {
		return writeError(c, err)
	}
	c.Set(middleware.OrderNumberKey, o.OrderNumber())
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) UnvoidOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if _, err := h.svc.UnvoidOrder(c.Request().Context(), o); err != nil {
		return writeError(c, err)
	}
	c.Set(middleware.OrderNumberKey, o.OrderNumber())
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) PurgeOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.svc.PurgeOrder(c.Request().Context(), o); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetOrderByNumber(c echo.Context) error {
	o, err := h.svc.GetOrderByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetOrderHistory(c echo.Context) error {
	history, err := h.svc.OrderHistory(c.Request().Context(), c.Param("number"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) ListPatientOrders(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	careSettingID, err := optionalUUIDParam(c, "care_setting_id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid care_setting_id")
	}
	typeID, err := optionalUUIDParam(c, "order_type_id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order_type_id")
	}
	includeVoided := c.QueryParam("include_voided") == "true"

	// Without a care setting the listing spans every setting the patient has
	// orders in (no type filter in that mode).
	var items []*Order
	if careSettingID != nil {
		items, err = h.svc.GetOrders(c.Request().Context(), patientID, *careSettingID, typeID, includeVoided)
	} else {
		items, err = h.svc.AllOrdersByPatient(c.Request().Context(), patientID, includeVoided)
	}
	if err != nil {
		return writeError(c, err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

// PatientConceptHistory lists the patient's orders for one orderable concept,
// newest first, voided orders excluded.
func (h *Handler) PatientConceptHistory(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	conceptID, err := uuid.Parse(c.QueryParam("concept_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "concept_id is required")
	}
	items, err := h.svc.OrderHistoryByConcept(c.Request().Context(), patientID, conceptID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListActiveOrders(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	typeID, err := optionalUUIDParam(c, "order_type_id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order_type_id")
	}
	careSettingID, err := optionalUUIDParam(c, "care_setting_id")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid care_setting_id")
	}
	var asOf time.Time
	if v := c.QueryParam("as_of"); v != "" {
		asOf, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid as_of, want RFC3339")
		}
	}
	items, err := h.svc.GetActiveOrders(c.Request().Context(), patientID, typeID, careSettingID, asOf)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListOrderTypes(c echo.Context) error {
	includeRetired := c.QueryParam("include_retired") == "true"
	types, err := h.svc.Resolver().ListTypes(c.Request().Context(), includeRetired)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, types)
}

func (h *Handler) ListSubtypes(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	includeRetired := c.QueryParam("include_retired") == "true"
	subtypes, err := h.svc.Resolver().Subtypes(c.Request().Context(), id, includeRetired)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, subtypes)
}

func (h *Handler) ListCareSettings(c echo.Context) error {
	includeRetired := c.QueryParam("include_retired") == "true"
	settings, err := h.svc.CareSettings(c.Request().Context(), includeRetired)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, settings)
}

func optionalUUIDParam(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
