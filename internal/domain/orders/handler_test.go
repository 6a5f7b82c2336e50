package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestServer(f *fixture) *echo.Echo {
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateOrder(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	body := fmt.Sprintf(`{
		"concept_id": %q,
		"order_type_id": %q,
		"care_setting_id": %q,
		"patient_id": %q,
		"orderer_id": %q,
		"date_activated": %q
	}`, f.conceptA, f.genericType.ID, f.inpatient.ID, f.patientID, f.ordererID,
		time.Now().Add(-time.Hour).Format(time.RFC3339))

	rec := doJSON(e, http.MethodPost, "/api/v1/orders", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		OrderNumber string `json:"order_number"`
		Action      Action `json:"action"`
		Variant     string `json:"variant"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrderNumber != "ORD-1" {
		t.Errorf("order_number = %q, want ORD-1", got.OrderNumber)
	}
	if got.Action != ActionNew {
		t.Errorf("action = %q, want the NEW default", got.Action)
	}
	if got.Variant != string(VariantGeneric) {
		t.Errorf("variant = %q, want the generic default", got.Variant)
	}
}

func TestHandlerCreateOrder_DuplicateConflict(t *testing.T) {
	f := newFixture()
	f.mustSave(t, f.newOrder(f.conceptA))
	e := newTestServer(f)

	body := fmt.Sprintf(`{
		"concept_id": %q,
		"order_type_id": %q,
		"care_setting_id": %q,
		"patient_id": %q,
		"orderer_id": %q,
		"date_activated": %q
	}`, f.conceptA, f.genericType.ID, f.inpatient.ID, f.patientID, f.ordererID,
		time.Now().Add(-time.Minute).Format(time.RFC3339))

	rec := doJSON(e, http.MethodPost, "/api/v1/orders", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	var got errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Code != CodeDuplicateActiveOrder {
		t.Errorf("error code = %q, want %q", got.Code, CodeDuplicateActiveOrder)
	}
}

func TestHandlerCreateOrder_ValidationFailure(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	// No concept at all.
	body := fmt.Sprintf(`{"order_type_id": %q, "care_setting_id": %q, "patient_id": %q, "orderer_id": %q}`,
		f.genericType.ID, f.inpatient.ID, f.patientID, f.ordererID)

	rec := doJSON(e, http.MethodPost, "/api/v1/orders", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	var got errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Code != CodeConceptRequired {
		t.Errorf("error code = %q, want %q", got.Code, CodeConceptRequired)
	}
}

func TestHandlerGetOrder_NotFound(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/orders/00000000-0000-0000-0000-000000000001", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerGetOrder_InvalidID(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/orders/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerGetOrderByNumber(t *testing.T) {
	f := newFixture()
	saved := f.mustSave(t, f.newOrder(f.conceptA))
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/orders/number/"+saved.OrderNumber(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != saved.ID.String() {
		t.Errorf("id = %q, want %q", got.ID, saved.ID)
	}
}

func TestHandlerDiscontinueOrder(t *testing.T) {
	f := newFixture()
	saved := f.mustSave(t, f.newOrder(f.conceptA))
	e := newTestServer(f)

	body := fmt.Sprintf(`{"reason_non_coded": "course complete", "date": %q, "orderer_id": %q}`,
		time.Now().Add(-time.Minute).Format(time.RFC3339), f.ordererID)
	rec := doJSON(e, http.MethodPost, "/api/v1/orders/"+saved.ID.String()+"/discontinue", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Action          Action  `json:"action"`
		PreviousOrderID *string `json:"previous_order_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != ActionDiscontinue {
		t.Errorf("action = %q, want DISCONTINUE", got.Action)
	}
	if got.PreviousOrderID == nil || *got.PreviousOrderID != saved.ID.String() {
		t.Error("discontinuation should reference the stopped order")
	}
	if saved.DateStopped() == nil {
		t.Error("the order should be stopped")
	}
}

func TestHandlerVoidOrder_MissingReason(t *testing.T) {
	f := newFixture()
	saved := f.mustSave(t, f.newOrder(f.conceptA))
	e := newTestServer(f)

	rec := doJSON(e, http.MethodPost, "/api/v1/orders/"+saved.ID.String()+"/void", `{"reason": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerVoidAndUnvoid(t *testing.T) {
	f := newFixture()
	saved := f.mustSave(t, f.newOrder(f.conceptA))
	e := newTestServer(f)

	rec := doJSON(e, http.MethodPost, "/api/v1/orders/"+saved.ID.String()+"/void", `{"reason": "entered in error"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("void status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !saved.Voided {
		t.Fatal("order should be voided")
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/orders/"+saved.ID.String()+"/unvoid", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unvoid status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if saved.Voided {
		t.Fatal("order should be restored")
	}
}

func TestHandlerPurgeOrder(t *testing.T) {
	f := newFixture()
	saved := f.mustSave(t, f.newOrder(f.conceptA))
	e := newTestServer(f)

	rec := doJSON(e, http.MethodDelete, "/api/v1/orders/"+saved.ID.String(), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if _, err := f.svc.GetOrder(context.Background(), saved.ID); !IsCode(err, CodeNotFound) {
		t.Fatalf("error = %v, want code %s", err, CodeNotFound)
	}
}

func TestHandlerOrderHistory(t *testing.T) {
	f := newFixture()
	original := f.mustSave(t, f.newOrder(f.conceptA))
	rev := original.CloneForRevision()
	rev.DateActivated = time.Now().Add(-time.Minute)
	revised := f.mustSave(t, rev)
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/orders/number/"+revised.OrderNumber()+"/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("history length = %d, want 2", len(got))
	}
}

func TestHandlerListPatientOrders(t *testing.T) {
	f := newFixture()
	f.mustSave(t, f.newOrder(f.conceptA))
	f.mustSave(t, f.newOrder(f.conceptB))
	e := newTestServer(f)

	path := fmt.Sprintf("/api/v1/patients/%s/orders?care_setting_id=%s&limit=1", f.patientID, f.inpatient.ID)
	rec := doJSON(e, http.MethodGet, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Data  []json.RawMessage `json:"data"`
		Total int               `json:"total"`
		Limit int               `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != 2 {
		t.Errorf("total = %d, want 2", got.Total)
	}
	if len(got.Data) != 1 {
		t.Errorf("page size = %d, want 1", len(got.Data))
	}
}

func TestHandlerListPatientOrders_AllCareSettings(t *testing.T) {
	f := newFixture()
	f.mustSave(t, f.newOrder(f.conceptA))
	outpatient := f.newOrder(f.conceptB)
	outpatient.CareSettingID = f.outpatient.ID
	f.mustSave(t, outpatient)
	e := newTestServer(f)

	// No care_setting_id spans every setting the patient has orders in.
	rec := doJSON(e, http.MethodGet, "/api/v1/patients/"+f.patientID.String()+"/orders", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != 2 {
		t.Errorf("total = %d, want 2", got.Total)
	}

	path := fmt.Sprintf("/api/v1/patients/%s/orders?care_setting_id=%s", f.patientID, f.outpatient.ID)
	rec = doJSON(e, http.MethodGet, path, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != 1 {
		t.Errorf("total = %d, want 1", got.Total)
	}
}

func TestHandlerPatientConceptHistory(t *testing.T) {
	f := newFixture()
	first := f.mustSave(t, f.newOrder(f.conceptA))
	f.mustSave(t, f.newOrder(f.conceptB))

	rev := first.CloneForRevision()
	rev.DateActivated = time.Now().Add(-time.Minute)
	f.mustSave(t, rev)
	e := newTestServer(f)

	path := fmt.Sprintf("/api/v1/patients/%s/orders/history?concept_id=%s", f.patientID, f.conceptA)
	rec := doJSON(e, http.MethodGet, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got []struct {
		ConceptID uuid.UUID `json:"concept_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("history entries = %d, want 2", len(got))
	}
	for _, entry := range got {
		if entry.ConceptID != f.conceptA {
			t.Errorf("entry concept = %s, want %s", entry.ConceptID, f.conceptA)
		}
	}
}

func TestHandlerPatientConceptHistory_ConceptRequired(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/patients/"+f.patientID.String()+"/orders/history", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerListActiveOrders(t *testing.T) {
	f := newFixture()
	f.mustSave(t, f.newOrder(f.conceptA))
	stopped := f.mustSave(t, f.newOrder(f.conceptB))
	if _, err := f.svc.DiscontinueOrderNonCoded(context.Background(), stopped, "done", time.Now().Add(-time.Minute), f.ordererID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/patients/"+f.patientID.String()+"/orders/active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("active orders = %d, want 1", len(got))
	}
}

func TestHandlerListActiveOrders_InvalidAsOf(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/patients/"+f.patientID.String()+"/orders/active?as_of=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerListOrderTypes(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/order-types", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got []OrderType
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("order types = %d, want the 3 seeded types", len(got))
	}
}

func TestHandlerListCareSettings(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/api/v1/care-settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got []CareSetting
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("care settings = %d, want 2", len(got))
	}
}
