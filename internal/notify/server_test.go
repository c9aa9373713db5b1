package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"stockflow/models"
)

func conditionServer(t *testing.T) (*httptest.Server, *MemoryConditionStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryConditionStore()
	r := gin.New()
	RegisterRoutes(r, store, NewMemoryAttemptLog(), nil, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func postCondition(t *testing.T, srv *httptest.Server, body map[string]interface{}) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(srv.URL+"/api/conditions", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	return resp
}

func TestCreateCondition(t *testing.T) {
	srv, store := conditionServer(t)

	resp := postCondition(t, srv, map[string]interface{}{
		"user_id":     "user-1",
		"stock_code":  "005930",
		"type":        "PRICE_ABOVE",
		"threshold":   72000,
		"channel":     "PUSH",
		"destination": "device-token",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var cond models.Condition
	if err := json.NewDecoder(resp.Body).Decode(&cond); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cond.ID == "" || !cond.IsActive {
		t.Errorf("condition = %+v, want id assigned and active", cond)
	}

	stored, err := store.Get(context.Background(), cond.ID)
	if err != nil {
		t.Fatalf("condition not stored: %v", err)
	}
	if stored.Threshold != 72000 {
		t.Errorf("threshold = %f, want 72000", stored.Threshold)
	}
}

func TestCreateConditionValidation(t *testing.T) {
	srv, _ := conditionServer(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing user", map[string]interface{}{"stock_code": "005930", "type": "PRICE_ABOVE", "channel": "PUSH"}},
		{"bad type", map[string]interface{}{"user_id": "u", "stock_code": "005930", "type": "PRICE_EQUALS", "channel": "PUSH"}},
		{"bad channel", map[string]interface{}{"user_id": "u", "stock_code": "005930", "type": "PRICE_ABOVE", "channel": "FAX"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postCondition(t, srv, tc.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestListConditions(t *testing.T) {
	srv, _ := conditionServer(t)

	postCondition(t, srv, map[string]interface{}{
		"user_id": "user-1", "stock_code": "005930", "type": "PRICE_ABOVE", "threshold": 72000, "channel": "PUSH",
	}).Body.Close()
	postCondition(t, srv, map[string]interface{}{
		"user_id": "user-2", "stock_code": "000660", "type": "PRICE_BELOW", "threshold": 100000, "channel": "EMAIL", "destination": "a@b.c",
	}).Body.Close()

	resp, err := http.Get(srv.URL + "/api/conditions?user_id=user-1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var conditions []models.Condition
	if err := json.NewDecoder(resp.Body).Decode(&conditions); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(conditions) != 1 || conditions[0].UserID != "user-1" {
		t.Errorf("conditions = %+v, want one for user-1", conditions)
	}
}

func TestListConditionsRequiresUser(t *testing.T) {
	srv, _ := conditionServer(t)

	resp, err := http.Get(srv.URL + "/api/conditions")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetAndDeleteCondition(t *testing.T) {
	srv, _ := conditionServer(t)

	resp := postCondition(t, srv, map[string]interface{}{
		"user_id": "user-1", "stock_code": "005930", "type": "PRICE_ABOVE", "threshold": 72000, "channel": "PUSH",
	})
	var cond models.Condition
	json.NewDecoder(resp.Body).Decode(&cond)
	resp.Body.Close()

	getResp, err := http.Get(srv.URL + "/api/conditions/" + cond.ID)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", getResp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/conditions/"+cond.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", delResp.StatusCode)
	}

	missing, _ := http.Get(srv.URL + "/api/conditions/" + cond.ID)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", missing.StatusCode)
	}
}

func TestUpdateCondition(t *testing.T) {
	srv, store := conditionServer(t)

	resp := postCondition(t, srv, map[string]interface{}{
		"user_id": "user-1", "stock_code": "005930", "type": "PRICE_ABOVE", "threshold": 72000, "channel": "PUSH",
	})
	var cond models.Condition
	json.NewDecoder(resp.Body).Decode(&cond)
	resp.Body.Close()

	payload, _ := json.Marshal(map[string]interface{}{
		"stock_code": "005930", "type": "PRICE_ABOVE", "threshold": 75000, "channel": "EMAIL", "destination": "a@b.c",
	})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/conditions/"+cond.ID, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", putResp.StatusCode)
	}

	stored, err := store.Get(context.Background(), cond.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Threshold != 75000 || stored.Channel != models.ChannelEmail {
		t.Errorf("condition = %+v, want threshold 75000 over EMAIL", stored)
	}
	if stored.UserID != "user-1" {
		t.Errorf("user_id = %q, update must not change ownership", stored.UserID)
	}
}

func TestToggleCondition(t *testing.T) {
	srv, store := conditionServer(t)

	resp := postCondition(t, srv, map[string]interface{}{
		"user_id": "user-1", "stock_code": "005930", "type": "PRICE_ABOVE", "threshold": 72000, "channel": "PUSH",
	})
	var cond models.Condition
	json.NewDecoder(resp.Body).Decode(&cond)
	resp.Body.Close()

	toggle := func() *models.Condition {
		t.Helper()
		toggleResp, err := http.Post(srv.URL+"/api/conditions/"+cond.ID+"/toggle", "application/json", nil)
		if err != nil {
			t.Fatalf("toggle failed: %v", err)
		}
		defer toggleResp.Body.Close()
		if toggleResp.StatusCode != http.StatusOK {
			t.Fatalf("toggle status = %d, want 200", toggleResp.StatusCode)
		}
		var out models.Condition
		if err := json.NewDecoder(toggleResp.Body).Decode(&out); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		return &out
	}

	if toggled := toggle(); toggled.IsActive {
		t.Error("first toggle should deactivate the condition")
	}
	if toggled := toggle(); !toggled.IsActive {
		t.Error("second toggle should reactivate the condition")
	}

	stored, _ := store.Get(context.Background(), cond.ID)
	if !stored.IsActive {
		t.Error("stored condition should be active after two toggles")
	}
}

func TestToggleReactivatesTriggeredCondition(t *testing.T) {
	srv, store := conditionServer(t)

	resp := postCondition(t, srv, map[string]interface{}{
		"user_id": "user-1", "stock_code": "005930", "type": "PRICE_ABOVE", "threshold": 72000, "channel": "PUSH",
	})
	var cond models.Condition
	json.NewDecoder(resp.Body).Decode(&cond)
	resp.Body.Close()

	if err := store.TryTrigger(context.Background(), cond.ID, 72500, time.Now()); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	toggleResp, err := http.Post(srv.URL+"/api/conditions/"+cond.ID+"/toggle", "application/json", nil)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	toggleResp.Body.Close()

	stored, _ := store.Get(context.Background(), cond.ID)
	if !stored.IsActive {
		t.Error("toggle should rearm a triggered condition")
	}
	if !stored.TriggeredAt.IsZero() {
		t.Errorf("triggered_at = %v, want cleared on rearm", stored.TriggeredAt)
	}
}

func TestNotificationHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryConditionStore()
	attemptLog := NewMemoryAttemptLog()
	r := gin.New()
	RegisterRoutes(r, store, attemptLog, nil, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	attemptLog.RecordAttempt(context.Background(), &models.DeliveryAttempt{
		NotificationID: "n-1", UserID: "user-1", StockCode: "005930",
		Attempt: 1, Channel: models.ChannelPush, Status: models.StatusSent,
		AttemptedAt: time.Now(),
	})
	attemptLog.RecordAttempt(context.Background(), &models.DeliveryAttempt{
		NotificationID: "n-2", UserID: "user-2", StockCode: "000660",
		Attempt: 1, Channel: models.ChannelEmail, Status: models.StatusFailed,
		AttemptedAt: time.Now(),
	})

	resp, err := http.Get(srv.URL + "/api/notifications?user_id=user-1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var attempts []models.DeliveryAttempt
	if err := json.NewDecoder(resp.Body).Decode(&attempts); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].NotificationID != "n-1" {
		t.Errorf("attempts = %+v, want only user-1 history", attempts)
	}

	missing, _ := http.Get(srv.URL + "/api/notifications")
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Errorf("status without user_id = %d, want 400", missing.StatusCode)
	}
}

func TestStatsEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryConditionStore()
	publisher := &capturePublisher{}
	evaluator := newTestEvaluator(store, publisher)
	deliverer := NewDeliverer(fastRetryConfig(), nil)
	deliverer.Register(&flakySender{channel: models.ChannelPush})

	r := gin.New()
	RegisterRoutes(r, store, nil, evaluator, deliverer)
	srv := httptest.NewServer(r)
	defer srv.Close()

	evaluator.Evaluate(context.Background(), &models.Quote{StockCode: "005930", Price: 71000})
	deliverer.Deliver(context.Background(), &models.NotificationEvent{
		ID: "n-1", Channel: models.ChannelPush, Destination: "device",
	})

	resp, err := http.Get(srv.URL + "/api/stats/evaluation")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var evStats EvaluationStats
	json.NewDecoder(resp.Body).Decode(&evStats)
	resp.Body.Close()
	if evStats.Evaluated != 1 {
		t.Errorf("evaluated = %d, want 1", evStats.Evaluated)
	}

	resp, err = http.Get(srv.URL + "/api/stats/delivery")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var dlStats DeliveryStats
	json.NewDecoder(resp.Body).Decode(&dlStats)
	resp.Body.Close()
	if dlStats.Sent != 1 {
		t.Errorf("sent = %d, want 1", dlStats.Sent)
	}
}
