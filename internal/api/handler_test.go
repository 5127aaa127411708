package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
	"github.com/cgk-platform/courier/internal/redis"
	"github.com/cgk-platform/courier/internal/template"
)

// Common test errors
var ErrDatabaseError = errors.New("database error")

// MockRepository is a fake message store for testing
type MockRepository struct {
	messages map[string]*db.Message

	enqueueCalled bool
	cancelCalled  bool

	shouldFail bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		messages: make(map[string]*db.Message),
	}
}

func (m *MockRepository) Enqueue(ctx context.Context, msg *db.Message) error {
	m.enqueueCalled = true
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.messages[msg.ID.String()] = msg
	return nil
}

func (m *MockRepository) Get(ctx context.Context, id uuid.UUID) (*db.Message, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	msg, exists := m.messages[id.String()]
	if !exists {
		return nil, db.ErrMessageNotFound
	}
	return msg, nil
}

func (m *MockRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Message, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var result []*db.Message
	for _, msg := range m.messages {
		if msg.TenantID == tenantID {
			result = append(result, msg)
		}
	}
	return result, nil
}

func (m *MockRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	m.cancelCalled = true
	if m.shouldFail {
		return ErrDatabaseError
	}
	msg, exists := m.messages[id.String()]
	if !exists {
		return db.ErrNotCancellable
	}
	if msg.Status != db.StatusPending && msg.Status != db.StatusScheduled {
		return db.ErrNotCancellable
	}
	msg.Status = db.StatusSkipped
	return nil
}

func (m *MockRepository) MarkDelivered(ctx context.Context, providerMessageID string, deliveredAt time.Time) (*db.Message, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	for _, msg := range m.messages {
		if msg.ProviderMessageID != nil && *msg.ProviderMessageID == providerMessageID {
			msg.Status = db.StatusDelivered
			msg.DeliveredAt = &deliveredAt
			return msg, nil
		}
	}
	return nil, db.ErrMessageNotFound
}

// MockOptOuts records suppressions in memory
type MockOptOuts struct {
	recorded   map[string]bool
	shouldFail bool
}

func NewMockOptOuts() *MockOptOuts {
	return &MockOptOuts{recorded: make(map[string]bool)}
}

func (m *MockOptOuts) RecordOptOut(ctx context.Context, tenantID uuid.UUID, recipient, method string, rawMessage *string) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.recorded[tenantID.String()+":"+recipient] = true
	return nil
}

// MockResolver renders a canned body
type MockResolver struct {
	err error
}

func (m *MockResolver) Resolve(ctx context.Context, tenantID uuid.UUID, notificationType, channel string, variables map[string]string) (*template.Rendered, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &template.Rendered{Body: "Your order has shipped"}, nil
}

func newTestHandler(repo *MockRepository, optOuts *MockOptOuts, resolver *MockResolver) *Handler {
	return NewHandler(zap.NewNop(), repo, optOuts, resolver, nil, 3)
}

func validRequest() MessageRequest {
	return MessageRequest{
		TenantID:         uuid.New().String(),
		Recipient:        "+15551234567",
		Channel:          db.ChannelSMS,
		NotificationType: "order_shipped",
		Variables:        map[string]string{"order_id": "1001"},
	}
}

func doEnqueue(t *testing.T, h *Handler, req MessageRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.EnqueueMessage(w, r)
	return w
}

func TestEnqueueMessage_Success(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	w := doEnqueue(t, h, validRequest())

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp MessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != db.StatusPending {
		t.Errorf("expected pending, got %s", resp.Status)
	}
	if !repo.enqueueCalled {
		t.Error("expected repository enqueue to be called")
	}

	msg := repo.messages[resp.ID]
	if msg == nil {
		t.Fatal("message not stored")
	}
	if msg.Body != "Your order has shipped" {
		t.Errorf("expected rendered body, got %q", msg.Body)
	}
	if msg.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", msg.MaxAttempts)
	}
}

func TestEnqueueMessage_FutureScheduleIsScheduled(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	req := validRequest()
	future := time.Now().Add(2 * time.Hour)
	req.ScheduledAt = &future

	w := doEnqueue(t, h, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var resp MessageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != db.StatusScheduled {
		t.Errorf("expected scheduled, got %s", resp.Status)
	}
}

func TestEnqueueMessage_IdempotentReplayKeepsStatus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("bad miniredis port: %v", err)
	}
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect to miniredis: %v", err)
	}
	defer client.Close()

	repo := NewMockRepository()
	idem := redis.NewIdempotencyService(client, zap.NewNop())
	h := NewHandler(zap.NewNop(), repo, NewMockOptOuts(), &MockResolver{}, idem, 3)

	req := validRequest()
	future := time.Now().Add(2 * time.Hour)
	req.ScheduledAt = &future

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	first := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	first.Header.Set("Idempotency-Key", "retry-1")
	w1 := httptest.NewRecorder()
	h.EnqueueMessage(w1, first)
	if w1.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first request, got %d: %s", w1.Code, w1.Body.String())
	}
	var r1 MessageResponse
	if err := json.Unmarshal(w1.Body.Bytes(), &r1); err != nil {
		t.Fatalf("failed to decode first response: %v", err)
	}
	if r1.Status != db.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", r1.Status)
	}

	second := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	second.Header.Set("Idempotency-Key", "retry-1")
	w2 := httptest.NewRecorder()
	h.EnqueueMessage(w2, second)

	if w2.Code != http.StatusCreated {
		t.Fatalf("expected 201 on replay, got %d: %s", w2.Code, w2.Body.String())
	}
	if w2.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header on second request")
	}
	var r2 MessageResponse
	if err := json.Unmarshal(w2.Body.Bytes(), &r2); err != nil {
		t.Fatalf("failed to decode replayed response: %v", err)
	}
	if r2.ID != r1.ID {
		t.Errorf("replay returned a different message id: %s vs %s", r2.ID, r1.ID)
	}
	if r2.Status != db.StatusScheduled {
		t.Errorf("expected replay to keep scheduled status, got %s", r2.Status)
	}
	if len(repo.messages) != 1 {
		t.Errorf("expected a single stored message, got %d", len(repo.messages))
	}
}

func TestEnqueueMessage_InvalidPhone(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
	}{
		{"missing plus", "15551234567"},
		{"leading zero", "+05551234567"},
		{"letters", "+1555CALLNOW"},
		{"too long", "+123456789012345678"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockRepository()
			h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

			req := validRequest()
			req.Recipient = tt.recipient

			w := doEnqueue(t, h, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if repo.enqueueCalled {
				t.Error("invalid request must not reach the repository")
			}
		})
	}
}

func TestEnqueueMessage_InvalidEmail(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	req := validRequest()
	req.Channel = db.ChannelEmail
	req.Recipient = "not-an-email"

	w := doEnqueue(t, h, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnqueueMessage_InvalidChannel(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	req := validRequest()
	req.Channel = "fax"

	w := doEnqueue(t, h, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnqueueMessage_MissingTemplateVariable(t *testing.T) {
	repo := NewMockRepository()
	resolver := &MockResolver{err: errs.NewValidation("variables", "missing template variable: order_id")}
	h := newTestHandler(repo, NewMockOptOuts(), resolver)

	w := doEnqueue(t, h, validRequest())

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing variable, got %d", w.Code)
	}
	if repo.enqueueCalled {
		t.Error("render failure must not enqueue")
	}
}

func TestEnqueueMessage_UnknownNotificationType(t *testing.T) {
	repo := NewMockRepository()
	resolver := &MockResolver{err: db.ErrTemplateNotFound}
	h := newTestHandler(repo, NewMockOptOuts(), resolver)

	w := doEnqueue(t, h, validRequest())

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", w.Code)
	}
}

func TestGetMessage(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	msg := &db.Message{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Status:   db.StatusPending,
		Channel:  db.ChannelSMS,
	}
	repo.messages[msg.ID.String()] = msg

	r := httptest.NewRequest(http.MethodGet, "/v1/messages/"+msg.ID.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", msg.ID.String())
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	h.GetMessage(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	h := newTestHandler(NewMockRepository(), NewMockOptOuts(), &MockResolver{})

	id := uuid.New().String()
	r := httptest.NewRequest(http.MethodGet, "/v1/messages/"+id, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	h.GetMessage(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCancelMessage(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	msg := &db.Message{ID: uuid.New(), Status: db.StatusPending}
	repo.messages[msg.ID.String()] = msg

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/"+msg.ID.String()+"/cancel", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", msg.ID.String())
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	h.CancelMessage(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if msg.Status != db.StatusSkipped {
		t.Errorf("expected skipped, got %s", msg.Status)
	}
}

func TestCancelMessage_AlreadySent(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	msg := &db.Message{ID: uuid.New(), Status: db.StatusSent}
	repo.messages[msg.ID.String()] = msg

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/"+msg.ID.String()+"/cancel", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", msg.ID.String())
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	h.CancelMessage(w, r)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for sent message, got %d", w.Code)
	}
}

func TestDeliveryCallback(t *testing.T) {
	repo := NewMockRepository()
	h := newTestHandler(repo, NewMockOptOuts(), &MockResolver{})

	provID := "prov-123"
	sentAt := time.Now().Add(-time.Minute)
	msg := &db.Message{
		ID:                uuid.New(),
		Status:            db.StatusSent,
		Channel:           db.ChannelSMS,
		ProviderMessageID: &provID,
		SentAt:            &sentAt,
	}
	repo.messages[msg.ID.String()] = msg

	body, _ := json.Marshal(DeliveryCallbackRequest{ProviderMessageID: provID})
	r := httptest.NewRequest(http.MethodPost, "/v1/callbacks/delivery", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.DeliveryCallback(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if msg.Status != db.StatusDelivered {
		t.Errorf("expected delivered, got %s", msg.Status)
	}
}

func TestDeliveryCallback_UnknownIDAcknowledged(t *testing.T) {
	h := newTestHandler(NewMockRepository(), NewMockOptOuts(), &MockResolver{})

	body, _ := json.Marshal(DeliveryCallbackRequest{ProviderMessageID: "never-seen"})
	r := httptest.NewRequest(http.MethodPost, "/v1/callbacks/delivery", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.DeliveryCallback(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("unknown receipts should be acknowledged, got %d", w.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ignored" {
		t.Errorf("expected ignored, got %s", resp["status"])
	}
}

func TestInboundCallback_StopKeyword(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"STOP", true},
		{"stop", true},
		{"  Stop  ", true},
		{"UNSUBSCRIBE", true},
		{"QUIT", true},
		{"thanks!", false},
		{"please stop sending these", false},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			optOuts := NewMockOptOuts()
			h := newTestHandler(NewMockRepository(), optOuts, &MockResolver{})

			tenantID := uuid.New()
			body, _ := json.Marshal(InboundCallbackRequest{
				TenantID: tenantID.String(),
				From:     "+15551234567",
				Body:     tt.body,
			})
			r := httptest.NewRequest(http.MethodPost, "/v1/callbacks/inbound", bytes.NewReader(body))
			w := httptest.NewRecorder()
			h.InboundCallback(w, r)

			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}

			var resp map[string]bool
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["opted_out"] != tt.want {
				t.Errorf("opted_out = %v, want %v", resp["opted_out"], tt.want)
			}
			if got := optOuts.recorded[tenantID.String()+":+15551234567"]; got != tt.want {
				t.Errorf("recorded = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateOptOut(t *testing.T) {
	optOuts := NewMockOptOuts()
	h := newTestHandler(NewMockRepository(), optOuts, &MockResolver{})

	tenantID := uuid.New()
	body, _ := json.Marshal(OptOutRequest{TenantID: tenantID.String(), Recipient: "+15551234567"})
	r := httptest.NewRequest(http.MethodPost, "/v1/opt-outs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.CreateOptOut(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if !optOuts.recorded[tenantID.String()+":+15551234567"] {
		t.Error("opt-out not recorded")
	}
}

func TestListMessages_RequiresTenantID(t *testing.T) {
	h := newTestHandler(NewMockRepository(), NewMockOptOuts(), &MockResolver{})

	r := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	w := httptest.NewRecorder()
	h.ListMessages(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
