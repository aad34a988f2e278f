package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"invoice-service/internal/db"
	"invoice-service/internal/invoice"
	"invoice-service/internal/matcher"
	"invoice-service/internal/service"
	"invoice-service/internal/webhook"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Server is the administrative surface: invoice creation and
// overrides, the delivery log and manual redelivery. Store and user
// management live elsewhere.
type Server struct {
	creator     *service.Creator
	matcher     *matcher.Processor
	invoices    *db.InvoiceRepository
	webhooks    *db.WebhookRepository
	redeliverer *webhook.Redeliverer
	logger      *slog.Logger
}

func New(creator *service.Creator, m *matcher.Processor, invoices *db.InvoiceRepository, webhooks *db.WebhookRepository, redeliverer *webhook.Redeliverer, logger *slog.Logger) *Server {
	return &Server{
		creator:     creator,
		matcher:     m,
		invoices:    invoices,
		webhooks:    webhooks,
		redeliverer: redeliverer,
		logger:      logger,
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /invoices", s.createInvoice)
	mux.HandleFunc("POST /invoices/{id}/invalidate", s.invalidateInvoice)
	mux.HandleFunc("POST /invoices/{id}/refresh", s.refreshInvoice)
	mux.HandleFunc("POST /invoices/{id}/archive", s.archiveInvoice)

	mux.HandleFunc("POST /stores/{storeID}/webhooks", s.createWebhook)
	mux.HandleFunc("GET /stores/{storeID}/webhooks", s.listWebhooks)
	mux.HandleFunc("GET /stores/{storeID}/deliveries", s.listDeliveries)
	mux.HandleFunc("GET /deliveries/{id}/attempts", s.listAttempts)
	mux.HandleFunc("POST /deliveries/{id}/redeliver", s.redeliver)

	return mux
}

type createInvoiceRequest struct {
	StoreID       string            `json:"storeId"`
	OrderID       string            `json:"orderId"`
	FaceAmount    decimal.Decimal   `json:"faceAmount"`
	FaceCurrency  string            `json:"faceCurrency"`
	SpeedPolicy   string            `json:"speedPolicy"`
	ExpirySeconds int               `json:"expirySeconds"`
	Destinations  map[string]string `json:"destinations"`
}

type promptResponse struct {
	Method      string          `json:"method"`
	Destination string          `json:"destination"`
	AmountDue   decimal.Decimal `json:"amountDue"`
}

type invoiceResponse struct {
	ID             uuid.UUID        `json:"id"`
	StoreID        string           `json:"storeId"`
	OrderID        string           `json:"orderId,omitempty"`
	FaceAmount     decimal.Decimal  `json:"faceAmount"`
	FaceCurrency   string           `json:"faceCurrency"`
	Status         string           `json:"status"`
	ExceptionFlags []string         `json:"exceptionFlags"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	Prompts        []promptResponse `json:"prompts"`
}

func toInvoiceResponse(inv *invoice.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:             inv.ID,
		StoreID:        inv.StoreID,
		OrderID:        inv.OrderID,
		FaceAmount:     inv.FaceAmount,
		FaceCurrency:   inv.FaceCurrency,
		Status:         string(inv.Status),
		ExceptionFlags: inv.Flags.Strings(),
		CreatedAt:      inv.CreatedAt,
		ExpiresAt:      inv.ExpiresAt,
	}
	for _, p := range inv.Prompts {
		resp.Prompts = append(resp.Prompts, promptResponse{
			Method:      string(p.Method),
			Destination: p.Destination,
			AmountDue:   p.AmountDue,
		})
	}
	return resp
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	destinations := make(map[invoice.Method]string, len(req.Destinations))
	for method, destination := range req.Destinations {
		destinations[invoice.Method(method)] = destination
	}

	inv, err := s.creator.Create(r.Context(), service.CreateParams{
		StoreID:      req.StoreID,
		OrderID:      req.OrderID,
		FaceAmount:   req.FaceAmount,
		FaceCurrency: req.FaceCurrency,
		SpeedPolicy:  invoice.SpeedPolicy(req.SpeedPolicy),
		Expiry:       time.Duration(req.ExpirySeconds) * time.Second,
		Destinations: destinations,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

func (s *Server) invalidateInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice id")
		return
	}

	if err := s.matcher.MarkInvalid(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice id")
		return
	}

	inv, err := s.creator.RefreshDueAmounts(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) archiveInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice id")
		return
	}

	if err := s.invoices.Archive(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createWebhookRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"eventTypes"`
	Enabled    *bool    `json:"enabled"`
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "url and secret are required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	eventTypes := req.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}

	reg := &db.Registration{
		ID:         uuid.New(),
		StoreID:    r.PathValue("storeID"),
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: eventTypes,
		Enabled:    enabled,
		CreatedAt:  time.Now(),
	}
	if err := s.webhooks.CreateRegistration(r.Context(), reg); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": reg.ID})
}

type webhookResponse struct {
	ID         uuid.UUID `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"eventTypes"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	regs, err := s.webhooks.ListRegistrations(r.Context(), r.PathValue("storeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]webhookResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, webhookResponse{
			ID:         reg.ID,
			URL:        reg.URL,
			EventTypes: reg.EventTypes,
			Enabled:    reg.Enabled,
			CreatedAt:  reg.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type deliveryResponse struct {
	ID                 uuid.UUID  `json:"id"`
	WebhookID          uuid.UUID  `json:"webhookId"`
	InvoiceID          uuid.UUID  `json:"invoiceId"`
	OriginalDeliveryID *uuid.UUID `json:"originalDeliveryId"`
	EventType          string     `json:"type"`
	CreatedAt          time.Time  `json:"createdAt"`
	DeliveredAt        *time.Time `json:"deliveredAt"`
	Attempts           int        `json:"attempts"`
	Exhausted          bool       `json:"exhausted"`
	Error              *string    `json:"error"`
}

func toDeliveryResponse(d *db.DeliveryEntity) deliveryResponse {
	return deliveryResponse{
		ID:                 d.ID,
		WebhookID:          d.WebhookID,
		InvoiceID:          d.InvoiceID,
		OriginalDeliveryID: d.OriginalDeliveryID,
		EventType:          d.EventType,
		CreatedAt:          d.CreatedAt,
		DeliveredAt:        d.DeliveredAt,
		Attempts:           d.Attempts,
		Exhausted:          d.Exhausted,
		Error:              d.Error,
	}
}

const deliveryLogLimit = 100

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.webhooks.ListDeliveriesByStore(r.Context(), r.PathValue("storeID"), deliveryLogLimit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, toDeliveryResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

type attemptResponse struct {
	Attempt    int       `json:"attempt"`
	StatusCode *int      `json:"statusCode"`
	Error      *string   `json:"error"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	attempts, err := s.webhooks.ListAttempts(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResponse{
			Attempt:    a.Attempt,
			StatusCode: a.StatusCode,
			Error:      a.Error,
			CreatedAt:  a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) redeliver(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	clone, err := s.redeliverer.Redeliver(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeliveryResponse(clone))
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrNoPaymentMethod),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrMissingDest):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrPaymentsMatched),
		errors.Is(err, service.ErrInvoiceNotOpen):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "Internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
