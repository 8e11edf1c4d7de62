/**
 * @description
 * This file contains the HTTP handlers for the groupbuy-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application services, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/app"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/groupcart/groupbuy-service/internal/store"
)

// GroupBuyHandlers holds the application services that handlers will use.
type GroupBuyHandlers struct {
	coordinator *app.Coordinator
	settlement  *app.Settlement
}

// NewGroupBuyHandlers creates a new instance of GroupBuyHandlers.
func NewGroupBuyHandlers(coordinator *app.Coordinator, settlement *app.Settlement) *GroupBuyHandlers {
	return &GroupBuyHandlers{coordinator: coordinator, settlement: settlement}
}

// authenticatedUserID retrieves the caller's UUID from the request context.
func (h *GroupBuyHandlers) authenticatedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id user_id=%s", userIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// CreateGroupHandler handles requests to open a new group purchase.
func (h *GroupBuyHandlers) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_group outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.ProductID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "product_id is required")
		return
	}

	group, err := h.coordinator.CreateGroup(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidTarget), errors.Is(err, app.ErrInvalidExpiry):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("level=error component=api endpoint=create_group outcome=error product_id=%s err=%v", req.ProductID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to create group")
		}
		return
	}

	log.Printf("level=info component=api endpoint=create_group outcome=created group_id=%s product_id=%s target=%d", group.ID, group.ProductID, group.TargetParticipants)
	h.writeJSON(w, http.StatusCreated, group)
}

// GetGroupHandler returns a single group with its participant roster.
func (h *GroupBuyHandlers) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid group ID format")
		return
	}

	group, err := h.coordinator.GetGroup(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			h.writeError(w, http.StatusNotFound, "Group not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_group outcome=error group_id=%s err=%v", groupID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch group")
		return
	}

	h.writeJSON(w, http.StatusOK, group)
}

// ListGroupsHandler returns a paginated group listing, optionally filtered
// by status.
func (h *GroupBuyHandlers) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	opts := domain.GroupListOptions{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  50,
	}
	if opts.Status != "" &&
		opts.Status != domain.GroupStatusOpen &&
		opts.Status != domain.GroupStatusComplete &&
		opts.Status != domain.GroupStatusExpired {
		h.writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 200 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	groups, err := h.coordinator.ListGroups(r.Context(), opts)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_groups outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list groups")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// JoinGroupHandler handles a buyer's attempt to take a slot in a group.
func (h *GroupBuyHandlers) JoinGroupHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid group ID format")
		return
	}

	var req domain.JoinGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=join_group outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	resp, err := h.coordinator.Join(r.Context(), groupID, userID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrGroupNotFound):
			h.writeError(w, http.StatusNotFound, "Group not found")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrAlreadyJoined):
			h.writeError(w, http.StatusConflict, "You have already joined this group")
		case errors.Is(err, app.ErrGroupNotOpen), errors.Is(err, app.ErrGroupExpired):
			h.writeError(w, http.StatusConflict, "Group is no longer open")
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many join attempts. Please slow down.")
		case errors.Is(err, app.ErrContention):
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusServiceUnavailable, "Group is busy. Please retry.")
		default:
			log.Printf("level=error component=api endpoint=join_group outcome=error group_id=%s user_id=%s err=%v", groupID, userID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to join group")
		}
		return
	}

	log.Printf("level=info component=api endpoint=join_group outcome=accepted group_id=%s user_id=%s status=%s count=%d/%d",
		groupID, userID, resp.GroupStatus, resp.CurrentParticipants, resp.TargetParticipants)
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateOrderHandler handles the direct single-buyer purchase flow.
func (h *GroupBuyHandlers) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_order outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	order, err := h.settlement.CreateOrder(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, "Order items must have positive quantity and price")
			return
		}
		log.Printf("level=error component=api endpoint=create_order outcome=error user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

// GetOrderHandler returns a single order with its line items.
func (h *GroupBuyHandlers) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid order ID format")
		return
	}

	order, err := h.settlement.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_order outcome=error order_id=%s err=%v", orderID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch order")
		return
	}
	if order.UserID != userID {
		h.writeError(w, http.StatusNotFound, "Order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

// writeJSON is a helper for writing JSON responses.
func (h *GroupBuyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *GroupBuyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
