package handlers

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"vigil/internal/logger"
	"vigil/internal/models"
	"vigil/internal/storage"
)

// RulesHandler creates and lists threshold rules.
type RulesHandler struct {
	store    storage.RuleStore
	validate *validator.Validate
	now      func() time.Time
}

// NewRulesHandler creates a rules handler
func NewRulesHandler(store storage.RuleStore) *RulesHandler {
	return &RulesHandler{
		store:    store,
		validate: newValidator(),
		now:      time.Now,
	}
}

// CreateRuleRequest is the POST /rules body.
type CreateRuleRequest struct {
	DeviceID  string   `json:"device_id" validate:"required,max=128,excludesall=#"`
	Metric    string   `json:"metric" validate:"required,max=64"`
	Operator  string   `json:"operator" validate:"required"`
	Threshold *float64 `json:"threshold" validate:"required"`
	Enabled   *bool    `json:"enabled"`
}

// Create handles POST /rules
func (h *RulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var violations []string
	if err := h.validate.Struct(req); err != nil {
		violations = describe(err)
	}
	op, err := models.ParseOperator(req.Operator)
	if req.Operator != "" && err != nil {
		violations = append(violations, err.Error())
	}
	if req.Threshold != nil && (math.IsNaN(*req.Threshold) || math.IsInf(*req.Threshold, 0)) {
		violations = append(violations, "threshold must be a finite number")
	}
	if strings.TrimSpace(req.DeviceID) == "" && req.DeviceID != "" {
		violations = append(violations, "device_id must not be blank")
	}
	if strings.TrimSpace(req.Metric) == "" && req.Metric != "" {
		violations = append(violations, "metric must not be blank")
	}
	if len(violations) > 0 {
		writeValidationError(w, violations)
		return
	}

	rule := models.Rule{
		RuleID:    uuid.NewString(),
		DeviceID:  req.DeviceID,
		Metric:    req.Metric,
		Operator:  op,
		Threshold: *req.Threshold,
		Enabled:   req.Enabled == nil || *req.Enabled,
		CreatedAt: h.now().UTC(),
	}

	if err := h.store.CreateRule(r.Context(), rule); err != nil {
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().
			Err(err).
			Str("device_id", rule.DeviceID).
			Msg("failed to create rule")
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
	log.Info().
		Str("rule_id", rule.RuleID).
		Str("device_id", rule.DeviceID).
		Str("metric", rule.Metric).
		Str("operator", rule.Operator.String()).
		Float64("threshold", rule.Threshold).
		Msg("rule created")

	writeJSON(w, http.StatusCreated, rule)
}

// List handles GET /rules?device_id=&limit=. device_id is an optional filter
func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	rules, err := h.store.ListRules(r.Context(), deviceID, int(limit))
	if err != nil {
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().Err(err).Msg("failed to list rules")
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []models.Rule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"count":     len(rules),
		"rules":     rules,
	})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// describe turns validator errors into readable violations
func describe(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			out = append(out, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "excludesall":
			out = append(out, fmt.Sprintf("%s must not contain %q", fe.Field(), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return out
}
