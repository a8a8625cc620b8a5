package handlers

import (
	"net/http"
	"strconv"
	"time"

	"ledgerworks/internal/reconcile"
	paymasterapi "ledgerworks/pkg/api/paymaster"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/middleware"
	"ledgerworks/pkg/models"
)

// Reconciliation Endpoints

// ListRules returns the business's reconciliation rules ordered by
// priority.
func ListRules(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	rules, err := reconEng.Rules(c.Request.Context(), businessID)
	if err != nil {
		respondReconcileError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymasterapi.RulesResponse{Rules: rules, Count: len(rules)})
}

// CreateRule registers a matching rule for the business.
func CreateRule(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	var req paymasterapi.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	rule := ruleFromRequest(businessID, "", req)
	if err := reconEng.CreateRule(c.Request.Context(), rule); err != nil {
		respondReconcileError(c, err)
		return
	}
	logger.WithFields(logging.Fields{
		"business_id": businessID,
		"rule_id":     rule.ID,
		"match_type":  rule.MatchType,
	}).Info("Reconciliation rule created")
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule replaces a rule's settings. Rule edits invalidate the
// business's cached rule set.
func UpdateRule(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	var req paymasterapi.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	rule := ruleFromRequest(businessID, c.Param("id"), req)
	if err := reconEng.UpdateRule(c.Request.Context(), rule); err != nil {
		respondReconcileError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func ruleFromRequest(businessID, ruleID string, req paymasterapi.RuleRequest) *models.ReconciliationRule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &models.ReconciliationRule{
		ID:                 ruleID,
		BusinessID:         businessID,
		Name:               req.Name,
		MatchType:          req.MatchType,
		Priority:           req.Priority,
		AmountTolerance:    req.AmountTolerance,
		DateToleranceDays:  req.DateToleranceDays,
		AmountWeight:       req.AmountWeight,
		DateWeight:         req.DateWeight,
		CounterpartyWeight: req.CounterpartyWeight,
		MinConfidence:      req.MinConfidence,
		Active:             active,
	}
}

// StartReconciliationBatch queues a matching run over a date range. The
// batch executes asynchronously; poll GetReconciliationBatch for progress.
func StartReconciliationBatch(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	var req paymasterapi.StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid start_date, want YYYY-MM-DD"})
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid end_date, want YYYY-MM-DD"})
		return
	}

	batch, err := reconEng.StartBatch(c.Request.Context(), reconcile.BatchArgs{
		BusinessID:        businessID,
		StartDate:         start,
		EndDate:           end,
		ReevaluateMatched: req.ReevaluateMatched,
	})
	if err != nil {
		respondReconcileError(c, err)
		return
	}

	countBatch("started")
	logger.WithFields(logging.Fields{
		"business_id": businessID,
		"batch_id":    batch.ID,
		"start_date":  req.StartDate,
		"end_date":    req.EndDate,
	}).Info("Reconciliation batch queued")
	c.JSON(http.StatusAccepted, paymasterapi.BatchStatusResponse{Batch: *batch})
}

// GetReconciliationBatch reports batch progress and summary counts.
func GetReconciliationBatch(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	batch, err := reconEng.GetBatch(c.Request.Context(), businessID, c.Param("id"))
	if err != nil {
		respondReconcileError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymasterapi.BatchStatusResponse{Batch: *batch})
}

// GetBatchMatches lists the decisions a completed batch committed.
func GetBatchMatches(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	matches, err := reconEng.BatchMatches(c.Request.Context(), businessID, c.Param("id"))
	if err != nil {
		respondReconcileError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymasterapi.MatchesResponse{Matches: matches, Count: len(matches)})
}

// ManualMatch resolves an exception by hand, linking a transaction to an
// external record. Prior automated decisions are superseded, not erased.
func ManualMatch(c middleware.Context) {
	businessID := c.GetString("business_id")
	if businessID == "" {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Business context required"})
		return
	}
	var req paymasterapi.ManualMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	match, err := reconEng.ManualMatch(c.Request.Context(), reconcile.ManualMatchArgs{
		BusinessID:       businessID,
		TransactionID:    req.TransactionID,
		ExternalRecordID: req.ExternalRecordID,
		Notes:            req.Notes,
	})
	if err != nil {
		respondReconcileError(c, err)
		return
	}
	logger.WithFields(logging.Fields{
		"business_id":        businessID,
		"transaction_id":     req.TransactionID,
		"external_record_id": req.ExternalRecordID,
	}).Info("Manual match recorded")
	c.JSON(http.StatusOK, match)
}

// IngestRecords accepts external statement lines over the service surface.
// Lines upsert on (source, external_ref) so re-sent statements are safe.
func IngestRecords(c middleware.Context) {
	var req paymasterapi.IngestRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}
	if len(req.Records) == 0 {
		c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{Error: "At least one record required"})
		return
	}

	inputs := make([]reconcile.RecordInput, 0, len(req.Records))
	for i, line := range req.Records {
		recordDate, err := time.Parse("2006-01-02", line.RecordDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, paymasterapi.ErrorResponse{
				Error: "Invalid record_date at index " + strconv.Itoa(i) + ", want YYYY-MM-DD",
			})
			return
		}
		inputs = append(inputs, reconcile.RecordInput{
			BusinessID:   line.BusinessID,
			Source:       req.Source,
			ExternalRef:  line.ExternalRef,
			Counterparty: line.Counterparty,
			Amount:       line.Amount,
			Currency:     line.Currency,
			RecordDate:   recordDate,
			Raw:          line.Raw,
		})
	}

	result, err := reconEng.IngestRecords(c.Request.Context(), inputs)
	if err != nil {
		respondReconcileError(c, err)
		return
	}

	logger.WithFields(logging.Fields{
		"source":   req.Source,
		"inserted": result.Inserted,
		"updated":  result.Updated,
	}).Info("External records ingested")
	c.JSON(http.StatusOK, paymasterapi.IngestRecordsResponse{
		Inserted: result.Inserted,
		Updated:  result.Updated,
	})
}
