package pipeline

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/claimgate/internal/domain/adapter"
	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/domain/rejection"
	"github.com/ehr/claimgate/internal/domain/submission"
	"github.com/ehr/claimgate/internal/platform/fhir"
	"github.com/ehr/claimgate/pkg/pagination"
)

const (
	maxDocumentBytes = 5 << 20
	maxFeedBytes     = 64 << 20
	maxBatchSize     = 500

	// codeSystem qualifies the stable error and violation codes in outcomes.
	codeSystem = "urn:claimgate:code"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/claims/normalize", h.Normalize)
	api.POST("/claims", h.IngestClaim)
	api.POST("/claims/batch", h.IngestBatch)
	api.GET("/claims/:claim_id", h.GetClaim)
	api.POST("/claims/:claim_id/withdraw", h.Withdraw)

	api.GET("/submissions/dead-letter", h.ListDeadLetters)
	api.POST("/submissions/:id/acknowledge", h.AcknowledgeDeadLetter)

	api.POST("/rejections/feed", h.IngestFeed)
	api.GET("/rejections/summary", h.RejectionSummary)

	api.GET("/resubmissions", h.ListResubmissions)
	api.POST("/resubmissions/:id/correct", h.CorrectResubmission)
}

func (h *Handler) Normalize(c echo.Context) error {
	raw, err := readBody(c, maxDocumentBytes)
	if err != nil {
		return err
	}
	rec, err := h.svc.Normalize(raw, c.QueryParam("format"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) IngestClaim(c echo.Context) error {
	raw, err := readBody(c, maxDocumentBytes)
	if err != nil {
		return err
	}
	res, err := h.svc.Ingest(c.Request().Context(), raw, c.QueryParam("format"))
	if err != nil {
		return errorResponse(c, err)
	}
	if res.Duplicate {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusAccepted, res)
}

type batchRequest struct {
	Documents []struct {
		Format   string          `json:"format"`
		Document json.RawMessage `json:"document"`
	} `json:"documents"`
}

func (h *Handler) IngestBatch(c echo.Context) error {
	raw, err := readBody(c, maxDocumentBytes*10)
	if err != nil {
		return err
	}
	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 || len(req.Documents) > maxBatchSize {
		return echo.NewHTTPError(http.StatusBadRequest, "batch must hold between 1 and "+strconv.Itoa(maxBatchSize)+" documents")
	}
	docs := make([]Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = Document{Format: d.Format, Raw: d.Document}
	}
	items, err := h.svc.IngestBatch(c.Request().Context(), docs)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusMultiStatus, map[string]interface{}{"items": items})
}

func (h *Handler) GetClaim(c echo.Context) error {
	st, err := h.svc.Status(c.Request().Context(), c.Param("claim_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

type actorRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (h *Handler) Withdraw(c echo.Context) error {
	var req actorRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if err := h.svc.Withdraw(c.Request().Context(), c.Param("claim_id"), req.Actor); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ListDeadLetters(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.DeadLetters(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AcknowledgeDeadLetter(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req actorRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}
	sub, err := h.svc.AcknowledgeDeadLetter(c.Request().Context(), id, req.Actor, req.Note)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) IngestFeed(c echo.Context) error {
	format, err := rejection.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxFeedBytes)
	report, err := h.svc.IngestFeed(c.Request().Context(), body, format)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "feed too large")
		}
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) RejectionSummary(c echo.Context) error {
	s, err := h.svc.AtRisk(c.Request().Context(), rejection.Filter{
		Branch: c.QueryParam("branch"),
		Payer:  c.QueryParam("payer"),
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListResubmissions(c echo.Context) error {
	status := rejection.TaskStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Resubmissions(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type correctRequest struct {
	Corrections map[string]string `json:"corrections"`
}

func (h *Handler) CorrectResubmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req correctRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Correct(c.Request().Context(), id, req.Corrections)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, res)
}

func readBody(c echo.Context, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if int64(len(raw)) > limit {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "document too large")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty request body")
	}
	return raw, nil
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c echo.Context, v interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDocumentBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// errorResponse writes err as an OperationOutcome with the matching status.
func errorResponse(c echo.Context, err error) error {
	status, issueType := classify(err)

	var vf *claim.ValidationFailure
	if errors.As(err, &vf) && vf.Result != nil {
		b := fhir.NewOutcomeBuilder()
		for _, v := range vf.Result.Violations {
			b.AddCodedIssue(issueSeverity(v.Severity), fhir.IssueTypeInvalid, codeSystem, v.Code, v.Remediation, v.Path)
		}
		b.AddCodedIssue(fhir.IssueSeverityError, fhir.IssueTypeBusinessRule, codeSystem, vf.Code(),
			vf.Error(), "")
		return c.JSON(status, map[string]interface{}{
			"outcome":    b.Build(),
			"validation": vf.Result,
		})
	}

	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
		return c.JSON(status, fhir.ErrorOutcome("internal error"))
	}
	if code := claim.CodeOf(err); code != "" {
		outcome := fhir.NewOutcomeBuilder().
			AddCodedIssue(fhir.IssueSeverityError, issueType, codeSystem, code, err.Error(), "").
			AddIssue(fhir.IssueSeverityInformation, fhir.IssueTypeProcessing, claim.RemediationOf(err)).
			Build()
		return c.JSON(status, outcome)
	}
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, issueType, err.Error()))
}

func classify(err error) (int, string) {
	var (
		mapping   *claim.MappingError
		ambiguous *claim.AmbiguousFormatError
		invalid   *claim.ValidationFailure
	)
	switch {
	case errors.As(err, &mapping), errors.As(err, &ambiguous), errors.Is(err, adapter.ErrUnknownFormat),
		errors.Is(err, rejection.ErrFeedShape), errors.Is(err, rejection.ErrUnknownField):
		return http.StatusBadRequest, fhir.IssueTypeInvalid
	case errors.As(err, &invalid), errors.Is(err, rejection.ErrIncompleteCorrection):
		return http.StatusUnprocessableEntity, fhir.IssueTypeRequired
	case errors.Is(err, claim.ErrNotFound), errors.Is(err, submission.ErrNotFound),
		errors.Is(err, rejection.ErrNotFound), errors.Is(err, rejection.ErrTaskNotFound):
		return http.StatusNotFound, fhir.IssueTypeNotFound
	case errors.Is(err, ErrClaimInFlight), errors.Is(err, ErrStaleGeneration), errors.Is(err, claim.ErrGenerationExists),
		errors.Is(err, submission.ErrNewGenerationRequired), errors.Is(err, submission.ErrNotWithdrawable),
		errors.Is(err, submission.ErrNotDeadLetter), errors.Is(err, submission.ErrAlreadyAcknowledged),
		errors.Is(err, rejection.ErrTaskState):
		return http.StatusConflict, fhir.IssueTypeConflict
	}
	return http.StatusInternalServerError, fhir.IssueTypeException
}

func issueSeverity(s claim.Severity) string {
	switch s {
	case claim.SeverityCritical, claim.SeverityHigh:
		return fhir.IssueSeverityError
	}
	return fhir.IssueSeverityWarning
}
