package contact

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/contacts"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	HeaderETag    = "ETag"
	HeaderIfMatch = "If-Match"
)

// Handler serves canonical contacts. The ETag of a contact is its quoted fingerprint.
type Handler struct {
	contacts *contacts.Service
	ledger   *audit.Ledger
	logger   ectologger.Logger
}

func NewHandler(contactService *contacts.Service, ledger *audit.Ledger, logger ectologger.Logger) *Handler {
	return &Handler{
		contacts: contactService,
		ledger:   ledger,
		logger:   logger,
	}
}

// Register registers contact routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.CreateContact)
	g.GET("/:id", h.GetContact)
	g.PUT("/:id", h.UpdateContact)
	g.GET("/:id/root", h.GetRoot)
	g.GET("/:id/sources", h.ListSources)
	g.GET("/:id/audit", h.ListAudit)
	g.GET("/:id/audit/verify", h.VerifyAudit)
}

// WriteResponse is returned by create and update
type WriteResponse struct {
	Contact  *models.Contact `json:"contact"`
	Changed  bool            `json:"changed"`
	Warnings []string        `json:"warnings,omitempty"`
}

func newWriteResponse(result *contacts.WriteResult) WriteResponse {
	resp := WriteResponse{Contact: result.Contact, Changed: result.Changed}
	for _, w := range result.Warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}
	return resp
}

// CreateContact creates a contact directly, normalized and audited like an ingested one
func (h *Handler) CreateContact(c echo.Context) error {
	ctx := c.Request().Context()

	var input models.ContactInput
	if err := c.Bind(&input); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.contacts.Create(ctx, input, context.GetActor(ctx))
	if err != nil {
		return err
	}

	setETag(c, result.Contact)
	return c.JSON(http.StatusCreated, newWriteResponse(result))
}

// GetContact returns a contact as stored, even when it has been merged away
func (h *Handler) GetContact(c echo.Context) error {
	ctx := c.Request().Context()

	contact, err := h.contacts.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	setETag(c, contact)
	return c.JSON(http.StatusOK, contact)
}

// UpdateContact applies a partial update guarded by If-Match.
// A missing If-Match is 428 and a stale one is 412.
func (h *Handler) UpdateContact(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	expected := parseETag(c.Request().Header.Get(HeaderIfMatch))
	if expected == "" {
		return httperror.NewHTTPError(http.StatusPreconditionRequired, "If-Match with the contact fingerprint is required")
	}

	var patch models.UpdateContactRequest
	if err := c.Bind(&patch); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.contacts.Update(ctx, id, expected, patch, context.GetActor(ctx))
	if err != nil {
		var conflict *apperror.ConflictError
		if errors.As(err, &conflict) && conflict.Reason == apperror.ConflictStaleFingerprint {
			return httperror.NewHTTPError(http.StatusPreconditionFailed, conflict.Error()).
				AddMetaValue("reason", string(conflict.Reason)).
				AddMetaValue("entity_id", conflict.EntityID)
		}
		return err
	}

	setETag(c, result.Contact)
	return c.JSON(http.StatusOK, newWriteResponse(result))
}

// GetRoot follows duplicate-of pointers to the surviving contact
func (h *Handler) GetRoot(c echo.Context) error {
	ctx := c.Request().Context()

	contact, err := h.contacts.Resolve(ctx, c.Param("id"))
	if err != nil {
		return err
	}

	setETag(c, contact)
	return c.JSON(http.StatusOK, contact)
}

// ListSources returns the source records linked to a contact
func (h *Handler) ListSources(c echo.Context) error {
	ctx := c.Request().Context()

	links, err := h.contacts.Sources(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, links)
}

// ListAudit returns a contact's audit events newest first
func (h *Handler) ListAudit(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return apperror.NewValidationError("limit", raw, "limit must be a non-negative integer")
		}
		limit = n
	}

	if _, err := h.contacts.Get(ctx, id); err != nil {
		return err
	}

	events, err := h.ledger.History(ctx, models.AuditEntityContact, id, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

// VerifyAudit recomputes a contact's audit hash chain
func (h *Handler) VerifyAudit(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.contacts.Get(ctx, id); err != nil {
		return err
	}

	result, err := h.ledger.Verify(ctx, models.AuditEntityContact, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func setETag(c echo.Context, contact *models.Contact) {
	c.Response().Header().Set(HeaderETag, strconv.Quote(contact.Fingerprint))
}

// parseETag accepts a quoted, weak or bare fingerprint
func parseETag(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}
