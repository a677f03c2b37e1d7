// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// DefaultBasePath is where the admin routes are mounted unless configured.
const DefaultBasePath = "/debug"

// Route paths, relative to the base path.
const (
	ListPath     = "/list-auth-users"
	DeletePath   = "/delete-user-action"
	ClearAllPath = "/clear-all-auth-data"
)

// Listing banner statuses carried in the query string after a deletion.
const (
	StatusDeleted = "deleted"
	StatusError   = "error"
)

// Handler serves the admin pages.
type Handler struct {
	workflow *Workflow
	basePath string
	logger   *slog.Logger
}

// NewHandler creates a Handler for workflow. basePath is the mount point
// used to build links and redirects.
func NewHandler(workflow *Workflow, basePath string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		workflow: workflow,
		basePath: strings.TrimSuffix(basePath, "/"),
		logger:   logger,
	}
}

// Routes returns a router with the admin endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get(ListPath, h.ListHandler)
	r.Post(DeletePath, h.DeleteHandler)
	r.Post(ClearAllPath, h.ClearAllHandler)
	return r
}

// ListHandler shows the identities once the caller presents the pending
// challenge, and issues a new challenge otherwise.
func (h *Handler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !h.workflow.Available() {
		h.renderError(w, http.StatusInternalServerError, ErrStoreUnavailable.Error())
		return
	}

	query := r.URL.Query()
	banners := statusBanners(query.Get("status"), query.Get("email"))

	ok, err := h.workflow.Authorize(r.Context(), query.Get("challenge"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "admin challenge check failed", "error", err)
		h.renderError(w, http.StatusInternalServerError, "Challenge check failed.")
		return
	}
	if !ok {
		render(w, h.logger, http.StatusUnauthorized, "challenge", pageData{
			Title:    "Challenge required",
			BasePath: h.basePath,
			Banners:  banners,
		})
		return
	}

	h.renderListing(w, r, banners)
}

// DeleteHandler removes one identity and redirects back to the listing.
func (h *Handler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(r.PostForm.Get("email"))
	if email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}
	if !h.workflow.Available() {
		h.renderError(w, http.StatusInternalServerError, ErrStoreUnavailable.Error())
		return
	}

	status := StatusDeleted
	if _, err := h.workflow.DeleteIdentity(r.Context(), email); err != nil {
		status = StatusError
	}

	target := h.basePath + ListPath + "?" + url.Values{
		"status": {status},
		"email":  {email},
	}.Encode()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// ClearAllHandler deletes every auth key and re-renders the listing with
// the outcome.
func (h *Handler) ClearAllHandler(w http.ResponseWriter, r *http.Request) {
	if !h.workflow.Available() {
		h.renderError(w, http.StatusInternalServerError, ErrStoreUnavailable.Error())
		return
	}

	report, err := h.workflow.ClearAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "bulk clear failed", "error", err)
		h.renderError(w, http.StatusInternalServerError, "Clear failed.")
		return
	}

	h.renderListing(w, r, []banner{clearBanner(report)})
}

func (h *Handler) renderListing(w http.ResponseWriter, r *http.Request, banners []banner) {
	listing, err := h.workflow.ListIdentities(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "admin listing failed", "error", err)
		if errors.Is(err, ErrStoreUnavailable) {
			h.renderError(w, http.StatusInternalServerError, err.Error())
			return
		}
		banners = append(banners, banner{Class: bannerErr, Text: "Listing failed; the store could not be scanned."})
		render(w, h.logger, http.StatusOK, "list", pageData{
			Title:    "Auth users",
			BasePath: h.basePath,
			Banners:  banners,
		})
		return
	}

	if listing.Warning != "" {
		banners = append(banners, banner{Class: bannerWarn, Text: listing.Warning})
	}
	render(w, h.logger, http.StatusOK, "list", pageData{
		Title:       "Auth users",
		BasePath:    h.basePath,
		Banners:     banners,
		Identities:  listing.Identities,
		KeysScanned: listing.KeysScanned,
	})
}

func (h *Handler) renderError(w http.ResponseWriter, status int, msg string) {
	render(w, h.logger, status, "error", pageData{
		Title:    "Admin error",
		BasePath: h.basePath,
		Banners:  []banner{{Class: bannerErr, Text: msg}},
	})
}

func statusBanners(status, email string) []banner {
	switch status {
	case StatusDeleted:
		return []banner{{Class: bannerOK, Text: fmt.Sprintf("Deleted %s.", email)}}
	case StatusError:
		return []banner{{Class: bannerErr, Text: fmt.Sprintf("Failed to delete %s.", email)}}
	default:
		return nil
	}
}

func clearBanner(report *ClearReport) banner {
	counts := fmt.Sprintf("%d keys attempted, %d errors", report.Attempted, report.Errors)
	switch report.Status {
	case ClearSuccess:
		return banner{Class: bannerOK, Text: "Clear-all status: success (" + counts + ")."}
	case ClearPartial:
		return banner{Class: bannerWarn, Text: "Clear-all status: partial (" + counts + ")."}
	default:
		return banner{Class: bannerErr, Text: "Clear-all status: error (" + counts + ")."}
	}
}
