// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/mockmarket/lib/listings"
	"github.com/bureau-foundation/mockmarket/lib/sessionstore"
)

// sessionHeader carries the session id on every listings request.
const sessionHeader = "X-Session-ID"

// Search paging bounds.
const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

type sessionHandlerFunc func(writer http.ResponseWriter, request *http.Request, handle *sessionstore.Handle)

// requireSession resolves the X-Session-ID header to an existing
// session. Unknown sessions are rejected rather than created, so a
// typo in a harness fails loudly instead of silently getting a fresh
// baseline.
func (s *Service) requireSession(next sessionHandlerFunc) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		id := request.Header.Get(sessionHeader)
		if id == "" {
			s.respondProblem(writer, request, http.StatusBadRequest, "InvalidInput",
				sessionHeader+" header is required. Create a session first using POST /sessions.")
			return
		}
		handle, err := s.manager.ResolveExisting(request.Context(), id)
		if err != nil {
			if errors.Is(err, sessionstore.ErrInvalidID) || errors.Is(err, sessionstore.ErrNotFound) {
				s.respondProblem(writer, request, http.StatusBadRequest, "InvalidInput",
					fmt.Sprintf("Invalid session ID %q. Create a session first using POST /sessions.", id))
				return
			}
			s.respondError(writer, request, err)
			return
		}
		next(writer, request, handle)
	})
}

type issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type listingResponse struct {
	SKU    string        `json:"sku"`
	Status string        `json:"status"`
	Item   listings.Item `json:"item"`
	Issues []issue       `json:"issues"`
}

type submissionResponse struct {
	SKU          string  `json:"sku"`
	Status       string  `json:"status"`
	SubmissionID string  `json:"submissionId"`
	Issues       []issue `json:"issues"`
}

type pagination struct {
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

type searchResponse struct {
	Items      []listings.Item `json:"items"`
	Pagination pagination      `json:"pagination"`
}

func (s *Service) handleGetListing(writer http.ResponseWriter, request *http.Request, handle *sessionstore.Handle) {
	sellerID, sku := request.PathValue("sellerId"), request.PathValue("sku")
	var item listings.Item
	err := handle.Read(request.Context(), func(conn *sqlite.Conn) error {
		var err error
		item, err = listings.Get(conn, sellerID, sku)
		return err
	})
	if errors.Is(err, listings.ErrNotFound) {
		s.respondProblem(writer, request, http.StatusNotFound, "NotFound", "Listing not found for SKU "+sku)
		return
	}
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	s.respond(writer, request, http.StatusOK, listingResponse{
		SKU:    item.SKU,
		Status: item.Status,
		Item:   item,
		Issues: []issue{},
	})
}

func (s *Service) handlePutListing(writer http.ResponseWriter, request *http.Request, handle *sessionstore.Handle) {
	sellerID, sku := request.PathValue("sellerId"), request.PathValue("sku")

	var item listings.Item
	if err := decodeBody(request, &item); err != nil {
		s.respondProblem(writer, request, http.StatusBadRequest, "InvalidInput", "decoding listing: "+err.Error())
		return
	}
	item.SellerID, item.SKU = sellerID, sku
	if marketplaces := splitList(request.URL.Query()["marketplaceIds"]); len(marketplaces) > 0 {
		item.MarketplaceIDs = marketplaces
	}
	if err := item.Validate(); err != nil {
		s.respondProblem(writer, request, http.StatusBadRequest, "InvalidInput", err.Error())
		return
	}

	err := handle.Write(request.Context(), func(conn *sqlite.Conn) error {
		if item.SellerName == "" {
			existing, err := listings.Get(conn, sellerID, sku)
			switch {
			case err == nil:
				item.SellerName = existing.SellerName
			case !errors.Is(err, listings.ErrNotFound):
				return err
			}
		}
		_, err := listings.Put(conn, item, s.clock.Now())
		return err
	})
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	s.respond(writer, request, http.StatusOK, submissionResponse{
		SKU:          sku,
		Status:       "ACCEPTED",
		SubmissionID: uuid.NewString(),
		Issues:       []issue{},
	})
}

func (s *Service) handleDeleteListing(writer http.ResponseWriter, request *http.Request, handle *sessionstore.Handle) {
	sellerID, sku := request.PathValue("sellerId"), request.PathValue("sku")
	err := handle.Write(request.Context(), func(conn *sqlite.Conn) error {
		return listings.Delete(conn, sellerID, sku)
	})
	if errors.Is(err, listings.ErrNotFound) {
		s.respondProblem(writer, request, http.StatusNotFound, "NotFound", "Listing not found for SKU "+sku)
		return
	}
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	s.respond(writer, request, http.StatusOK, submissionResponse{
		SKU:          sku,
		Status:       "DELETED",
		SubmissionID: uuid.NewString(),
		Issues:       []issue{},
	})
}

func (s *Service) handleSearchListings(writer http.ResponseWriter, request *http.Request, handle *sessionstore.Handle) {
	query := request.URL.Query()
	filter := listings.Filter{
		SellerID:       query.Get("seller_id"),
		SellerName:     query.Get("seller_name"),
		Text:           query.Get("title_search"),
		MarketplaceIDs: splitList(query["marketplace_ids"]),
		Status:         query.Get("status"),
		Limit:          defaultSearchLimit,
	}
	for _, parameter := range []struct {
		name     string
		target   *int
		min, max int
	}{
		{"skip", &filter.Offset, 0, math.MaxInt},
		{"limit", &filter.Limit, 1, maxSearchLimit},
	} {
		value := query.Get(parameter.name)
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < parameter.min || parsed > parameter.max {
			s.respondProblem(writer, request, http.StatusBadRequest, "InvalidInput",
				fmt.Sprintf("%s must be an integer between %d and %d, got %q",
					parameter.name, parameter.min, parameter.max, value))
			return
		}
		*parameter.target = parsed
	}

	var items []listings.Item
	err := handle.Read(request.Context(), func(conn *sqlite.Conn) error {
		var err error
		items, err = listings.List(conn, filter)
		return err
	})
	if err != nil {
		s.respondError(writer, request, err)
		return
	}
	if items == nil {
		items = []listings.Item{}
	}
	s.respond(writer, request, http.StatusOK, searchResponse{
		Items:      items,
		Pagination: pagination{Total: len(items), Skip: filter.Offset, Limit: filter.Limit},
	})
}

// splitList flattens repeated and comma-separated query values, so
// ?marketplace_ids=A&marketplace_ids=B and ?marketplace_ids=A,B agree.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
