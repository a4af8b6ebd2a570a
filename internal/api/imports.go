package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/mailbeam/mailbeam/internal/attr"
	"github.com/mailbeam/mailbeam/internal/importer"
)

// handleImport accepts a multipart upload (field "file", csv or xlsx) plus
// an optional "conversions" JSON field mapping columns to types, and runs
// the importer against the list.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	listID, ok := urlUUID(w, r, "listID")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	var conversions map[string]attr.Type
	if raw := r.FormValue("conversions"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &conversions); err != nil {
			respondError(w, http.StatusBadRequest, "invalid conversions")
			return
		}
		for col, t := range conversions {
			if !t.Valid() {
				respondError(w, http.StatusBadRequest, "unknown type "+string(t)+" for column "+col)
				return
			}
		}
	}

	var src importer.TabularSource
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".csv":
		src, err = importer.NewCSVSource(file)
	case ".xlsx":
		var xs *importer.XLSXSource
		xs, err = importer.NewXLSXSource(file)
		if err == nil {
			defer xs.Close()
		}
		src = xs
	default:
		respondError(w, http.StatusUnsupportedMediaType, "unsupported file type; use .csv or .xlsx")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.importer.Import(r.Context(), OrgID(r.Context()), listID, src, importer.Options{
		Conversions: conversions,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if result.Errors == nil {
		result.Errors = []importer.RowError{}
	}
	respondJSON(w, http.StatusOK, result)
}
