package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/utils/log"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

func (s *HttpServer) GetDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		doc, err := s.documents.Get(r.Context(), id)
		if err != nil {
			log.Error("Get document failed", zap.String("did", id), zap.Error(err))
			http.Error(w, "get document failed", http.StatusInternalServerError)
			return
		}
		if doc == nil {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// PutDocument stores a verified document. A stored id can only be replaced
// by a document of the same identity key.
func (s *HttpServer) PutDocument() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var doc model.DIDDocument
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&doc); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := did.VerifyDocument(&doc); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, did.ErrInvalidDocument) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		existing, err := s.documents.Get(r.Context(), doc.ID)
		if err != nil {
			log.Error("Get document failed", zap.String("did", doc.ID), zap.Error(err))
			http.Error(w, "put document failed", http.StatusInternalServerError)
			return
		}
		if existing != nil && existing.IdentityKey != doc.IdentityKey {
			http.Error(w, "identity key mismatch", http.StatusConflict)
			return
		}
		if err := s.documents.Put(r.Context(), &doc); err != nil {
			log.Error("Put document failed", zap.String("did", doc.ID), zap.Error(err))
			http.Error(w, "put document failed", http.StatusInternalServerError)
			return
		}
		log.Info("document published", zap.String("did", doc.ID))
		w.WriteHeader(http.StatusNoContent)
	}
}
