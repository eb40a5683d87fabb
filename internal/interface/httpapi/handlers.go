package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jinford/doc-rag/internal/core/ask"
	"github.com/jinford/doc-rag/internal/core/ingestion"
	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

const multipartMemory = 32 << 20

type chatRequest struct {
	Messages []ask.ChatMessage     `json:"messages"`
	Filter   search.MetadataFilter `json:"filter,omitempty"`
	Mode     string                `json:"mode,omitempty"`
}

type searchRequest struct {
	Query  string                `json:"query"`
	Mode   string                `json:"mode,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Filter search.MetadataFilter `json:"filter,omitempty"`
}

type searchResponse struct {
	Mode    search.Mode          `json:"mode"`
	Results []search.RankedChunk `json:"results"`
	Sources []search.Source      `json:"sources"`
}

type uploadResponse struct {
	Document  *ingestion.Document `json:"document"`
	Duplicate bool                `json:"duplicate"`
}

type settingsBody struct {
	Retrieval ask.RetrievalSettings `json:"retrieval"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat は回答をイベントストリームとして返す
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	ownerID := ownerFromContext(r.Context())
	settings := s.settings.Resolve(ownerID)
	if req.Mode != "" {
		mode, ok := search.ParseMode(req.Mode)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid search mode: "+req.Mode)
			return
		}
		settings.Search.Mode = mode
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	encoder := stream.NewEncoder(w)
	// ストリーム開始後の失敗はエラーイベントとして送信済み
	if _, err := s.asker.Ask(r.Context(), ask.AskParams{
		OwnerID:  ownerID,
		Messages: req.Messages,
		Filter:   req.Filter,
	}, settings, encoder); err != nil {
		s.logger.Warn("chat stream finished with error", "ownerID", ownerID.String(), "error", err)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	var mode search.Mode
	if req.Mode != "" {
		m, ok := search.ParseMode(req.Mode)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid search mode: "+req.Mode)
			return
		}
		mode = m
	}

	ownerID := ownerFromContext(r.Context())
	cfg := s.settings.Resolve(ownerID).Search
	result, err := s.searcher.SearchWithConfig(r.Context(), cfg, search.SearchParams{
		Query:   req.Query,
		Mode:    mode,
		Filter:  req.Filter,
		OwnerID: &ownerID,
		Limit:   req.Limit,
	})
	if err != nil {
		s.logger.Error("search failed", "ownerID", ownerID.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	resp := searchResponse{
		Mode:    result.Mode,
		Results: result.Chunks,
		Sources: result.Sources,
	}
	if resp.Results == nil {
		resp.Results = []search.RankedChunk{}
	}
	if resp.Sources == nil {
		resp.Sources = []search.Source{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	writeJSON(w, http.StatusOK, settingsBody{Retrieval: s.settings.Retrieval(ownerID)})
}

// handleUpdateSettings は省略された項目を現在値のまま更新する
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	body := settingsBody{Retrieval: s.settings.Retrieval(ownerID)}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.settings.UpdateRetrieval(ownerID, body.Retrieval)
	if err != nil {
		if errors.Is(err, ask.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to update settings", "ownerID", ownerID.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update settings")
		return
	}
	s.logger.Info("settings updated", "ownerID", ownerID.String(), "mode", string(updated.SearchMode))
	writeJSON(w, http.StatusOK, settingsBody{Retrieval: updated})
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ingestion.ErrFileTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	// 汎用のバイナリ型は拡張子から推定させる
	fileType := header.Header.Get("Content-Type")
	if fileType == "application/octet-stream" {
		fileType = ""
	}

	ownerID := ownerFromContext(r.Context())
	result, err := s.documents.Submit(r.Context(), ingestion.IngestParams{
		OwnerID:  ownerID,
		Filename: header.Filename,
		FileType: fileType,
		Content:  content,
	})
	if err != nil {
		s.writeIngestError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{Document: result.Document, Duplicate: result.Duplicate})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())
	docs, err := s.documents.ListDocuments(r.Context(), ownerID)
	if err != nil {
		s.logger.Error("failed to list documents", "ownerID", ownerID.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []*ingestion.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	doc, err := s.documents.GetDocument(r.Context(), ownerFromContext(r.Context()), id)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	if err := s.documents.DeleteDocument(r.Context(), ownerFromContext(r.Context()), id); err != nil {
		s.writeIngestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetImage は画像の保存先へリダイレクトする
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid image index")
		return
	}

	url, err := s.documents.ImageURL(r.Context(), ownerFromContext(r.Context()), id, index)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingestion.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, ingestion.ErrImageNotFound):
		writeError(w, http.StatusNotFound, "image not found")
	case errors.Is(err, ingestion.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ingestion.ErrInvalidDocument),
		errors.Is(err, ingestion.ErrUnsupportedFileType),
		errors.Is(err, ingestion.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingestion.ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("document request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func documentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
