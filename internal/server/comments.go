package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gbear605/manifold/internal/model"
	"github.com/gbear605/manifold/internal/storage/sqlite"
)

type postCommentRequest struct {
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
	UserAvatarURL    string `json:"userAvatarUrl"`
	Content          string `json:"content"`
	ReplyToCommentID string `json:"replyToCommentId"`
}

func (a *API) handleContractComments(w http.ResponseWriter, r *http.Request) {
	comments, err := a.comments.CommentsByContract(r.Context(), r.PathValue("id"), r.URL.Query().Get("viewerId"))
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list comments")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, comments)
}

func (a *API) handleCommentCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.comments.CountComments(r.Context(), r.PathValue("id"))
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to count comments")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (a *API) handleComment(w http.ResponseWriter, r *http.Request) {
	c, err := a.comments.Comment(r.Context(), r.PathValue("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "comment not found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to get comment")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !c.VisibleTo(r.URL.Query().Get("viewerId")) {
		a.writeError(w, http.StatusNotFound, "comment not found")
		return
	}
	a.writeJSON(w, http.StatusOK, c)
}

func (a *API) handleRecentComments(w http.ResponseWriter, r *http.Request) {
	if a.recent == nil {
		a.writeJSON(w, http.StatusOK, []model.Comment{})
		return
	}
	viewerID := r.URL.Query().Get("viewerId")
	rows := make([]model.Comment, 0)
	for _, c := range a.recent.Rows() {
		if c.VisibleTo(viewerID) {
			rows = append(rows, c)
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			a.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit < len(rows) {
			rows = rows[len(rows)-limit:]
		}
	}
	a.writeJSON(w, http.StatusOK, rows)
}

func (a *API) handlePostComment(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if a.opts.MaxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, a.opts.MaxBodySize)
	}

	var req postCommentRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Content) == "" {
		a.writeError(w, http.StatusBadRequest, "userId and content are required")
		return
	}

	c, err := a.comments.InsertComment(r.Context(), model.Comment{
		ContractID:       r.PathValue("id"),
		UserID:           req.UserID,
		UserName:         req.UserName,
		UserAvatarURL:    req.UserAvatarURL,
		Content:          req.Content,
		ReplyToCommentID: req.ReplyToCommentID,
	})
	if errors.Is(err, sqlite.ErrConflict) {
		a.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to insert comment")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Debug().Str("commentID", c.ID).Str("contractID", c.ContractID).Msg("comment created")
	a.writeJSON(w, http.StatusCreated, c)
}
