package server

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	attachmentFormField = "file"
	maxImportBytes      = 64 << 20
)

type resolveRequestPayload struct {
	Resolution string `json:"resolution"`
}

type resolveResponsePayload struct {
	Resolution conflict.Resolution `json:"resolution"`
	Purged     bool                `json:"purged"`
	Note       *noteView           `json:"note,omitempty"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Query("workspaceId"))
	query := strings.TrimSpace(c.Query("q"))

	var (
		listed []noteView
		err    error
	)
	if query != "" {
		found, searchErr := h.notes.Search(c.Request.Context(), query, workspaceID)
		listed, err = newNoteViews(found), searchErr
	} else {
		found, listErr := h.notes.ListNotes(c.Request.Context(), workspaceID)
		listed, err = newNoteViews(found), listErr
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": listed})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var draft notes.NoteDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	note, err := h.notes.CreateNote(c.Request.Context(), draft)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newNoteView(note))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	note, err := h.notes.GetNote(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNoteView(note))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var patch notes.NotePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	note, err := h.notes.UpdateNote(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNoteView(note))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	if err := h.notes.DeleteNote(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDuplicateNote(c *gin.Context) {
	note, err := h.notes.DuplicateNote(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newNoteView(note))
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	conflicted, err := h.resolver.ListConflicts(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": newNoteViews(conflicted)})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolution := conflict.Resolution(strings.ToLower(strings.TrimSpace(request.Resolution)))
	outcome, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), resolution)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.notes.Invalidate()

	response := resolveResponsePayload{Resolution: outcome.Resolution, Purged: outcome.Purged}
	if !outcome.Purged {
		view := newNoteView(outcome.Note)
		response.Note = &view
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListAttachments(c *gin.Context) {
	attachments, err := h.notes.ListAttachments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]attachmentView, 0, len(attachments))
	for _, attachment := range attachments {
		views = append(views, newAttachmentView(attachment))
	}
	c.JSON(http.StatusOK, gin.H{"attachments": views})
}

func (h *httpHandler) handleAddAttachment(c *gin.Context) {
	header, err := c.FormFile(attachmentFormField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if parsed, _, parseErr := mime.ParseMediaType(mimeType); parseErr == nil {
		mimeType = parsed
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	attachment, err := h.notes.AddAttachment(c.Request.Context(), notes.AttachmentDraft{
		NoteID:   c.Param("id"),
		FileName: header.Filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newAttachmentView(attachment))
}

func (h *httpHandler) handleGetAttachment(c *gin.Context) {
	attachment, err := h.notes.GetAttachment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": attachment.FileName}))
	c.Data(http.StatusOK, attachment.MimeType, attachment.Data)
}

func (h *httpHandler) handleDeleteAttachment(c *gin.Context) {
	if err := h.notes.DeleteAttachment(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListWorkspaces(c *gin.Context) {
	var (
		workspaces []store.Workspace
		err        error
	)
	if query := strings.TrimSpace(c.Query("q")); query != "" {
		workspaces, err = h.notes.SearchWorkspaces(c.Request.Context(), query)
	} else {
		workspaces, err = h.notes.ListWorkspaces(c.Request.Context())
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]workspaceView, 0, len(workspaces))
	for _, workspace := range workspaces {
		views = append(views, newWorkspaceView(workspace))
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": views})
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	var draft notes.WorkspaceDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	workspace, err := h.notes.CreateWorkspace(c.Request.Context(), draft)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newWorkspaceView(workspace))
}

func (h *httpHandler) handleUpdateWorkspace(c *gin.Context) {
	var patch notes.WorkspacePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	workspace, err := h.notes.UpdateWorkspace(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWorkspaceView(workspace))
}

func (h *httpHandler) handleDeleteWorkspace(c *gin.Context) {
	if err := h.notes.DeleteWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	document, err := h.notes.Export(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleImport(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	document, err := notes.DecodeExport(body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.notes.Import(c.Request.Context(), document)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("import finished", zap.Int("notes", result.Notes), zap.Int("workspaces", result.Workspaces))
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleListRecordings(c *gin.Context) {
	var (
		recordings []store.VoiceRecording
		err        error
	)
	if query := strings.TrimSpace(c.Query("q")); query != "" {
		recordings, err = h.notes.SearchRecordings(c.Request.Context(), query)
	} else {
		recordings, err = h.notes.ListRecordings(c.Request.Context(), strings.TrimSpace(c.Query("noteId")))
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]recordingView, 0, len(recordings))
	for _, recording := range recordings {
		views = append(views, newRecordingView(recording))
	}
	c.JSON(http.StatusOK, gin.H{"recordings": views})
}

func (h *httpHandler) handleAddRecording(c *gin.Context) {
	var draft notes.RecordingDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	recording, err := h.notes.AddRecording(c.Request.Context(), draft)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newRecordingView(recording))
}

func (h *httpHandler) handleGetRecording(c *gin.Context) {
	recording, err := h.notes.GetRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordingView(recording))
}

func (h *httpHandler) handleGetRecordingAudio(c *gin.Context) {
	recording, err := h.notes.GetRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", recording.Audio)
}

func (h *httpHandler) handleDeleteRecording(c *gin.Context) {
	if err := h.notes.DeleteRecording(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
