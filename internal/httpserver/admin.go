package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mansuri-sabit/voicebridge/internal/knowledge"
	"github.com/mansuri-sabit/voicebridge/internal/storage"
)

const maxDocumentUploadBytes = 10 << 20 // 10MB

// AdminRoutes exposes persona and knowledge-document management over HTTP,
// grounded on the teacher's handler style (echo.Context, JSON in/out,
// explicit status codes) in api/http/handlers.go.
type AdminRoutes struct {
	kb   *knowledge.KB
	blob storage.Blob
}

func NewAdminRoutes(kb *knowledge.KB, blob storage.Blob) *AdminRoutes {
	return &AdminRoutes{kb: kb, blob: blob}
}

func (a *AdminRoutes) Register(g *echo.Group) {
	g.GET("/persona", a.getPersona)
	g.PUT("/persona", a.putPersona)
	g.POST("/documents", a.uploadDocument)
	g.GET("/documents", a.listDocuments)
	g.GET("/documents/:id", a.getDocument)
	g.DELETE("/documents/:id", a.deleteDocument)
}

func (a *AdminRoutes) getPersona(c echo.Context) error {
	name := c.QueryParam("name")
	content, err := a.kb.LoadPersona(c.Request().Context(), name)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"name": name, "content": content})
}

type putPersonaRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (a *AdminRoutes) putPersona(c echo.Context) error {
	var req putPersonaRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "content is required"})
	}
	rec, err := a.kb.UpdatePersona(c.Request().Context(), req.Name, req.Content)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"name": rec.Name, "content": rec.Content, "updated_at": rec.UpdatedAt})
}

func (a *AdminRoutes) uploadDocument(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "file field is required"})
	}
	if fileHeader.Size > maxDocumentUploadBytes {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "file exceeds 10MB limit"})
	}
	f, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	id := fmt.Sprintf("doc-%d", time.Now().UnixNano())
	if a.blob != nil {
		if err := a.blob.Upload(id, fileHeader.Header.Get("Content-Type"), content); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
	}

	doc := &knowledge.DocumentRecord{
		ID:         id,
		Filename:   fileHeader.Filename,
		Content:    string(content),
		UploadedAt: time.Now(),
	}
	if err := a.kb.IngestDocument(c.Request().Context(), doc); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": doc.ID, "filename": doc.Filename})
}

func (a *AdminRoutes) listDocuments(c echo.Context) error {
	docs, err := a.kb.Store().ListDocuments(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	out := make([]echo.Map, 0, len(docs))
	for _, d := range docs {
		out = append(out, echo.Map{"id": d.ID, "filename": d.Filename, "uploaded_at": d.UploadedAt})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *AdminRoutes) getDocument(c echo.Context) error {
	id := c.Param("id")
	docs, err := a.kb.Store().ListDocuments(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	for _, d := range docs {
		if d.ID == id {
			return c.JSON(http.StatusOK, echo.Map{"id": d.ID, "filename": d.Filename, "content": d.Content, "uploaded_at": d.UploadedAt})
		}
	}
	return c.JSON(http.StatusNotFound, echo.Map{"error": "document not found"})
}

func (a *AdminRoutes) deleteDocument(c echo.Context) error {
	id := c.Param("id")
	if a.blob != nil {
		if err := a.blob.Delete(id); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
	}
	if err := a.kb.DeleteDocument(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
