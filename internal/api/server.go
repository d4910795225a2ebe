package api

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

type Server struct {
	store   *FillStore
	service *FillService
}

func NewServer(store *FillStore, service *FillService) *Server {
	if store == nil {
		store = NewFillStore()
	}
	return &Server{
		store:   store,
		service: service,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/fills", s.handleCreateFill)
	e.GET("/v1/fills/:id", s.handleGetFill)
	e.DELETE("/v1/fills/:id", s.handleDeleteFill)
	e.GET("/v1/models", s.handleListModels)
}

func (s *Server) handleCreateFill(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "fill service not configured", "", "")
	}
	req, err := decodeJSON[FillRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	resp, err := s.service.CreateFill(c.Request().Context(), &req)
	if err != nil {
		return writeFillError(c, err)
	}
	return c.JSON(http.StatusOK, s.store.Put(*resp))
}

func (s *Server) handleGetFill(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeNotFound(c, "fill not found")
	}
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "fill not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteFill(c *echo.Context) error {
	id := c.Param("id")
	if id == "" || !s.store.Delete(id) {
		return writeNotFound(c, "fill not found")
	}
	return c.JSON(http.StatusOK, DeleteFillResp{
		ID:      id,
		Object:  "fill",
		Deleted: true,
	})
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "fill service not configured", "", "")
	}
	ids, err := s.service.ListModels()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, ModelInfo{ID: id, Object: "model"})
	}
	return c.JSON(http.StatusOK, list)
}
