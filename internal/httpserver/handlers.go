package httpserver

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Mdanson-code/facepal/internal/generate"
	"github.com/Mdanson-code/facepal/internal/upstream"
)

// Handlers carries the endpoint dependencies.
type Handlers struct {
	Generate *generate.Service
}

// NewHandlers constructs the handler set.
func NewHandlers(svc *generate.Service) Handlers {
	return Handlers{Generate: svc}
}

// Register mounts the routes.
func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/generate", h.generate)
	e.GET("/generate", func(c echo.Context) error {
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})
}

type generateRequest struct {
	Text     string `json:"text"`
	AvatarID string `json:"avatarId"`
}

func (h Handlers) generate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}

	result, err := h.Generate.Generate(c.Request().Context(), req.Text, req.AvatarID)
	if err != nil {
		switch {
		case errors.Is(err, generate.ErrValidation):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, upstream.ErrTimeout):
			log.Printf("generate: upstream timeout: %v", err)
			return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "Video generation timed out"})
		default:
			// Short diagnostic only; internals stay in the server log.
			log.Printf("generate: %v", err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "Failed to generate video"})
		}
	}
	return c.JSON(http.StatusOK, result)
}
