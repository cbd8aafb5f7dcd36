package httpapi

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/imsearch/imsearch"
)

// authMiddleware enforces a bearer token against cfg.Server.AuthToken. No
// pack example ships auth middleware for a Fiber service, so this is
// hand-written rather than adapted; it follows Fiber's own
// func(*fiber.Ctx) error middleware signature used throughout
// papercomputeco-tapes/api. An empty AuthToken disables auth entirely,
// matching this repo's single-operator deployment model.
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	if s.cfg.Server.AuthToken == "" {
		return c.Next()
	}
	if c.Path() == "/docs" {
		return c.Next()
	}

	header := c.Get(fiber.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return c.Status(fiber.StatusUnauthorized).JSON(errorResponse{Error: "missing bearer token", Kind: imsearch.KindInput})
	}
	token := strings.TrimPrefix(header, prefix)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.AuthToken)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(errorResponse{Error: "invalid bearer token", Kind: imsearch.KindInput})
	}
	return c.Next()
}
