package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/imsearch/imsearch"
)

// errorResponse is the JSON envelope returned on every non-2xx response.
// The shape generalizes papercomputeco-tapes/api/search_handler.go's flat
// {"error": "..."} contract with a "kind" field so CLI and browser clients
// can branch on failure category without string-matching the message.
type errorResponse struct {
	Error string        `json:"error"`
	Kind  imsearch.Kind `json:"kind,omitempty"`
}

func statusForKind(kind imsearch.Kind) int {
	switch kind {
	case imsearch.KindInput:
		return fiber.StatusBadRequest
	case imsearch.KindNotFound:
		return fiber.StatusNotFound
	case imsearch.KindConflict:
		return fiber.StatusConflict
	case imsearch.KindPersistentState:
		return fiber.StatusUnprocessableEntity
	case imsearch.KindResource:
		return fiber.StatusServiceUnavailable
	case imsearch.KindTransport:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError maps err to a status code via its imsearch.Kind (defaulting to
// 500 for errors that never passed through imsearch.Wrap) and writes the
// JSON error envelope.
func writeError(c *fiber.Ctx, err error) error {
	var ierr *imsearch.Error
	if errors.As(err, &ierr) {
		return c.Status(statusForKind(ierr.Kind)).JSON(errorResponse{Error: ierr.Error(), Kind: ierr.Kind})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error(), Kind: imsearch.KindInternal})
}
