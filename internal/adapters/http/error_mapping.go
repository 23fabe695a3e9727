package httpadapter

import (
	"net/http"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDocumentNotFound),
		domain.IsKind(err, domain.ErrVersionNotFound),
		domain.IsKind(err, domain.ErrBlobNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrDocumentExists),
		domain.IsKind(err, domain.ErrVersionTerminal):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary),
		domain.IsKind(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
