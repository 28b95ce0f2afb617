package api

import (
	"errors"
	"net/http"
	"net/url"

	"offgrid/internal/auth"
	"offgrid/internal/content"
	"offgrid/internal/filestore"
	"offgrid/internal/messaging"
	"offgrid/internal/models"
)

// classify maps domain errors to an HTTP status and an error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, filestore.ErrBucketNotFound):
		return http.StatusNotFound, models.CodeBucketNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, models.CodeUnauthorized
	case errors.Is(err, messaging.ErrForbidden):
		return http.StatusForbidden, models.CodeForbidden
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, filestore.ErrObjectNotFound):
		return http.StatusNotFound, models.CodeNotFound
	case errors.Is(err, filestore.ErrObjectExists),
		errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, models.CodeConflict
	case errors.Is(err, messaging.ErrValidation),
		errors.Is(err, filestore.ErrInvalidPath),
		errors.Is(err, content.ErrUnsupportedType),
		errors.Is(err, content.ErrTooLarge),
		errors.Is(err, content.ErrEmptyFile),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusBadRequest, models.CodeValidation
	default:
		return http.StatusInternalServerError, models.CodeInternal
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == host
}
