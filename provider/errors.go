package provider

import (
	"errors"
	"fmt"
	"net/http"

	xoauth2 "golang.org/x/oauth2"

	iam "github.com/chimerakang/iam-cache"
)

// StatusError is an unexpected HTTP status from the provider.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("iam/provider: unexpected status %d", e.Code)
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// mapTokenError classifies a token endpoint failure. A rejected grant maps to
// clientKind; a rejected client is a deployment problem the caller cannot
// fix, so it is reported as ProviderUnavailable along with transport errors,
// timeouts and 5xx responses.
func mapTokenError(op string, err error, clientKind iam.ErrorKind) error {
	var re *xoauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return iam.Unavailable(op, err)
	}
	switch re.ErrorCode {
	case "invalid_client", "unauthorized_client":
		return iam.Unavailable(op, err)
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return iam.NewAuthError(clientKind, op, err)
	}
	return iam.Unavailable(op, err)
}
