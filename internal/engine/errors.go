package engine

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/xela07ax/agentvm-trust/internal/domain"
)

// errorClass: внешнее представление ошибки. Наружу уходит только код,
// причина остается в логах и аудите.
type errorClass struct {
	http int
	grpc codes.Code
	code string
}

var errorClasses = []struct {
	target error
	class  errorClass
}{
	{domain.ErrMalformedRequest, errorClass{http.StatusBadRequest, codes.InvalidArgument, "malformed_request"}},
	{ErrUnauthenticated, errorClass{http.StatusUnauthorized, codes.Unauthenticated, "unauthenticated"}},
	{ErrAgentRevoked, errorClass{http.StatusForbidden, codes.PermissionDenied, "agent_revoked"}},
	{ErrBindingFailed, errorClass{http.StatusForbidden, codes.PermissionDenied, "binding_failed"}},
	{domain.ErrAgentNotFound, errorClass{http.StatusNotFound, codes.NotFound, "agent_not_found"}},
	{domain.ErrSecretNotFound, errorClass{http.StatusNotFound, codes.NotFound, "secret_not_found"}},
	{ErrStatusNotAllowed, errorClass{http.StatusConflict, codes.FailedPrecondition, "status_not_allowed"}},
	{domain.ErrInvalidTransition, errorClass{http.StatusConflict, codes.FailedPrecondition, "invalid_transition"}},
	{domain.ErrStatusConflict, errorClass{http.StatusConflict, codes.Aborted, "status_conflict"}},
	{domain.ErrSecretConflict, errorClass{http.StatusConflict, codes.Aborted, "secret_conflict"}},
	{domain.ErrInvalidCredentials, errorClass{http.StatusUnauthorized, codes.Unauthenticated, "invalid_credentials"}},
	{domain.ErrKMSUnavailable, errorClass{http.StatusBadGateway, codes.Unavailable, "kms_unavailable"}},
	{domain.ErrDecryptFailed, errorClass{http.StatusUnprocessableEntity, codes.DataLoss, "decrypt_failed"}},
}

var internalClass = errorClass{http.StatusInternalServerError, codes.Internal, "internal"}

func classify(err error) errorClass {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.class
		}
	}
	return internalClass
}

// HTTPStatus: HTTP-код ответа для ошибки guard/control.
func HTTPStatus(err error) int { return classify(err).http }

// GRPCCode: gRPC-код для той же ошибки.
func GRPCCode(err error) codes.Code { return classify(err).grpc }

// ErrorCode: машинно-читаемый код ошибки для тела ответа.
func ErrorCode(err error) string { return classify(err).code }
