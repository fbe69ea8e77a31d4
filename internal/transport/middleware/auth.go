package middleware

import (
	"errors"
	"net/http"

	apperrors "github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/auth"
	"github.com/frahmantamala/followup-payments/internal/transport"
	"github.com/frahmantamala/followup-payments/pkg/logger"
)

// Authenticate requires a valid bearer token and stores its subject as the
// request user id.
func Authenticate(validator auth.TokenValidator, base *transport.BaseHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := validator.ValidateToken(transport.ExtractBearer(r))
			if err != nil {
				if errors.Is(err, auth.ErrTokenExpired) {
					base.HandleServiceError(w, apperrors.ErrTokenExpired)
					return
				}
				base.HandleServiceError(w, apperrors.ErrInvalidToken)
				return
			}

			ctx := apperrors.ContextWithUserID(r.Context(), claims.Subject)
			ctx = logger.With(ctx, "user_id", claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
