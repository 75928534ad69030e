package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/internal/correlation"
	"pkt.systems/keyserver/internal/lease"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		logger = logger.With("cid", id)
		if span != nil {
			span.SetAttributes(attribute.String("keyserver.correlation_id", id))
		}
	}
	return pslog.ContextWithLogger(ctx, logger), logger
}

// allowMethods rejects anything but the listed methods with 405.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) error {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported methods: " + strings.Join(methods, ", "),
	}
}

// parseKeyID reads the {id} path value. Ids that cannot exist are reported
// as not found rather than bad request, matching how unknown ids behave.
func parseKeyID(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, httpError{
			Status: http.StatusNotFound,
			Code:   lease.CodeNotFound,
			Detail: "key " + strconv.Quote(raw) + " not found",
		}
	}
	return id, nil
}

// convertLeaseError maps store failures onto HTTP statuses. Every caller
// mistake is a 404; only an exhausted id space is a server error.
func convertLeaseError(err error) error {
	if err == nil {
		return nil
	}
	var failure lease.Failure
	if !errors.As(err, &failure) {
		return err
	}
	status := http.StatusNotFound
	if failure.Code == lease.CodePoolExhausted {
		status = http.StatusInternalServerError
	}
	return httpError{Status: status, Code: failure.Code, Detail: failure.Detail}
}
