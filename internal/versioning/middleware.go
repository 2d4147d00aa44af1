package versioning

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

type contextKey string

const versionContextKey contextKey = "api_version"

const (
	AcceptVersionHeader     = "Accept-Version"
	APIVersionHeader        = "X-API-Version"
	CurrentVersionHeader    = "X-Current-Version"
	SupportedVersionsHeader = "X-Supported-Versions"
	MonitorVersionHeader    = "X-Monitor-Version"
)

// VersionMiddleware negotiates the status API version. Requests without a
// version header get CurrentVersion.
type VersionMiddleware struct {
	logger *logrus.Logger
}

func NewVersionMiddleware(logger *logrus.Logger) *VersionMiddleware {
	return &VersionMiddleware{logger: logger}
}

func (vm *VersionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(CurrentVersionHeader, CurrentVersion.String())
		w.Header().Set(SupportedVersionsHeader, SupportedRange())
		w.Header().Set(MonitorVersionHeader, Version)

		requested, raw, err := requestedVersion(r)
		if err != nil {
			vm.logger.WithField("version_string", raw).Debug("Invalid API version header")
			vm.reject(w, http.StatusBadRequest, "INVALID_VERSION", err.Error())
			return
		}

		compat := CheckCompatibility(requested)
		if !compat.Compatible {
			status := http.StatusNotImplemented
			if compat.tooOld {
				status = http.StatusUpgradeRequired
			}
			vm.logger.WithFields(logrus.Fields{
				"requested_version": requested.String(),
				"current_version":   CurrentVersion.String(),
				"path":              r.URL.Path,
			}).Warn("Incompatible API version requested")
			vm.reject(w, status, "VERSION_INCOMPATIBLE", compat.Reason)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), versionContextKey, requested)))
	})
}

// FromContext returns the negotiated version, or CurrentVersion when the
// request did not pass through the middleware.
func FromContext(ctx context.Context) APIVersion {
	if v, ok := ctx.Value(versionContextKey).(APIVersion); ok {
		return v
	}
	return CurrentVersion
}

func requestedVersion(r *http.Request) (APIVersion, string, error) {
	raw := r.Header.Get(AcceptVersionHeader)
	if raw == "" {
		raw = r.Header.Get(APIVersionHeader)
	}
	if raw == "" {
		return CurrentVersion, "", nil
	}
	v, err := ParseVersion(raw)
	return v, raw, err
}

func (vm *VersionMiddleware) reject(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"error":        map[string]string{"code": code, "message": message},
		"version_info": Info(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		vm.logger.WithError(err).Error("Failed to encode version error response")
	}
}
