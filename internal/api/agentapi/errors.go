package agentapi

import (
	"encoding/json"
	"net/http"

	domainerrors "github.com/tjfontaine/interview-gateway/internal/domain"
	"github.com/tjfontaine/interview-gateway/internal/server"
)

// ErrorBody is the JSON shape every failed request is answered with.
type ErrorBody struct {
	Message        string                 `json:"message"`
	Detail         string                 `json:"detail"`
	Type           domainerrors.ErrorType `json:"type"`
	Code           domainerrors.ErrorCode `json:"code,omitempty"`
	UpstreamStatus int                    `json:"upstream_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err with the status implied by its kind. Errors that are
// not API errors are reported as internal without leaking their text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	apiErr := domainerrors.AsAPIError(err)
	body := ErrorBody{
		Message:        apiErr.Message,
		Detail:         apiErr.Detail,
		Type:           apiErr.Type,
		Code:           apiErr.Code,
		UpstreamStatus: apiErr.UpstreamStatus,
	}
	if apiErr.Type == domainerrors.ErrorTypeInternal {
		body.Detail = ""
	}
	writeJSON(w, apiErr.HTTPStatusCode(), body)
}
