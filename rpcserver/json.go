package rpcserver

import (
	"encoding/json"
	"net/http"
)

// decodeJSON reads and decodes r's body into v, rejecting unknown fields
// so a caller's typo in a field name fails loudly instead of silently
// being ignored.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err and writes it as a JSON error response.
// fallback is used when err doesn't match any of classify's named
// sentinels — each call site names the kind spec.md §7 documents as that
// operation's own typical failure mode (e.g. registerKey's unclassified
// errors are malformed-pubkey UserInput failures).
func writeError(w http.ResponseWriter, err error, fallback kind) {
	k := classify(err)
	if k == kindInternal && fallback != kindInternal {
		k = fallback
	}
	writeJSON(w, k.httpStatus(), errorResponse{Kind: k.String(), Message: err.Error()})
}

// writeBadRequest reports a request that failed to even decode or parse,
// always a UserInput failure regardless of endpoint.
func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Kind: kindUserInput.String(), Message: err.Error()})
}
