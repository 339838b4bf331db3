// Package http provides HTTP server and handler implementations.
//
// This file turns raw request bodies into typed create payloads. Anything
// that is not a usable JSON object is reported as errMalformedRequest.

package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// defaultMaxBodyBytes caps a create body.
const defaultMaxBodyBytes = 1 << 20

var (
	errMalformedRequest = errors.New("malformed request body")
	errBodyTooLarge     = errors.New("request body too large")
)

// createPayload is the decoded POST /expenses body. Amount keeps its JSON
// form (json.Number, string, nil or something invalid) for the money parser.
type createPayload struct {
	Amount      any
	Category    string
	Description string
	Date        string
}

// readBody reads at most limit bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("%w: read body: %v", errMalformedRequest, err)
	}
	return body, nil
}

// decodeCreatePayload accepts exactly one non-empty JSON object whose text
// fields, when present and not null, are strings.
func decodeCreatePayload(body []byte) (createPayload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return createPayload{}, fmt.Errorf("%w: empty body", errMalformedRequest)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return createPayload{}, fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return createPayload{}, fmt.Errorf("%w: trailing data after object", errMalformedRequest)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return createPayload{}, fmt.Errorf("%w: body is not an object", errMalformedRequest)
	}
	if len(obj) == 0 {
		return createPayload{}, fmt.Errorf("%w: empty object", errMalformedRequest)
	}

	p := createPayload{Amount: obj["amount"]}
	fields := []struct {
		name string
		dst  *string
	}{
		{"category", &p.Category},
		{"description", &p.Description},
		{"date", &p.Date},
	}
	for _, f := range fields {
		switch v := obj[f.name].(type) {
		case nil:
		case string:
			*f.dst = v
		default:
			return createPayload{}, fmt.Errorf("%w: %s must be a string", errMalformedRequest, f.name)
		}
	}
	return p, nil
}
