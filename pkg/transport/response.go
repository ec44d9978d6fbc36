package transport

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/fabprov/pkg/engine"
)

// Class is the classification of a response.
type Class string

const (
	ClassSuccess     Class = "success"
	ClassAccepted    Class = "accepted"
	ClassConflict    Class = "conflict"
	ClassNotFound    Class = "not_found"
	ClassClientError Class = "client_error"
	ClassServerError Class = "server_error"
	ClassAuthExpired Class = "auth_expired"
)

// Classify maps an HTTP status code to a response class. 401 is reported as
// auth_expired; the client only does so after a refresh has been tried.
func Classify(status int) Class {
	switch {
	case status == http.StatusAccepted:
		return ClassAccepted
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusUnauthorized:
		return ClassAuthExpired
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusConflict:
		return ClassConflict
	case status >= 400 && status < 500:
		return ClassClientError
	default:
		return ClassServerError
	}
}

// Response is a classified and normalized control plane response.
type Response struct {
	Class      Class
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is the number of HTTP exchanges made for the request.
	Attempts int

	// ResourceID is the identifier found in the body, if any.
	ResourceID string

	// OperationStatus is the lower-cased "status" field of the body.
	OperationStatus string

	// FailureReason is the most specific error message in the body.
	FailureReason string

	// ErrorCode is the service error code, e.g. "ItemDisplayNameAlreadyInUse".
	ErrorCode string

	// ContinuationURI links to the next page of a listing.
	ContinuationURI string

	// Items holds the entries of a "value" listing.
	Items []engine.ListedItem

	// OperationURL is the status link of an accepted response.
	OperationURL string

	bodyLink string
}

// IsDuplicate reports whether the service rejected the request because the
// resource already exists, either with 409 or with a 4xx duplicate code.
func (r *Response) IsDuplicate() bool {
	if r.Class == ClassConflict {
		return true
	}
	if r.Class != ClassClientError {
		return false
	}
	code := strings.ToLower(r.ErrorCode)
	return strings.Contains(code, "alreadyexists") || strings.Contains(code, "alreadyinuse")
}

// Err converts a non-success response into a classified engine error.
func (r *Response) Err(operation string) error {
	msg := r.FailureReason
	if msg == "" {
		msg = http.StatusText(r.StatusCode)
	}
	if msg == "" {
		msg = string(r.Class)
	}

	var err *engine.EngineError
	switch r.Class {
	case ClassSuccess, ClassAccepted:
		return nil
	case ClassConflict:
		err = engine.NewConflictError(msg, nil)
	case ClassNotFound:
		err = engine.NewClientError(msg, nil).WithCode(engine.ErrCodeNotFound)
	case ClassAuthExpired:
		err = engine.NewAuthError(msg, nil).WithCode(engine.ErrCodeTokenExpired)
	case ClassServerError:
		err = engine.NewServerError(msg, nil)
	default:
		err = engine.NewClientError(msg, nil)
		switch r.StatusCode {
		case http.StatusTooManyRequests:
			err = err.WithCode(engine.ErrCodeRateLimited)
		case http.StatusForbidden:
			err = err.WithCode(engine.ErrCodePermissionDenied)
		}
	}
	if r.ErrorCode != "" {
		err = err.WithDetail("service_code", r.ErrorCode)
	}
	return err.WithOperation(operation).WithStatus(r.StatusCode)
}

func newResponse(status int, header http.Header, body []byte) *Response {
	resp := &Response{
		Class:      Classify(status),
		StatusCode: status,
		Header:     header,
		Body:       body,
	}
	resp.normalize()
	return resp
}

// idKeys are tried in order when looking for a resource identifier.
var idKeys = []string{"id", "workspaceId", "workspace_id", "idValue"}

// normalize decodes the body once and lifts the well-known fields.
func (r *Response) normalize() {
	if len(r.Body) == 0 {
		return
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(r.Body, &doc); err != nil {
		if r.Class != ClassSuccess && r.Class != ClassAccepted {
			r.FailureReason = truncate(strings.TrimSpace(string(r.Body)), 512)
		}
		return
	}

	r.ResourceID = ExtractID(doc)
	if status, ok := doc["status"].(string); ok {
		r.OperationStatus = strings.ToLower(status)
	}
	r.FailureReason = failureReason(doc)
	r.ErrorCode = errorCode(doc)
	r.ContinuationURI = stringField(doc, "continuationUri")
	r.bodyLink = firstString(doc, "operationUrl", "location")

	if values, ok := doc["value"].([]interface{}); ok {
		r.Items = make([]engine.ListedItem, 0, len(values))
		for _, v := range values {
			item, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			r.Items = append(r.Items, listedItem(item))
		}
	}
}

// ExtractID returns the first identifier found under the known id keys,
// looking one level into nested objects when the top level has none.
func ExtractID(doc map[string]interface{}) string {
	if id := directID(doc); id != "" {
		return id
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if nested, ok := doc[k].(map[string]interface{}); ok {
			if id := directID(nested); id != "" {
				return id
			}
		}
	}
	return ""
}

func directID(doc map[string]interface{}) string {
	for _, key := range idKeys {
		switch v := doc[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func listedItem(doc map[string]interface{}) engine.ListedItem {
	item := engine.ListedItem{
		ID:          ExtractID(doc),
		DisplayName: stringField(doc, "displayName"),
		Type:        stringField(doc, "type"),
	}
	if principal, ok := doc["principal"].(map[string]interface{}); ok {
		item.PrincipalID = stringField(principal, "id")
	}
	return item
}

func failureReason(doc map[string]interface{}) string {
	switch e := doc["error"].(type) {
	case map[string]interface{}:
		if msg := stringField(e, "message"); msg != "" {
			return msg
		}
	case string:
		if e != "" {
			return e
		}
	}
	switch fr := doc["failureReason"].(type) {
	case map[string]interface{}:
		if msg := stringField(fr, "message"); msg != "" {
			return msg
		}
	case string:
		if fr != "" {
			return fr
		}
	}
	return stringField(doc, "message")
}

func errorCode(doc map[string]interface{}) string {
	if code := stringField(doc, "errorCode"); code != "" {
		return code
	}
	if e, ok := doc["error"].(map[string]interface{}); ok {
		return stringField(e, "code")
	}
	if fr, ok := doc["failureReason"].(map[string]interface{}); ok {
		return stringField(fr, "errorCode")
	}
	return ""
}

func stringField(doc map[string]interface{}, key string) string {
	s, _ := doc[key].(string)
	return s
}

func firstString(doc map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := stringField(doc, k); s != "" {
			return s
		}
	}
	return ""
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d >= time.Second {
			return d.Truncate(time.Second)
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
