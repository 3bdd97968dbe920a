package types

import (
	"net/http"
	"net/url"
	"strings"
)

type RequestMode string

const (
	ModeDefault  RequestMode = ""
	ModeNavigate RequestMode = "navigate"
)

type ResponseSource string

const (
	SourceNetwork     ResponseSource = "network"
	SourceCache       ResponseSource = "cache"
	SourceFallback    ResponseSource = "fallback"
	SourcePassthrough ResponseSource = "passthrough"
	SourceQueued      ResponseSource = "queued"
	SourceEngine      ResponseSource = "engine"
)

// Request is the transport independent view of an intercepted request.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte
	Mode    RequestMode
}

// NewRequest builds a Request from an absolute or relative URL.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, Errorf(ErrInvalidParameter, "url %q: %v", rawURL, err)
	}

	if method == "" {
		method = http.MethodGet
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return &Request{
		Method:  strings.ToUpper(method),
		Path:    path,
		Query:   u.RawQuery,
		Headers: make(map[string]string),
	}, nil
}

// Clone deep copies the request so it can outlive the transport buffers.
func (r *Request) Clone() *Request {
	out := *r
	out.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out.Headers[k] = v
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

func (r *Request) URI() string {
	if r.Query == "" {
		return r.Path
	}
	return r.Path + "?" + r.Query
}

func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	if v, ok := r.Headers[name]; ok {
		return v
	}
	return r.Headers[http.CanonicalHeaderKey(name)]
}

func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[http.CanonicalHeaderKey(name)] = value
}

// CacheKey is the normalized request identity: the path plus the query with
// parameters sorted by name. Method is not part of the key because only safe
// methods reach the store.
func (r *Request) CacheKey() string {
	path := r.Path
	if path == "" {
		path = "/"
	}

	if r.Query == "" {
		return path
	}

	values, err := url.ParseQuery(r.Query)
	if err != nil {
		return path + "?" + r.Query
	}

	encoded := values.Encode()
	if encoded == "" {
		return path
	}
	return path + "?" + encoded
}

func (r *Request) IsSafe() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

type Response struct {
	Status      int
	Body        []byte
	ContentType string
	Headers     map[string]string
	Source      ResponseSource
	Degraded    bool
	StoredAtMs  int64
}

// Cacheable reports whether a network response may be written to a bucket.
func (r *Response) Cacheable() bool {
	if r == nil || r.Status < 200 || r.Status >= 300 {
		return false
	}

	if len(r.Body) == 0 {
		return false
	}

	cacheControl := strings.ToLower(r.Headers["Cache-Control"])
	for _, directive := range []string{"no-store", "no-cache", "private"} {
		if strings.Contains(cacheControl, directive) {
			return false
		}
	}
	return true
}

// ResponseFromEntry rebuilds a response from a stored entry.
func ResponseFromEntry(entry *CacheEntry, source ResponseSource) *Response {
	headers := make(map[string]string, len(entry.Headers))
	for k, v := range entry.Headers {
		headers[k] = v
	}

	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}

	return &Response{
		Status:      status,
		Body:        entry.Payload,
		ContentType: entry.ContentType,
		Headers:     headers,
		Source:      source,
		StoredAtMs:  entry.StoredAtMs,
	}
}
