package request

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/tonkeeper/ssestream/internal/models"
)

const (
	EventStreamMediaType = "text/event-stream"
	JSONMediaType        = "application/json; charset=utf-8"
)

// jsonAPI matches sonic.ConfigStd except that HTML characters are written
// as is.
var jsonAPI = sonic.Config{
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
}.Froze()

var (
	ErrMissingURL = errors.New("request: url is required")
	ErrInvalidURL = errors.New("request: invalid url")
)

// Params are the caller-facing options a Descriptor is assembled from.
type Params struct {
	BaseURL         string
	URL             string
	Data            interface{}
	Headers         map[string]string
	Method          string
	WithCredentials bool
	Debug           bool
	Listen          []string
}

// Descriptor is the immutable configuration of one streaming request.
type Descriptor struct {
	url             string
	method          string
	header          http.Header
	body            []byte
	hasBody         bool
	withCredentials bool
	debug           bool
	listen          []string
}

// Build assembles a Descriptor. Errors are construction errors and are
// reported before anything is sent.
func Build(p Params) (Descriptor, error) {
	if p.URL == "" {
		return Descriptor{}, ErrMissingURL
	}
	target, err := JoinURL(p.BaseURL, p.URL)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if _, err := url.Parse(target); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	header := make(http.Header, len(p.Headers)+2)
	for k, v := range p.Headers {
		header.Set(k, v)
	}

	d := Descriptor{
		url:             target,
		header:          header,
		withCredentials: p.WithCredentials,
		debug:           p.Debug,
		listen:          NormalizeListen(p.Listen),
	}

	switch data := p.Data.(type) {
	case nil:
	case string:
		if data != "" {
			d.body, d.hasBody = []byte(data), true
		}
	case []byte:
		if len(data) > 0 {
			d.body, d.hasBody = append([]byte(nil), data...), true
		}
	default:
		body, err := jsonAPI.Marshal(data)
		if err != nil {
			return Descriptor{}, fmt.Errorf("request: failed to marshal body: %w", err)
		}
		d.body, d.hasBody = body, true
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", JSONMediaType)
		}
	}
	header.Set("Accept", EventStreamMediaType)

	switch {
	case p.Method != "":
		d.method = strings.ToUpper(p.Method)
	case d.hasBody:
		d.method = http.MethodPost
	default:
		d.method = http.MethodGet
	}
	return d, nil
}

// JoinURL strips trailing slashes from base and makes sure path starts with
// exactly one separator. An absolute path is returned as is when base is
// empty, and fails if it does not parse.
func JoinURL(base, path string) (string, error) {
	if base == "" && strings.Contains(path, "://") {
		u, err := url.Parse(path)
		if err != nil {
			return "", err
		}
		if u.Scheme != "" && u.Host != "" {
			return path, nil
		}
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}

// IsAbsolute reports whether rawURL has both a scheme and a host.
func IsAbsolute(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// NormalizeListen returns the effective listen-set: blanks become the
// default type, duplicates are dropped and order is kept.
func NormalizeListen(eventTypes []string) []string {
	if len(eventTypes) == 0 {
		return []string{models.DefaultEventType}
	}
	seen := make(map[string]struct{}, len(eventTypes))
	result := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		t = strings.TrimSpace(t)
		if t == "" {
			t = models.DefaultEventType
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		result = append(result, t)
	}
	return result
}

func (d Descriptor) URL() string           { return d.url }
func (d Descriptor) Method() string        { return d.method }
func (d Descriptor) HasBody() bool         { return d.hasBody }
func (d Descriptor) WithCredentials() bool { return d.withCredentials }
func (d Descriptor) Debug() bool           { return d.debug }

// Header returns a copy of the request headers.
func (d Descriptor) Header() http.Header {
	return d.header.Clone()
}

// Body returns a copy of the serialized body, nil when there is none.
func (d Descriptor) Body() []byte {
	if !d.hasBody {
		return nil
	}
	return append([]byte(nil), d.body...)
}

// Listen returns a copy of the event types to subscribe to.
func (d Descriptor) Listen() []string {
	return append([]string(nil), d.listen...)
}
