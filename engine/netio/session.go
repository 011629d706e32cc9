package netio

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/corpix/uarand"

	"gameserver/engine/checker"
)

const maxRedirects = 10

// Session is an HTTP client with a cookie jar, a random user agent and a
// request log that goes into the unit's diagnostic output only.
type Session struct {
	ctx       context.Context
	client    *http.Client
	transport *http.Transport
	UserAgent string
	// Silent suppresses the request log, e.g. for requests carrying secrets.
	Silent bool
}

// Response is an http.Response with the body already read.
type Response struct {
	*http.Response
	Data []byte
}

func (r *Response) Text() string { return string(r.Data) }

func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return checker.WrapMumble(err, "invalid json from "+r.Request.URL.Path)
	}
	return nil
}

// NewSession builds a session whose connections are released when ctx ends.
func NewSession(ctx context.Context) *Session {
	jar, _ := cookiejar.New(nil)
	tr := &http.Transport{
		DialContext:       DialContextFunc(ctx),
		DisableKeepAlives: false,
		MaxIdleConns:      4,
		IdleConnTimeout:   Timeout(ctx),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}
	return &Session{
		ctx:       ctx,
		transport: tr,
		UserAgent: uarand.GetRandom(),
		client: &http.Client{
			Transport: tr,
			Jar:       jar,
			Timeout:   Timeout(ctx),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Close drops idle connections. Open ones are closed with the session context anyway.
func (s *Session) Close() {
	s.transport.CloseIdleConnections()
}

func (s *Session) Jar() http.CookieJar { return s.client.Jar }

func (s *Session) Get(rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

func (s *Session) PostForm(rawURL string, data url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.Do(req)
}

func (s *Session) PostJSON(rawURL string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.Do(req)
}

// Do sends req and reads the whole body. Transport failures come back as
// OFFLINE or MUMBLE.
func (s *Session) Do(req *http.Request) (*Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	log := checker.Logger(s.ctx)
	if !s.Silent {
		log.Info(fmt.Sprintf("> %s %s", req.Method, req.URL))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if outcome, detail := checker.Classify(err); outcome == checker.OutcomeOffline {
			if detail == "timeout" {
				return nil, checker.WrapOffline(err, "timeout")
			}
			return nil, checker.WrapOffline(err, "request to "+req.URL.Path+" failed")
		}
		return nil, checker.WrapMumble(err, "invalid http response from "+req.URL.Path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecv+1))
	if err != nil {
		return nil, offline(err, "reading response from "+req.URL.Path+" failed")
	}
	if len(data) > maxRecv {
		return nil, checker.Mumble("response too large")
	}
	if !s.Silent {
		log.Info(fmt.Sprintf("< [%d] %d bytes", resp.StatusCode, len(data)))
	}
	return &Response{Response: resp, Data: data}, nil
}

// AssertResponse requires status 200 and, when contentType is set, a matching
// media type. Parameters such as charset only count when contentType has them.
func AssertResponse(resp *Response, contentType string) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.StatusCode != http.StatusOK {
		text := resp.Text()
		if len(text) > 512 {
			text = text[:512]
		}
		return checker.Mumblef("invalid status code %d (text: %q)", resp.StatusCode, text)
	}
	if contentType == "" {
		return nil
	}
	got := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, ";") {
		return checker.AssertEquals(strings.ToLower(contentType), strings.ToLower(got))
	}
	media, _, err := mime.ParseMediaType(got)
	if err != nil {
		return checker.Mumblef("invalid content type %q", got)
	}
	return checker.AssertEquals(strings.ToLower(contentType), media)
}
