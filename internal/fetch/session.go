package fetch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// ErrBodyTooLarge means a response exceeded the body limit. It is not retried.
var ErrBodyTooLarge = errors.New("response body too large")

const (
	defaultMaxRedirects = 10
	defaultMaxBody      = 32 << 20
	loginPath           = "/accounts/login"
)

// session is the http.Client shared by every request of a Fetcher, plus the
// limit applied when draining bodies.
type session struct {
	client  *http.Client
	maxBody int64
}

// newSession builds the client. maxRedirects of zero means
// defaultMaxRedirects and a negative value disables following. A redirect
// to the login page is never followed so the 3xx reaches the classifier.
func newSession(transport http.RoundTripper, timeout time.Duration, maxRedirects int, cookies bool, maxBody int64) (*session, error) {
	if maxRedirects == 0 {
		maxRedirects = defaultMaxRedirects
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	c := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if maxRedirects < 0 || strings.HasPrefix(req.URL.Path, loginPath) {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	if cookies {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.Jar = jar
	}
	return &session{client: c, maxBody: maxBody}, nil
}

// roundTrip sends req and drains the body.
func (s *session) roundTrip(req *http.Request) (*http.Response, []byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > s.maxBody {
		return nil, nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, s.maxBody)
	}
	return resp, body, nil
}

func (s *session) close() {
	s.client.CloseIdleConnections()
}
