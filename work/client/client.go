package client

import (
	"net/http"
	"time"
)

// HeaderSettingClient wraps http.Client to apply per-request header maps,
// used by the resolver to probe remote sources that demand specific
// User-Agent/Origin/Referer values.
type HeaderSettingClient struct {
	Client *http.Client
}

// NewHeaderSettingClient builds a client tuned for media fetches: no overall
// timeout (streams run indefinitely), header timeout only.
func NewHeaderSettingClient() *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{Client: client}
}

// Do applies headers and executes the request. Header values in headers win
// over the defaults; "Connection" and "Accept" always get sane values.
func (hsc *HeaderSettingClient) Do(req *http.Request, headers map[string]string) (*http.Response, error) {
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "kptv-station/1.0")
	}
	for key, value := range headers {
		if value != "" {
			req.Header.Set(key, value)
		}
	}
	return hsc.Client.Do(req)
}
