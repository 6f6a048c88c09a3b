package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// New builds the client used for NSX Manager API calls. insecureSkipVerify
// comes straight from the nsx_insecure_skip_verify config key; managers
// with self-signed certificates are the only reason to set it.
func New(timeout time.Duration, insecureSkipVerify bool) *http.Client {
	tr := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecureSkipVerify},
		MaxIdleConns:          16,
		MaxConnsPerHost:       8,
		MaxIdleConnsPerHost:   4,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}
