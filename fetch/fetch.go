// Package fetch performs the daemon's two outbound HTTP operations: the
// short remote-version text GET and the longer archive download. It is a
// thin adapter over inet.DoHTTP that adds GitHub rate-limit classification.
// ResolvePinned offers a direct A-record query against an optional pinned
// DNS server; FetchVersion and FetchArchive do not use it and resolve host
// names through the system resolver.
package fetch

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/daemonforge/pkgmand/inet"
	"github.com/miekg/dns"
)

// Client wraps the base URL used for every remote-version and archive
// request, and the optional pinned DNS server that ResolvePinned queries.
type Client struct {
	BaseURL   string
	DNSServer string // host:port of the resolver ResolvePinned queries, empty when none is configured
}

// New returns a Client for the given archive base URL.
func New(baseURL, pinnedDNSServer string) *Client {
	return &Client{BaseURL: baseURL, DNSServer: pinnedDNSServer}
}

// FetchVersion retrieves the text at <base>/<user>/<name>/<branch>/version
// with the given timeout. Failure (including a non-2xx response) yields an
// empty string and the error, matching spec's "failure sets it to empty".
func (c *Client) FetchVersion(ctx context.Context, user, name, branch string, timeoutSec int) (string, error) {
	urlTemplate := c.BaseURL + "/%s/%s/%s/version"
	resp, err := inet.DoHTTP(ctx, inet.HTTPRequest{TimeoutSec: timeoutSec, MaxBytes: 256}, urlTemplate, user, name, branch)
	if err != nil {
		return "", err
	}
	if err := resp.Non2xxToError(); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp.Body)), nil
}

// FetchArchive downloads <base>/<user>/<name>/archive/<branch>.tar.gz with
// the given timeout and returns the raw archive bytes.
func (c *Client) FetchArchive(ctx context.Context, user, name, branch string, timeoutSec int) ([]byte, error) {
	urlTemplate := c.BaseURL + "/%s/%s/archive/%s.tar.gz"
	resp, err := inet.DoHTTP(ctx, inet.HTTPRequest{TimeoutSec: timeoutSec, MaxBytes: 256 * 1024 * 1024}, urlTemplate, user, name, branch)
	if err != nil {
		return nil, err
	}
	if err := resp.Non2xxToError(); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RateLimited classifies err as a GitHub API rate-limit response, used by
// the version refresher to back off further than an ordinary transient
// failure.
func RateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "HTTP 403") || strings.Contains(msg, "rate limit")
}

// ResolvePinned queries c.DNSServer directly for host's A record, bypassing
// the system resolver. It is used on an embedded appliance where
// /etc/resolv.conf may be unreliable or absent during early boot.
func (c *Client) ResolvePinned(ctx context.Context, host string) (net.IP, error) {
	if c.DNSServer == "" {
		return nil, fmt.Errorf("fetch: no pinned DNS server configured")
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	dnsClient := new(dns.Client)
	dnsClient.Timeout = 5 * time.Second
	resp, _, err := dnsClient.ExchangeContext(ctx, msg, c.DNSServer)
	if err != nil {
		return nil, err
	}
	for _, ans := range resp.Answer {
		if aRecord, ok := ans.(*dns.A); ok {
			return aRecord.A, nil
		}
	}
	return nil, fmt.Errorf("fetch: no A record found for %q via %s", host, c.DNSServer)
}
