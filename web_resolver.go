package cfddns

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// I'm not vouching for these services, but they do return the IP of the client connection.
// If possible, run your own and configure it instead.
var (
	DefaultIPv4Services = []string{
		"https://api.ipify.org",
		"https://checkip.amazonaws.com/",
		"https://ipv4.icanhazip.com/",
	}
	DefaultIPv6Services = []string{
		"https://api6.ipify.org",
		"https://ipv6.icanhazip.com/",
	}
)

const defaultLookupTimeout = 15 * time.Second

// maxBodySize bounds how much of a provider response is read.
const maxBodySize = 4 << 10

// WebResolver uses external web services to look up the public IP address.
//
// Each service must speak http and return status "200 OK",
// with either a valid IP address as the first line of the response body
// or a small JSON object holding the address in an "ip", "address" or "query" field.
// All other responses are considered an error.
//
// Services are tried in order and the first valid address of the wanted Family wins.
// Resolve does not retry; a failed pass is retried on the next tick.
type WebResolver struct {
	Family     Family
	URLs       []*url.URL
	Timeout    time.Duration // per request; defaults to 15 seconds
	HTTPClient *http.Client
}

// NewWebResolver parses serviceURL and constructs a WebResolver for family.
func NewWebResolver(family Family, serviceURL ...string) (*WebResolver, error) {
	var URLs []*url.URL
	for _, u := range serviceURL {
		pu, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("error parsing URL: %w", err)
		}
		if pu.Scheme != "http" && pu.Scheme != "https" {
			return nil, fmt.Errorf("unsupported scheme in %q", u)
		}
		URLs = append(URLs, pu)
	}
	return &WebResolver{Family: family, URLs: URLs}, nil
}

func (wr *WebResolver) SetHTTPClient(c *http.Client) { wr.HTTPClient = c }

// Resolve implements cfddns.Resolver.
func (wr *WebResolver) Resolve(ctx context.Context) (Observation, error) {
	if len(wr.URLs) == 0 {
		return Observation{}, &ResolutionError{Err: errors.New("no external IP lookup services were provided")}
	}

	var errs *multierror.Error
	for _, u := range wr.URLs {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		addr, err := wr.lookup(ctx, u)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", u.Host, err))
			continue
		}
		return Observation{Addr: addr, ObservedAt: time.Now()}, nil
	}
	return Observation{}, &ResolutionError{Err: errs.ErrorOrNil()}
}

func (wr *WebResolver) lookup(ctx context.Context, url *url.URL) (netip.Addr, error) {
	timeout := wr.Timeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	httpclient := wr.HTTPClient
	if httpclient == nil {
		httpclient = http.DefaultClient
	}

	resp, err := httpclient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("http request returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error reading response body: %w", err)
	}
	ip, err := parseAddrBody(body)
	if err != nil {
		return netip.Addr{}, err
	}
	if !wr.Family.matches(ip) {
		return netip.Addr{}, fmt.Errorf("service returned %s which is not an %s address", ip, wr.Family)
	}
	return ip, nil
}

func parseAddrBody(body []byte) (netip.Addr, error) {
	body = bytes.TrimSpace(body)
	if bytes.HasPrefix(body, []byte("{")) {
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return netip.Addr{}, fmt.Errorf("error decoding JSON response: %w", err)
		}
		for _, k := range []string{"ip", "address", "query"} {
			if s, ok := fields[k].(string); ok {
				return parseAddr(s)
			}
		}
		return netip.Addr{}, errors.New("JSON response has no address field")
	}

	line, _ := bufio.NewReader(bytes.NewReader(body)).ReadString('\n')
	return parseAddr(line)
}

func parseAddr(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error parsing IP address from response body: %w", err)
	}
	return ip.Unmap(), nil
}
