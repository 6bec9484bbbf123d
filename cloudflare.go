package cfddns

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/cloudflare/cloudflare-go"
	"github.com/sirupsen/logrus"
)

func newCloudflareZone(token string, opts ...cloudflare.Option) (cf *cloudflareZone, err error) {
	cf = new(cloudflareZone)
	// One request per call: retries belong to the next tick, not to the client.
	defaults := []cloudflare.Option{
		cloudflare.UsingRetryPolicy(0, 0, 0),
		cloudflare.HTTPClient(withStatusRecording(http.DefaultClient)),
	}
	cf.api, err = cloudflare.NewWithAPIToken(token, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("error creating cloudflare api client: %w", err)
	}
	cf.logger = discard
	cf.comment = "managed by cfddns"
	return cf, nil
}

// cloudflareZone implements cfddns.ZoneAPI.
//
// It should be constructed using newCloudflareZone.
type cloudflareZone struct {
	api     *cloudflare.API
	logger  logrus.FieldLogger
	comment string // attached to every record we update
}

func (cf *cloudflareZone) SetLogger(l logrus.FieldLogger) { cf.logger = l }

func (cf *cloudflareZone) SetHTTPClient(c *http.Client) {
	_ = cloudflare.HTTPClient(withStatusRecording(c))(cf.api)
}

func (cf *cloudflareZone) GetRecord(ctx context.Context, zoneID, recordID string) (Record, error) {
	if cf.api == nil {
		return Record{}, errors.New("cfddns: cloudflare zone API used without constructor")
	}
	ctx, status := recordStatus(ctx)
	r, err := cf.api.GetDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), recordID)
	if err != nil {
		return Record{}, classify("get record "+recordID, status.get(), err)
	}
	cf.logger.Debugf("got record %s: %s %s -> %s", r.ID, r.Type, r.Name, r.Content)
	rec := Record{
		ID:      r.ID,
		ZoneID:  zoneID,
		Name:    r.Name,
		Type:    r.Type,
		Content: r.Content,
		TTL:     r.TTL,
	}
	if r.Proxied != nil {
		rec.Proxied = *r.Proxied
	}
	return rec, nil
}

func (cf *cloudflareZone) UpdateRecord(ctx context.Context, zoneID, recordID string, u RecordUpdate) error {
	if cf.api == nil {
		return errors.New("cfddns: cloudflare zone API used without constructor")
	}
	ctx, status := recordStatus(ctx)
	cf.logger.Debugf("updating record %s (%s %s) to %s...", recordID, u.Type, u.Name, u.Content)
	// Name and Type are always sent so that the client does not issue an extra read first.
	_, err := cf.api.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.UpdateDNSRecordParams{
		ID:      recordID,
		Type:    u.Type,
		Name:    u.Name,
		Content: u.Content,
		TTL:     u.TTL,
		Proxied: u.Proxied,
		Comment: cf.comment,
	})
	if err != nil {
		return classify("update record "+recordID, status.get(), err)
	}
	cf.logger.Debugf("successfully updated record %s", recordID)
	return nil
}

// classify maps the HTTP status of the failed call to an APIError kind.
// A zero status means no response was received.
func classify(op string, status int, err error) *APIError {
	kind := KindNetwork
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = KindUnauthorized
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 400 && status < 500:
		kind = KindRejected
	}
	return &APIError{Kind: kind, Op: op, Err: err}
}

type statusKey struct{}

type statusRecorder struct{ code atomic.Int32 }

func (s *statusRecorder) get() int { return int(s.code.Load()) }

func recordStatus(ctx context.Context) (context.Context, *statusRecorder) {
	rec := new(statusRecorder)
	return context.WithValue(ctx, statusKey{}, rec), rec
}

// statusTransport stores the status of the last response in the recorder carried by the request context.
type statusTransport struct {
	base http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if rec, ok := req.Context().Value(statusKey{}).(*statusRecorder); ok && resp != nil {
		rec.code.Store(int32(resp.StatusCode))
	}
	return resp, err
}

func withStatusRecording(c *http.Client) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	wrapped := *c
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped.Transport = statusTransport{base: base}
	return &wrapped
}
