package cfddns

import (
	"context"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const cachedObservationKey = "observation"

// CachedResolver memoizes successful answers of r for ttl.
// Several targets ticking close together then share one provider lookup.
// Failures are never cached.
// A ttl <= 0 returns r unchanged.
func CachedResolver(r Resolver, ttl time.Duration) Resolver {
	if ttl <= 0 {
		return r
	}
	return &cachedResolver{
		next:  r,
		cache: gocache.New(ttl, 2*ttl),
	}
}

type cachedResolver struct {
	next  Resolver
	cache *gocache.Cache
}

func (c *cachedResolver) Resolve(ctx context.Context) (Observation, error) {
	if v, found := c.cache.Get(cachedObservationKey); found {
		return v.(Observation), nil
	}
	obs, err := c.next.Resolve(ctx)
	if err != nil {
		return Observation{}, err
	}
	c.cache.SetDefault(cachedObservationKey, obs)
	return obs, nil
}

// SetHTTPClient passes c to the wrapped resolver when it makes HTTP requests.
func (c *cachedResolver) SetHTTPClient(hc *http.Client) {
	if r, ok := c.next.(interface{ SetHTTPClient(*http.Client) }); ok {
		r.SetHTTPClient(hc)
	}
}

func (c *cachedResolver) SetLogger(l logrus.FieldLogger) {
	if r, ok := c.next.(interface{ SetLogger(logrus.FieldLogger) }); ok {
		r.SetLogger(l)
	}
}
