package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-io/hitprof/internal/config"
	"github.com/kestrel-io/hitprof/internal/events"
	"github.com/kestrel-io/hitprof/internal/profiling"
)

// feedBody is the JSON payload POSTed to <uri>/feed.
type feedBody struct {
	TargetStats *profiling.Stats `json:"targetStats,omitempty"`
	Hit         *profiling.Hit   `json:"hit,omitempty"`
	BucketKey   string           `json:"bucketKey,omitempty"`
	Text        string           `json:"text,omitempty"`
	Time        *time.Time       `json:"time,omitempty"`
	SourceKey   string           `json:"sourceKey"`
	Cts         *[2]*int64       `json:"cts,omitempty"`
}

// feedResponse is the body of a 200 OK response carrying a configuration
// delta.
type feedResponse struct {
	Ctimes       config.ChangeTimes             `json:"ctimes"`
	DeltaConfig  map[string]config.DeltaEntry   `json:"deltaConfig,omitempty"`
	CurrentConfig config.ConfigurationRecord    `json:"currentConfig"`
}

// HttpProxy implements profiling.Collector by POSTing every hit or log
// item to an aggregator's /feed endpoint. Flush drains nothing: the
// transport is non-durable and an in-flight request is never awaited on
// shutdown.
type HttpProxy struct {
	mu sync.Mutex

	client    *http.Client
	uri       string
	sourceKey string

	requestTimeout time.Duration
	failureTimeout time.Duration

	enabled int32 // atomic bool
	buckets map[string]bool

	failureCounter int64
	failureTime    time.Time
	inFailure      bool

	bus        *events.Bus
	remoteConf *config.RemoteConfigurator
}

// NewHttpProxy constructs an HttpProxy collector posting to uri.
func NewHttpProxy(uri, sourceKey string, requestTimeout, failureTimeout time.Duration, bus *events.Bus, remoteConf *config.RemoteConfigurator) *HttpProxy {
	p := &HttpProxy{
		client:         &http.Client{Timeout: requestTimeout},
		uri:            uri,
		sourceKey:      sourceKey,
		requestTimeout: requestTimeout,
		failureTimeout: failureTimeout,
		buckets:        make(map[string]bool),
		bus:            bus,
		remoteConf:     remoteConf,
	}
	atomic.StoreInt32(&p.enabled, 1)
	return p
}

func (p *HttpProxy) Enabled() bool { return atomic.LoadInt32(&p.enabled) == 1 }

func (p *HttpProxy) SetEnabled(v bool) {
	if v {
		atomic.StoreInt32(&p.enabled, 1)
	} else {
		atomic.StoreInt32(&p.enabled, 0)
	}
}

// SetURI changes the aggregator base URI used by subsequent sends.
func (p *HttpProxy) SetURI(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uri = uri
}

// SetSourceKey changes the sourceKey stamped on subsequent sends.
func (p *HttpProxy) SetSourceKey(sourceKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceKey = sourceKey
}

// SetRequestTimeout changes the per-request timeout, rebuilding the
// underlying http.Client so it takes effect immediately.
func (p *HttpProxy) SetRequestTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestTimeout = d
	p.client = &http.Client{Timeout: d}
}

// SetFailureTimeout changes the window used to throttle failure events.
func (p *HttpProxy) SetFailureTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureTimeout = d
}

func (p *HttpProxy) BucketEnabled(bucket string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.buckets[bucket]; ok {
		return v
	}
	return true
}

func (p *HttpProxy) SetBucketEnabled(bucket string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets[bucket] = enabled
}

// Feed dispatches the POST on its own goroutine: the caller (Profiler.End)
// must not block on network I/O, which is a suspension point the caller's
// goroutine should never observe.
func (p *HttpProxy) Feed(stats profiling.Stats, hit *profiling.Hit) {
	p.mu.Lock()
	sourceKey := p.sourceKey
	p.mu.Unlock()
	body := feedBody{
		TargetStats: &stats,
		Hit:         hit,
		SourceKey:   sourceKey,
	}
	go p.send(body)
}

func (p *HttpProxy) Log(bucket, text string, at time.Time) {
	p.mu.Lock()
	sourceKey := p.sourceKey
	p.mu.Unlock()
	body := feedBody{
		BucketKey: bucket,
		Text:      text,
		Time:      &at,
		SourceKey: sourceKey,
	}
	go p.send(body)
}

// Flush drains nothing, since the transport is non-durable; with
// stopLogging it turns the proxy's enabled switch off. cb is called once.
func (p *HttpProxy) Flush(stopLogging bool, cb func(error)) {
	if stopLogging {
		p.SetEnabled(false)
	}
	if cb != nil {
		cb(nil)
	}
}

func (p *HttpProxy) send(body feedBody) {
	if p.remoteConf != nil {
		cts := p.remoteConf.ClientCts()
		body.Cts = &cts
	}

	payload, err := json.Marshal(body)
	if err != nil {
		p.onFailure(err)
		return
	}

	p.mu.Lock()
	uri, timeout, client := p.uri, p.requestTimeout, p.client
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri+"/feed", bytes.NewReader(payload))
	if err != nil {
		p.onFailure(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		p.onFailure(err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		p.onSuccess()
	case http.StatusOK:
		var fr feedResponse
		if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
			p.onFailure(err)
			return
		}
		p.onSuccess()
		if p.remoteConf != nil {
			p.remoteConf.ApplyDelta(fr.Ctimes, fr.DeltaConfig, fr.CurrentConfig)
		}
	default:
		p.onFailure(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

func (p *HttpProxy) onFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCounter++
	now := time.Now()
	p.inFailure = true

	if p.failureTime.IsZero() || now.Sub(p.failureTime) >= p.failureTimeout {
		var lostFor time.Duration
		if !p.failureTime.IsZero() {
			lostFor = now.Sub(p.failureTime)
		}
		if p.bus != nil {
			p.bus.Error(events.NetworkTransient,
				fmt.Sprintf("%d feed(s) lost, duration %s", p.failureCounter, lostFor),
				err,
			)
		}
		p.failureTime = now
		p.failureCounter = 0
	}
}

func (p *HttpProxy) onSuccess() {
	p.mu.Lock()
	wasFailing := p.inFailure
	p.inFailure = false
	p.failureCounter = 0
	p.failureTime = time.Time{}
	p.mu.Unlock()

	if wasFailing && p.bus != nil {
		p.bus.Info("resuming normal operation")
	}
}
