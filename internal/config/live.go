package config

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Section names a hot-reloadable config document. Writers update the
// cfg:<section> key and then publish the section name on ReloadChannel.
type Section string

const (
	SectionThresholds   Section = "thresholds"
	SectionAlerts       Section = "alerts"
	SectionBackpressure Section = "backpressure"
	SectionDetection    Section = "detection"

	// SectionShadow carries a candidate rule document evaluated beside
	// the live rules without alerting.
	SectionShadow Section = "shadow"

	ReloadChannel = "cfg:reload"
)

// SectionKey is the store key holding a section's document.
func SectionKey(s Section) string { return "cfg:" + string(s) }

// ThresholdOverrides is the cfg:thresholds document. Nil fields leave
// the running value unchanged.
type ThresholdOverrides struct {
	HotTTLSeconds        *int     `yaml:"hot_ttl_seconds"`
	WarmTTLSeconds       *int     `yaml:"warm_ttl_seconds"`
	AlertCooldownSeconds *int     `yaml:"alert_cooldown_seconds"`
	MinSwapConfidence    *float64 `yaml:"min_swap_confidence"`
	MinMcapSol           *float64 `yaml:"min_mcap_sol"`
}

// BackpressureOverrides is the cfg:backpressure document.
type BackpressureOverrides struct {
	LagWarnSeconds *int   `yaml:"lag_warn_s"`
	LagCritSeconds *int   `yaml:"lag_crit_s"`
	BufWarn        *int64 `yaml:"buf_warn"`
	BufCrit        *int64 `yaml:"buf_crit"`
}

// AlertOverrides is the cfg:alerts document.
type AlertOverrides struct {
	RatePerMinute  *int `yaml:"rate_per_minute"`
	Burst          *int `yaml:"burst"`
	MaxWaitSeconds *int `yaml:"max_wait_s"`
}

func ParseThresholds(data []byte) (*ThresholdOverrides, error) {
	var o ThresholdOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func ParseBackpressure(data []byte) (*BackpressureOverrides, error) {
	var o BackpressureOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func ParseAlertOverrides(data []byte) (*AlertOverrides, error) {
	var o AlertOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Live subscribes to the reload channel and hands section documents to
// registered handlers. A handler that rejects a document keeps whatever
// it was running with; Live only reports the failure.
type Live struct {
	rdb *redis.Client
	log *logrus.Logger

	mu       sync.Mutex
	handlers map[Section][]func([]byte) error
}

func NewLive(rdb *redis.Client, log *logrus.Logger) *Live {
	return &Live{
		rdb:      rdb,
		log:      log,
		handlers: make(map[Section][]func([]byte) error),
	}
}

// OnReload registers a handler for a section. Registration happens
// during wiring, before Run.
func (l *Live) OnReload(s Section, fn func(payload []byte) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[s] = append(l.handlers[s], fn)
}

// Run listens for reload notifications until ctx is cancelled. The
// subscription survives connection drops; missed notifications are
// re-applied on the next publish.
func (l *Live) Run(ctx context.Context) {
	pubsub := l.rdb.Subscribe(ctx, ReloadChannel)
	defer pubsub.Close()

	l.log.WithField("component", "config").Info("Config reload subscriber started")
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.Dispatch(ctx, Section(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch re-reads a section document and applies it to its handlers.
func (l *Live) Dispatch(ctx context.Context, s Section) {
	l.mu.Lock()
	fns := l.handlers[s]
	l.mu.Unlock()
	if len(fns) == 0 {
		l.log.WithField("component", "config").Debugf("Reload for unhandled section %q ignored", s)
		return
	}

	data, err := l.rdb.Get(ctx, SectionKey(s)).Bytes()
	if err == redis.Nil {
		l.log.WithField("component", "config").Warnf("Reload for %q: no %s document", s, SectionKey(s))
		return
	}
	if err != nil {
		l.log.WithField("component", "config").Errorf("Reload for %q: reading %s: %v", s, SectionKey(s), err)
		return
	}

	applied := 0
	for _, fn := range fns {
		if err := fn(data); err != nil {
			l.log.WithField("component", "config").Errorf("Reload for %q rejected, keeping previous: %v", s, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		l.log.WithField("component", "config").Infof("Config section %q reloaded", s)
	}
}
