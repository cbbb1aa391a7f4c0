package provider

import (
	"fmt"
	"time"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
)

// SetGeolocationOptions records the session's geolocation request; nil
// withdraws it. The merged request is forwarded when it changes.
func (p *Provider) SetGeolocationOptions(id SessionID, opts *contextsvc.GeolocationOptions) error {
	if err := p.withSession(id, func(s *session) {
		if opts == nil {
			s.geo = nil
			return
		}
		o := *opts
		s.geo = &o
	}); err != nil {
		return err
	}
	return p.updateGeolocation()
}

// DesiredGeolocationOptions returns the merge of every session's request.
func (p *Provider) DesiredGeolocationOptions() (contextsvc.GeolocationOptions, bool) {
	p.mu.RLock()
	reqs := make([]contextsvc.GeolocationOptions, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.geo != nil {
			reqs = append(reqs, *s.geo)
		}
	}
	p.mu.RUnlock()
	return MergeGeolocationOptions(reqs)
}

// MergeGeolocationOptions merges requests field by field, keeping the most
// capable value: the smallest desired accuracy, high accuracy if anyone asks
// for it and the shortest update interval. Zero values mean no preference.
// ok is false when reqs is empty.
func MergeGeolocationOptions(reqs []contextsvc.GeolocationOptions) (merged contextsvc.GeolocationOptions, ok bool) {
	if len(reqs) == 0 {
		return contextsvc.GeolocationOptions{}, false
	}
	for _, r := range reqs {
		merged.DesiredAccuracy = minPositive(merged.DesiredAccuracy, r.DesiredAccuracy)
		merged.HighAccuracy = merged.HighAccuracy || r.HighAccuracy
		merged.UpdateInterval = time.Duration(minPositive(float64(merged.UpdateInterval), float64(r.UpdateInterval)))
	}
	return merged, true
}

func minPositive(a, b float64) float64 {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

// updateGeolocation forwards the merged request to the service when it differs
// from the last forwarded one, and withdraws once when no session asks.
func (p *Provider) updateGeolocation() error {
	p.geoMu.Lock()
	defer p.geoMu.Unlock()

	merged, ok := p.DesiredGeolocationOptions()
	if !ok {
		if !p.geoForwarded {
			return nil
		}
		p.geoForwarded = false
		p.geoLast = contextsvc.GeolocationOptions{}
		logf("geolocation withdrawn: no session requests it")
		if err := p.svc.UnsubscribeGeolocation(); err != nil {
			return fmt.Errorf("withdraw geolocation: %w", err)
		}
		return nil
	}
	if p.geoForwarded && merged == p.geoLast {
		return nil
	}
	if err := p.svc.SubscribeGeolocation(&merged); err != nil {
		return fmt.Errorf("forward geolocation: %w", err)
	}
	p.geoForwarded = true
	p.geoLast = merged
	return nil
}
