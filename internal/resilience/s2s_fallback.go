package resilience

import (
	"context"

	"github.com/lucaos/voicelive/pkg/provider/s2s"
)

var _ s2s.Provider = (*S2SFallback)(nil)

// S2SFallback is an [s2s.Provider] that opens sessions on the first healthy
// member of an ordered provider list. Only session setup fails over; a
// session that drops later is reconnected by the caller, which lands on
// whichever member is healthy at that point.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// NewS2SFallback creates an [S2SFallback] preferring primary.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another provider, tried after all earlier ones.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the member names in trial order.
func (f *S2SFallback) Names() []string { return f.group.Names() }

// Connect opens a session on the first member that accepts it. A returned
// error wraps [ErrAllFailed] and the last member's error, so
// [s2s.ErrUnauthorized] from the final member is still detectable.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return Do(f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Connect(ctx, cfg)
	})
}

// Capabilities reports the primary's capabilities. Fallbacks are expected to
// accept the same audio format.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}
