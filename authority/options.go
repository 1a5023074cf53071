package authority

import "log/slog"

// Option configures a Publisher at construction, matching the
// functional-options surface internal/collaborator exposes for the same
// purpose.
type Option func(*Publisher)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// WithConflictChecker sets the callback Publish consults after each probe to
// decide whether the name is contested (default: never conflicts).
func WithConflictChecker(c ConflictChecker) Option {
	return func(p *Publisher) { p.conflict = c }
}

// WithProbeCount overrides how many probes Publish sends before announcing
// (default ProbeCount). Values <= 0 are ignored.
func WithProbeCount(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.probeCount = n
		}
	}
}

// WithAnnounceCount overrides how many unsolicited announcements Publish
// sends once a name clears probing (default AnnounceCount). Values <= 0 are
// ignored.
func WithAnnounceCount(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.announceCount = n
		}
	}
}
