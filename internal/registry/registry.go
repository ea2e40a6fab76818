// Package registry maps SMS sender identifiers to bank parsers and provides
// the parse-with-fallback entry point used by every ingest path.
package registry

import (
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
	"github.com/rumor-ml/commons.systems/smsledger/internal/metrics"
	"github.com/rumor-ml/commons.systems/smsledger/internal/parser"
	"github.com/rumor-ml/commons.systems/smsledger/internal/parsers/generic"
	"github.com/rumor-ml/commons.systems/smsledger/internal/parsers/hdfc"
)

// Registry holds the bank-specific parsers and the generic fallback.
type Registry struct {
	parsers  []parser.Parser
	fallback parser.Parser
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New creates a registry with all built-in bank parsers and a generic
// fallback configured for the given home currency. metrics may be nil.
func New(homeCurrency string, m *metrics.Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		parsers: []parser.Parser{
			hdfc.New(),
		},
		fallback: generic.New(homeCurrency),
		metrics:  m,
		log:      log,
	}
}

// Register adds a custom bank parser. Registered parsers are consulted in
// registration order, before the built-ins' fallback.
func (r *Registry) Register(p parser.Parser) {
	r.parsers = append(r.parsers, p)
}

// Resolve returns the first bank-specific parser that recognizes the sender,
// or the generic fallback when none does.
func (r *Registry) Resolve(sender string) parser.Parser {
	for _, p := range r.parsers {
		if p.CanHandle(sender) {
			return p
		}
	}
	return r.fallback
}

// ParseWithFallback tries the sender's specific parser first and retries
// with the generic parser when the specific one finds nothing, errors, or
// panics. A nil return means the message is not a transaction notification;
// no error ever escapes this call.
func (r *Registry) ParseWithFallback(sender, body string, timestampMillis int64) *domain.ParsedTransaction {
	specific := r.Resolve(sender)

	if specific != r.fallback {
		if tx := r.tryParse(specific, sender, body, timestampMillis); tx != nil {
			return tx
		}
		r.log.Debug().Str("sender", sender).Str("parser", specific.Name()).
			Msg("specific parser found no transaction, retrying with generic")
	}

	return r.tryParse(r.fallback, sender, body, timestampMillis)
}

// ListParsers returns the names of all registered parsers plus the fallback.
func (r *Registry) ListParsers() []string {
	names := make([]string, 0, len(r.parsers)+1)
	for _, p := range r.parsers {
		names = append(names, p.Name())
	}
	return append(names, r.fallback.Name())
}

func (r *Registry) tryParse(p parser.Parser, sender, body string, timestampMillis int64) (tx *domain.ParsedTransaction) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("parser", p.Name()).Interface("panic", rec).
				Msg("parser panicked, treating as no transaction")
			tx = nil
		}
	}()

	parsed, err := p.Parse(body, sender, timestampMillis)
	if err != nil {
		r.log.Warn().Err(err).Str("parser", p.Name()).Str("sender", sender).
			Msg("parser failed")
		return nil
	}
	if parsed != nil && r.metrics != nil {
		r.metrics.Parsed.WithLabelValues(p.Name()).Inc()
	}
	return parsed
}
