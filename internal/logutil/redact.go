// Package logutil builds the process logger. Every sink is wrapped by a
// redaction core so secrets never reach a log line, whichever package
// emitted it.
package logutil

import (
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// 64-hex sequences: private keys, tx preimages, bearer-ish blobs.
	hex64Re = regexp.MustCompile(`(0x)?[0-9a-fA-F]{64}`)

	// Authorization headers and inline bearer tokens.
	bearerRe = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)

	// Provider API keys embedded as URL path segments (/v2/<key>, /v3/<key>).
	pathKeyRe = regexp.MustCompile(`/(v2|v3)/[A-Za-z0-9_-]{16,}`)

	// Query-string API keys on provider URLs.
	queryKeyRe = regexp.MustCompile(`(?i)([?&](?:api[_-]?key|key|token)=)[^&\s"']+`)
)

// Redact masks secret material embedded in s. The first characters of a
// 64-hex sequence are kept so operators can still correlate hashes.
func Redact(s string) string {
	s = bearerRe.ReplaceAllString(s, "Bearer [redacted]")
	s = queryKeyRe.ReplaceAllString(s, "${1}[redacted]")
	s = pathKeyRe.ReplaceAllString(s, "/$1/[redacted]")
	s = hex64Re.ReplaceAllStringFunc(s, func(m string) string {
		return m[:8] + "…[redacted]"
	})
	return s
}

type redactingCore struct {
	zapcore.Core
}

func (c redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return redactingCore{c.Core.With(redactFields(fields))}
}

func (c redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = Redact(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			f.String = Redact(f.String)
		}
		if f.Type == zapcore.ErrorType {
			if err, ok := f.Interface.(error); ok && err != nil {
				f = zap.String(f.Key, Redact(err.Error()))
			}
		}
		out[i] = f
	}
	return out
}

// NewLogger returns the process logger: JSON in production, console
// otherwise, always behind the redaction core.
func NewLogger(env string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return redactingCore{core}
	})), nil
}
