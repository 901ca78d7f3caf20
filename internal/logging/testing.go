package logging

import (
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory for assertions.
// Hand Underlying() to packages that take a *zap.Logger.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger records every entry down to TraceLevel. No sampling or
// redaction is applied; AssertNoSecrets checks what callers passed in.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Entries returns entries at exactly level whose message contains snippet.
func (t *TestLogger) Entries(level zapcore.Level, snippet string) []observer.LoggedEntry {
	return t.observed.FilterLevelExact(level).FilterMessageSnippet(snippet).All()
}

// FilterMessage returns entries whose message equals msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if len(t.Entries(level, snippet)) == 0 {
		tb.Errorf("no %s entry containing %q in %d entries", LevelName(level), snippet, t.observed.Len())
	}
}

func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if n := len(t.Entries(level, snippet)); n > 0 {
		tb.Errorf("found %d %s entries containing %q", n, LevelName(level), snippet)
	}
}

// AssertField checks that some entry with message msg carries field.
func (t *TestLogger) AssertField(tb testing.TB, msg string, field zap.Field) {
	tb.Helper()
	if t.observed.FilterMessage(msg).FilterField(field).Len() == 0 {
		tb.Errorf("no %q entry with field %s", msg, field.Key)
	}
}

// AssertScanCorrelation checks that every entry with message msg carries
// scan.id, and that at least one such entry exists.
func (t *TestLogger) AssertScanCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	entries := t.observed.FilterMessage(msg).All()
	if len(entries) == 0 {
		tb.Errorf("no %q entry", msg)
		return
	}
	for _, e := range entries {
		if _, ok := e.ContextMap()["scan.id"]; !ok {
			tb.Errorf("%q entry missing scan.id", msg)
		}
	}
}

var (
	secretKeys  = []string{"password", "secret", "token", "api_key", "authorization", "credential", "private_key"}
	secretValue = regexp.MustCompile(`(?i)(bearer\s+\S+|api[_-]?key[=:]\s*\S+)`)
)

// AssertNoSecrets fails on string fields with a sensitive key that are not
// redacted, and on bearer tokens or api keys in messages or field values.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if secretValue.MatchString(e.Message) {
			tb.Errorf("credential in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType || f.String == "" {
				continue
			}
			if secretValue.MatchString(f.String) {
				tb.Errorf("credential in field %q", f.Key)
			}
			if strings.HasPrefix(f.String, "[REDACTED") {
				continue
			}
			key := strings.ToLower(f.Key)
			for _, s := range secretKeys {
				if strings.Contains(key, s) {
					tb.Errorf("field %q not redacted", f.Key)
					break
				}
			}
		}
	}
}
