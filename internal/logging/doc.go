// Package logging provides structured logging for codebundle.
//
// The package wraps Zap with:
//   - A custom Trace level (-2, below Debug)
//   - Context field injection (trace_id and span_id of the active span,
//     scan.id, workspace, request.id)
//   - Secret redaction by field name and value pattern
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg, err := logging.FromSettings("info", "json")
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithScanID(ctx, id)
//	logger.Info(ctx, "scan complete", zap.Int("files", n))
//
// Bundling packages take a plain *zap.Logger; pass logger.Underlying().
//
// # Sampling
//
//   - Trace: first 1 per tick, drop rest
//   - Debug: first 10 per tick, drop rest
//   - Info: first 100, then 1 every 10
//   - Warn: first 100, then 1 every 100
//   - Error+: never sampled
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertNoSecrets(t)
package logging
