package telemetry_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawline/internal/telemetry"
)

func TestNilInstrumentsRecordNothing(t *testing.T) {
	var ins *telemetry.Instruments
	ctx := context.Background()
	spanCtx, span := ins.Start(ctx, "lifecycle.advance")
	assert.Equal(t, ctx, spanCtx)
	assert.NotPanics(t, func() {
		ins.Finish(spanCtx, span, errors.New("boom"))
		ins.RecordDecision(ctx, "merge_pr", "ALLOW", "allowed", time.Now())
		ins.RecordAdvance(ctx, "S5", "ADVANCE", false)
	})
}

func TestEnabledTelemetryExportsToWriter(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	require.NoError(t, telemetry.Init(ctx, telemetry.Config{Enabled: true, Writer: &buf}, "test"))
	t.Cleanup(func() { _ = telemetry.Init(ctx, telemetry.Config{}, "test") })

	ins := telemetry.NewInstruments()
	spanCtx, span := ins.Start(ctx, "policy.evaluate")
	ins.RecordDecision(spanCtx, "merge_pr", "DENY", "cooldown_active", time.Now())
	ins.RecordAdvance(spanCtx, "S5", "ADVANCE", true)
	ins.Finish(spanCtx, span, nil)
	telemetry.Shutdown(ctx)

	out := buf.String()
	assert.Contains(t, out, "policy.evaluate")
	assert.Contains(t, out, "lawline.policy.decisions")
	assert.Contains(t, out, "lawline.lifecycle.advances")
}

func TestDisabledTelemetryWritesNothing(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	require.NoError(t, telemetry.Init(ctx, telemetry.Config{Writer: &buf}, "test"))
	ins := telemetry.NewInstruments()
	spanCtx, span := ins.Start(ctx, "policy.evaluate")
	ins.RecordAdvance(spanCtx, "S2", "ADVANCE", false)
	ins.Finish(spanCtx, span, nil)
	telemetry.Shutdown(ctx)
	assert.Zero(t, buf.Len())
}
