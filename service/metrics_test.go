package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsTextfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	orch := NewOrchestrator(OrchestratorConfig{
		Records:  h.store,
		Audit:    h.store,
		Keys:     h.keys,
		Adapters: h.orch.cfg.Adapters,
		Metrics:  metrics,
	})

	h.store.FailAudit(errors.New("disk full"))
	out, err := orch.Create(ctx, h.request("0.5"))
	require.NoError(t, err)
	require.True(t, out.Audit.IsErr())

	path := filepath.Join(t.TempDir(), "hdwallet.prom")
	require.NoError(t, prometheus.WriteToTextfile(path, reg))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(body), "hdwallet_audit_write_failures_total 1")
	require.Contains(t, string(body), `hdwallet_tx_transitions_total{from="",network="ethereum",to="created"} 1`)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.transition("ethereum", "signed", "pending")
	m.broadcast("ethereum", outcomeAccepted)
	m.auditFailure()
}
