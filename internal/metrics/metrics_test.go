package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.CommandLatency == nil {
		t.Error("CommandLatency metric is nil")
	}
}

func TestRecordConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionOpen()
	m.RecordConnectionOpen()
	m.RecordConnectionClose()

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", got)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshakeSuccess(0.01)
	m.RecordHandshakeSuccess(0.02)
	m.RecordHandshakeFailure("bad_signature")
	m.RecordHandshakeFailure("bad_signature")
	m.RecordHandshakeFailure("timeout")

	if got := testutil.ToFloat64(m.HandshakeSuccesses); got != 2 {
		t.Errorf("HandshakeSuccesses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues("bad_signature")); got != 2 {
		t.Errorf("HandshakeFailures[bad_signature] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues("timeout")); got != 1 {
		t.Errorf("HandshakeFailures[timeout] = %v, want 1", got)
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionConsumed()

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Errorf("SessionsCreated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsConsumed); got != 1 {
		t.Errorf("SessionsConsumed = %v, want 1", got)
	}

	m.RecordSessionCreated()
	m.RecordSessionTerminated()
	if got := testutil.ToFloat64(m.SessionsTerminated); got != 1 {
		t.Errorf("SessionsTerminated = %v, want 1", got)
	}

	m.RecordSessionCreated()
	m.RecordSessionRolledBack()
	if got := testutil.ToFloat64(m.SessionsRolledBack); got != 1 {
		t.Errorf("SessionsRolledBack = %v, want 1", got)
	}
}

func TestRecordACLAndCapabilityFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordACLDenial("query")
	m.RecordACLDenial("query")
	m.RecordACLDenial("request")
	m.RecordCapabilityFailure("connect")

	if got := testutil.ToFloat64(m.ACLDenials.WithLabelValues("query")); got != 2 {
		t.Errorf("ACLDenials[query] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ACLDenials.WithLabelValues("request")); got != 1 {
		t.Errorf("ACLDenials[request] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CapabilityFailures.WithLabelValues("connect")); got != 1 {
		t.Errorf("CapabilityFailures[connect] = %v, want 1", got)
	}
}

func TestRecordCommandAndServicePluginError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCommand("connect", 0.001)
	m.RecordCommand("connect", 0.002)
	m.RecordCommand("query", 0.0005)
	m.RecordServicePluginError("exec")

	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("connect")); got != 2 {
		t.Errorf("CommandsTotal[connect] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("query")); got != 1 {
		t.Errorf("CommandsTotal[query] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ServicePluginErrors.WithLabelValues("exec")); got != 1 {
		t.Errorf("ServicePluginErrors[exec] = %v, want 1", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
