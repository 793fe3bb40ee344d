package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestLabels(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("list_accounts", "200"))
	ObserveRequest("list_accounts", 200, "", 15*time.Millisecond)
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("list_accounts", "200")); got != before+1 {
		t.Errorf("200 counter = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(RequestsTotal.WithLabelValues("place_order", "timeout"))
	ObserveRequest("place_order", 0, "timeout", time.Second)
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("place_order", "timeout")); got != before+1 {
		t.Errorf("timeout counter = %v, want %v", got, before+1)
	}
}
