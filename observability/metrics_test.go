package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"marginloan/core/events"
)

func TestLoanMetricsObserve(t *testing.T) {
	m := Loans()
	before := testutil.ToFloat64(m.operations.WithLabelValues("fund", "success"))
	m.Observe("fund", "success", 15*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.operations.WithLabelValues("fund", "success")))

	m.SetOpenLoans(3)
	require.Equal(t, float64(3), testutil.ToFloat64(m.openLoans))

	var nilMetrics *LoanMetrics
	nilMetrics.Observe("fund", "success", time.Second)
}

func TestEventMetricsFeedLoanCounters(t *testing.T) {
	liquidations := testutil.ToFloat64(Loans().liquidations)
	deficiencies := testutil.ToFloat64(Loans().deficiencies)

	Events().Emit(events.LoanLiquidated{LoanID: "l-1"})
	Events().Emit(events.LoanDeficiency{LoanID: "l-1"})
	Events().Emit(events.LoanFunded{LoanID: "l-1"})

	require.Equal(t, liquidations+1, testutil.ToFloat64(Loans().liquidations))
	require.Equal(t, deficiencies+1, testutil.ToFloat64(Loans().deficiencies))
	require.GreaterOrEqual(t, testutil.ToFloat64(Events().emitted.WithLabelValues(events.TypeLoanFunded)), float64(1))
}
