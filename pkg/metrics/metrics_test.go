package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	t.Run("should count syncs by outcome", func(t *testing.T) {
		before := testutil.ToFloat64(SyncOperationsTotal.WithLabelValues("hubspot", "outbound", "success"))
		RecordSync("hubspot", "outbound", "success", 0.2)
		assert.Equal(t, before+1, testutil.ToFloat64(SyncOperationsTotal.WithLabelValues("hubspot", "outbound", "success")))
	})

	t.Run("should label webhook handling", func(t *testing.T) {
		RecordWebhookReceived("salesforce", "record.created", false)
		assert.GreaterOrEqual(t, testutil.ToFloat64(WebhooksReceivedTotal.WithLabelValues("salesforce", "record.created", "false")), 1.0)
	})
}
