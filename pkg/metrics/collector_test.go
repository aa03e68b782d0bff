package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticCounter map[string]int

func (s staticCounter) CountByStatus() map[string]int {
	out := make(map[string]int, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func TestMatchCollector_Collect(t *testing.T) {
	c := NewMatchCollector(staticCounter{"waiting": 3, "playing": 1, "abandoned": 2}, time.Second)
	c.Collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(matchesByStatus.WithLabelValues("waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(matchesByStatus.WithLabelValues("playing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(matchesByStatus.WithLabelValues("draw")))
	assert.Equal(t, 2.0, testutil.ToFloat64(matchesByStatus.WithLabelValues("abandoned")))
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(movesTotal.WithLabelValues("unknown"))
	RecordMove("")
	assert.Equal(t, before+1, testutil.ToFloat64(movesTotal.WithLabelValues("unknown")))

	bot := testutil.ToFloat64(matchesCreatedTotal.WithLabelValues("bot"))
	RecordMatchCreated(true)
	assert.Equal(t, bot+1, testutil.ToFloat64(matchesCreatedTotal.WithLabelValues("bot")))

	reqs := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/matches", "200"))
	RecordHTTPRequest("GET", "/api/matches", 200, time.Millisecond)
	assert.Equal(t, reqs+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/matches", "200")))

	open := testutil.ToFloat64(gatewayConnections)
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	assert.Equal(t, open+1, testutil.ToFloat64(gatewayConnections))
}
