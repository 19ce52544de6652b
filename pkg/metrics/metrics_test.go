package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TopicReceived("News")
	m.Command("hello", "success", time.Millisecond)
	m.Mesh(1, 2, 3)
	m.BackConnect("ok")
	require.NotNil(t, m.Handler())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.TopicReceived("News")
	m.TopicReceived("News")
	m.TopicSent("News")
	m.Mesh(3, 2, 1)
	m.Command("pathCmd", "success", 5*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.topicReceived.WithLabelValues("News")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.declarations))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `drp_topic_messages_sent_total{topic="News"} 1`))
	require.True(t, strings.Contains(string(body), `drp_commands_total{method="pathCmd",status="success"} 1`))
}
