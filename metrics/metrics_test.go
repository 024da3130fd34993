package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mesh-forwarder/probe"
)

func TestRecorderCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	p := probe.New(nil, r)
	for i := 0; i < 2; i++ {
		evt := p.NewForwardMessageEvent()
		evt.Finish()
	}
	evt := p.NewForwardMessageEvent()
	evt.RecordUploaderError(assert.AnError)
	evt.Finish()

	count := p.NewCountMessagesEvent()
	count.RecordMessageCount(12)
	count.Finish()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues(probe.ForwardMessageEvent, "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues(probe.ForwardMessageEvent, probe.ErrorUploader)))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.inboxCount))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
