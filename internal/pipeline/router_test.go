package pipeline_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-bunny-service/internal/metrics"
	"github.com/tinywideclouds/go-bunny-service/internal/pipeline"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

const (
	pushQueue   = "push"
	socialQueue = "twitter"
)

// deliveries reads bunny_deliveries_total{queue,result} from reg.
func deliveries(t *testing.T, reg *prometheus.Registry, queue, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "bunny_deliveries_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if hasLabels(metric, map[string]string{"queue": queue, "result": result}) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()

	newRouter := func(t *testing.T) (*pipeline.Router, *mockResolver, *mockNotifier, *mockSocialHandler, *prometheus.Registry) {
		t.Helper()
		resolver, notifier, social := new(mockResolver), new(mockNotifier), new(mockSocialHandler)
		reg := prometheus.NewRegistry()
		push := pipeline.NewPushProcessor(resolver, notifier, newTestLogger())
		return pipeline.NewRouter(pushQueue, socialQueue, push, social, metrics.New(reg), newTestLogger()), resolver, notifier, social, reg
	}

	t.Run("Push message flows through lookup to dispatch", func(t *testing.T) {
		router, resolver, notifier, _, _ := newRouter(t)
		resolver.On("Resolve", mock.Anything, "test", "c1").Return(dispatch.Resolution{
			OK:         true,
			StatusCode: 200,
			Recipients: []dispatch.Recipient{
				{Username: "bob", Platform: "iOS", Token: "T1"},
				{Username: "carol", Platform: "android", Token: "T2"},
			},
		})
		notifier.On("Dispatch", mock.Anything, []dispatch.DeviceToken{
			{Platform: dispatch.PlatformMobile, Token: "T1"},
			{Platform: dispatch.PlatformAndroid, Token: "T2"},
		}, dispatch.Payload{Conversation: "c1", Username: "alice", DisplayName: "Alice", Message: "hi"}).Once()

		body := []byte(`{"conversation":"c1","server_id":"test","username":"alice","displayName":"Alice","message":"hi"}`)
		router.Route(ctx, pushQueue, body)

		resolver.AssertExpectations(t)
		notifier.AssertExpectations(t)
	})

	t.Run("Missing conversation never reaches lookup or dispatch", func(t *testing.T) {
		router, resolver, notifier, _, reg := newRouter(t)

		router.Route(ctx, pushQueue, []byte(`{"server_id":"test","username":"alice","message":"hi"}`))

		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
		notifier.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, deliveries(t, reg, pushQueue, "dropped"))
	})

	t.Run("Malformed JSON is dropped", func(t *testing.T) {
		router, resolver, _, social, reg := newRouter(t)

		router.Route(ctx, pushQueue, []byte(`{not json`))
		router.Route(ctx, socialQueue, []byte(`[]`))

		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
		social.AssertNotCalled(t, "HandleSocial", mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, deliveries(t, reg, pushQueue, "dropped"))
		assert.Equal(t, 1.0, deliveries(t, reg, socialQueue, "dropped"))
	})

	t.Run("Social message goes to the social handler only", func(t *testing.T) {
		router, resolver, _, social, reg := newRouter(t)
		want := pipeline.SocialRelay{ServerID: "test", Username: "alice", Message: "status", Context: "http://t.co/x"}
		social.On("HandleSocial", mock.Anything, want).Once()

		router.Route(ctx, socialQueue, []byte(`{"server_id":"test","username":"alice","message":"status","context":"http://t.co/x"}`))

		social.AssertExpectations(t)
		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, deliveries(t, reg, socialQueue, "handled"))
	})

	t.Run("Unknown queue is dropped", func(t *testing.T) {
		router, resolver, _, social, reg := newRouter(t)

		router.Route(ctx, "elsewhere", []byte(`{"conversation":"c1","server_id":"test"}`))

		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
		social.AssertNotCalled(t, "HandleSocial", mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, deliveries(t, reg, "elsewhere", "unroutable"))
	})
}
