package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-bunny-service/internal/metrics"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

// Dispatcher fans a normalized payload out to one batched gateway call per platform.
type Dispatcher struct {
	gateways map[dispatch.Platform]dispatch.Gateway
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher registers the configured gateways. A nil gateway disables its platform.
func NewDispatcher(mobile, android dispatch.Gateway, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	gateways := make(map[dispatch.Platform]dispatch.Gateway, 2)
	if mobile != nil {
		gateways[dispatch.PlatformMobile] = mobile
	}
	if android != nil {
		gateways[dispatch.PlatformAndroid] = android
	}
	return &Dispatcher{
		gateways: gateways,
		metrics:  m,
		logger:   logger.With("component", "Dispatcher"),
	}
}

// Enabled reports whether a gateway is configured for platform.
func (d *Dispatcher) Enabled(platform dispatch.Platform) bool {
	_, ok := d.gateways[platform]
	return ok
}

// Dispatch never returns an error: every failure is logged and confined to its platform.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []dispatch.DeviceToken, payload dispatch.Payload) {
	groups := make(map[dispatch.Platform][]string, len(dispatch.Platforms))
	for _, t := range tokens {
		groups[t.Platform] = append(groups[t.Platform], t.Token)
	}

	for _, platform := range dispatch.Platforms {
		batch := groups[platform]
		if len(batch) == 0 {
			continue
		}
		gw, ok := d.gateways[platform]
		if !ok {
			d.logger.Debug("Platform disabled; skipping batch", "platform", platform, "count", len(batch))
			continue
		}
		d.send(ctx, platform, gw, batch, payload)
	}
}

func (d *Dispatcher) send(ctx context.Context, platform dispatch.Platform, gw dispatch.Gateway, batch []string, payload dispatch.Payload) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.GatewayCall(string(platform), "panic")
			d.logger.Error("Device push failed", "platform", platform, "tokens", batch, "reason", fmt.Sprint(r))
		}
	}()

	res := gw.Send(ctx, batch, payload)
	d.metrics.GatewayCall(string(platform), res.Outcome.String())

	switch res.Outcome {
	case dispatch.OutcomeSuccess, dispatch.OutcomePartialFailure:
		if platform == dispatch.PlatformMobile {
			d.reportMobile(batch, payload, res)
		} else {
			d.reportAndroid(batch, res)
		}
	case dispatch.OutcomeAuthRejected:
		d.logger.Error("Gateway rejected our credentials; check the push configuration",
			"platform", platform, "err", res.Err)
	case dispatch.OutcomeTransportError:
		d.logger.Error("Device push failed", "platform", platform, "tokens", batch, "reason", errString(res.Err))
	default:
		d.logger.Error("Gateway returned an unknown outcome", "platform", platform, "outcome", res.Outcome)
	}
}

// reportMobile logs each failed token, then the remaining tokens in one line.
func (d *Dispatcher) reportMobile(batch []string, payload dispatch.Payload, res dispatch.Result) {
	delivered := make([]string, 0, len(batch))
	for _, token := range batch {
		if reason, failed := res.Failed[token]; failed {
			d.logger.Info("Device push failed", "platform", dispatch.PlatformMobile, "token", token, "reason", reason)
			continue
		}
		delivered = append(delivered, token)
	}
	d.metrics.Tokens(string(dispatch.PlatformMobile), "failed", len(batch)-len(delivered))
	d.metrics.Tokens(string(dispatch.PlatformMobile), "sent", len(delivered))

	alert, _ := payload.Encode()
	d.logger.Info("Successfully sent push", "platform", dispatch.PlatformMobile, "alert", alert, "tokens", delivered)
}

// reportAndroid logs every token under the outcome set the gateway put it in.
func (d *Dispatcher) reportAndroid(batch []string, res dispatch.Result) {
	invalid := make(map[string]struct{}, len(res.Invalid))
	for _, token := range res.Invalid {
		invalid[token] = struct{}{}
	}

	for _, token := range batch {
		if msgID, ok := res.Succeeded[token]; ok {
			d.logger.Info("Successfully sent push", "platform", dispatch.PlatformAndroid, "token", token, "message_id", msgID)
			continue
		}
		if _, ok := invalid[token]; ok {
			d.logger.Info("Invalid token; the directory should drop it", "platform", dispatch.PlatformAndroid, "token", token)
			continue
		}
		if reason, ok := res.Failed[token]; ok {
			d.logger.Info("Should remove token", "platform", dispatch.PlatformAndroid, "token", token, "reason", reason)
		}
	}
	d.metrics.Tokens(string(dispatch.PlatformAndroid), "sent", len(res.Succeeded))
	d.metrics.Tokens(string(dispatch.PlatformAndroid), "invalid", len(res.Invalid))
	d.metrics.Tokens(string(dispatch.PlatformAndroid), "failed", len(res.Failed))
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
