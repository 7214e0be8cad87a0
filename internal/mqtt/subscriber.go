package mqtt

import (
	"context"
	"strings"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// haStatusTopic is where Home Assistant announces its own birth and
// will, relative to the discovery prefix.
const haStatusTopic = "status"

func (p *Publisher) statusTopic() string {
	return p.cfg.DiscoveryPrefix + "/" + haStatusTopic
}

// subscribe asks for HA's status topic. Failures are logged; discovery
// still goes out on every reconnect.
func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.statusTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", p.statusTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", p.statusTopic())
}

// onPublish handles inbound messages. An "online" on HA's status topic
// means HA restarted and lost non-retained state, so discovery and
// current states are sent again.
func (p *Publisher) onPublish(ctx context.Context, pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil || pr.Packet.Topic != p.statusTopic() {
		return false, nil
	}
	if !strings.EqualFold(strings.TrimSpace(string(pr.Packet.Payload)), "online") {
		return true, nil
	}
	p.logger.Info("home assistant came online, republishing discovery")
	p.rediscover(ctx)
	return true, nil
}
