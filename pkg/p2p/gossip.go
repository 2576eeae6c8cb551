package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/hashfill/hashfill/pkg/crypto"
	"github.com/hashfill/hashfill/pkg/relay"
	"github.com/hashfill/hashfill/pkg/settle"
)

const (
	topicOrders  = "hf-orders-1"
	topicCancels = "hf-cancels-1"
)

// Net gossips signed orders and cancellations between relay nodes. Inbound
// messages carry their own authorization (maker signatures), so nothing is
// trusted from the transport: every order is re-verified by the local relay
// and every cancellation re-checked against the maker before it touches the
// engine.
type Net struct {
	h      host.Host
	ps     *pubsub.PubSub
	log    *zap.SugaredLogger
	engine *settle.Engine
	relay  *relay.Relay

	tOrders, tCancels     *pubsub.Topic
	subOrders, subCancels *pubsub.Subscription
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Engine     *settle.Engine
	Relay      *relay.Relay
	Logger     *zap.SugaredLogger
}

func NewNet(ctx context.Context, cfg Config) (*Net, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	net := &Net{
		h:      h,
		ps:     ps,
		log:    log,
		engine: cfg.Engine,
		relay:  cfg.Relay,
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(ctx); err != nil {
		return nil, err
	}

	go net.handleOrders(ctx)
	go net.handleCancels(ctx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Net) joinTopics(ctx context.Context) error {
	var err error
	if n.tOrders, err = n.ps.Join(topicOrders); err != nil {
		return err
	}
	if n.tCancels, err = n.ps.Join(topicCancels); err != nil {
		return err
	}

	if n.subOrders, err = n.tOrders.Subscribe(); err != nil {
		return err
	}
	if n.subCancels, err = n.tCancels.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Net) Host() host.Host { return n.h }

func (n *Net) Close() error { return n.h.Close() }

// BroadcastOrder announces a locally accepted order to peer relays.
func (n *Net) BroadcastOrder(ctx context.Context, order *settle.Order, signature []byte) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	data, err := gobEncode(OrderWire{Order: raw, Signature: signature})
	if err != nil {
		return err
	}
	return n.tOrders.Publish(ctx, data)
}

// BroadcastCancel announces a maker-authorized cancellation. The signature
// must cover the cancel digest of the order's commitment.
func (n *Net) BroadcastCancel(ctx context.Context, order *settle.Order, signature []byte) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	data, err := gobEncode(CancelWire{Order: raw, Signature: signature})
	if err != nil {
		return err
	}
	return n.tCancels.Publish(ctx, data)
}

// inbound

func (n *Net) handleOrders(ctx context.Context) {
	for {
		msg, err := n.subOrders.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w OrderWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		var order settle.Order
		if err := json.Unmarshal(w.Order, &order); err != nil {
			continue
		}

		// The relay re-derives the commitment and checks the maker signature,
		// so a malicious peer gains nothing by spamming this topic.
		record, created, err := n.relay.CreateOrder(&order, w.Signature)
		if err != nil {
			n.log.Debugw("gossip_order_rejected", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if created {
			n.log.Infow("gossip_order_accepted",
				"commitment", record.Commitment.Hex(), "from", msg.ReceivedFrom.String())
		}
	}
}

func (n *Net) handleCancels(ctx context.Context) {
	for {
		msg, err := n.subCancels.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w CancelWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		var order settle.Order
		if err := json.Unmarshal(w.Order, &order); err != nil {
			continue
		}

		if err := n.applyCancel(&order, w.Signature); err != nil {
			n.log.Debugw("gossip_cancel_rejected", "from", msg.ReceivedFrom.String(), "err", err)
		}
	}
}

// applyCancel verifies that the cancel digest was signed by the order's maker
// and then cancels on the maker's behalf.
func (n *Net) applyCancel(order *settle.Order, signature []byte) error {
	commitment, err := n.engine.Commitment(order)
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverAddress(settle.CancelDigest(commitment).Bytes(), signature)
	if err != nil {
		return fmt.Errorf("%w: %v", settle.ErrMalformedSignature, err)
	}
	if signer != order.Maker {
		return settle.ErrOnlyMakerCanCancel
	}
	if _, err := n.engine.CancelOrder(order.Maker, order); err != nil {
		return err
	}
	n.log.Infow("gossip_cancel_applied", "commitment", commitment.Hex())
	return nil
}
