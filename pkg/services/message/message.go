// Package message implements simple store-and-forward-free direct
// messaging between peers, with an optional delivery receipt.
package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/core/pkg/channel"
	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/wire"
)

// Message is a single direct message sent over wire.ChannelMessage.
type Message struct {
	ID     string `json:"id"`
	From   identity.PeerID `json:"from"`
	Body   []byte `json:"body"`
	SentAt int64  `json:"sentAt"`
}

// Receipt acknowledges delivery of a Message, sent over
// wire.ChannelMessageAck when the sender requests one.
type Receipt struct {
	MessageID   string `json:"messageId"`
	DeliveredAt int64  `json:"deliveredAt"`
}

// Handler processes an inbound Message.
type Handler func(msg Message)

// Service sends and receives direct messages, optionally requesting and
// reporting delivery receipts.
type Service struct {
	provider     channel.Provider
	selfID       identity.PeerID
	onMessage    Handler
	wantReceipts bool

	unsubMessage func()
	unsubReceipt func()

	receiptWaiters map[string]chan struct{}
}

// NewService registers message and receipt handlers on provider. onMessage
// is invoked for every inbound message; when wantReceipts is true, Service
// also sends a Receipt back to the sender for every inbound message.
// Inbound receipts complete a Send called with waitForReceipt, whatever
// wantReceipts is.
func NewService(provider channel.Provider, wantReceipts bool, onMessage Handler) *Service {
	s := &Service{
		provider:       provider,
		selfID:         provider.PeerID(),
		onMessage:      onMessage,
		wantReceipts:   wantReceipts,
		receiptWaiters: make(map[string]chan struct{}),
	}

	s.unsubMessage = provider.OnChannel(wire.ChannelMessage, func(from identity.PeerID, _ string, data []byte) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
		if s.wantReceipts {
			receipt := Receipt{MessageID: msg.ID, DeliveredAt: time.Now().UnixMilli()}
			if encoded, err := json.Marshal(receipt); err == nil {
				_ = provider.SendOnChannel(context.Background(), from, wire.ChannelMessageAck, encoded)
			}
		}
	})

	s.unsubReceipt = provider.OnChannel(wire.ChannelMessageAck, func(from identity.PeerID, _ string, data []byte) {
		var receipt Receipt
		if err := json.Unmarshal(data, &receipt); err != nil {
			return
		}
		if ch, ok := s.receiptWaiters[receipt.MessageID]; ok {
			close(ch)
			delete(s.receiptWaiters, receipt.MessageID)
		}
	})

	return s
}

// Close unregisters both handlers.
func (s *Service) Close() {
	s.unsubMessage()
	s.unsubReceipt()
}

// Send delivers body to peer. If waitForReceipt is true it blocks (subject
// to ctx) until the peer's delivery receipt arrives.
func (s *Service) Send(ctx context.Context, peer identity.PeerID, body []byte, waitForReceipt bool) error {
	msg := Message{
		ID:     uuid.NewString(),
		From:   s.selfID,
		Body:   body,
		SentAt: time.Now().UnixMilli(),
	}

	var wait chan struct{}
	if waitForReceipt {
		wait = make(chan struct{})
		s.receiptWaiters[msg.ID] = wait
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.provider.SendOnChannel(ctx, peer, wire.ChannelMessage, encoded); err != nil {
		if wait != nil {
			delete(s.receiptWaiters, msg.ID)
		}
		return err
	}

	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		delete(s.receiptWaiters, msg.ID)
		return ctx.Err()
	}
}
