package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"improto/internal/codec"
	"improto/internal/cryptographic/keys"
	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/peer"
	"improto/internal/session"
	"improto/internal/utils/log"
)

// handleInbound routes one decrypted batch. The sender is identified by the
// session's identity key; a document in the batch takes precedence over
// resolving that key through the relay.
func (a *App) handleInbound(ctx context.Context, s session.Session, msgs []*model.EncapsulatedMessage) {
	ik := s.PeerIdentityKey()
	p, err := a.sender(ctx, ik, msgs)
	if err != nil {
		log.Warn("drop batch from unknown sender",
			zap.String("session", s.ID()),
			zap.Int("messages", len(msgs)),
			zap.Error(err))
		return
	}
	if p.Relationship() == model.RelationshipBlock {
		log.Debug("drop batch from blocked peer", zap.String("peer", p.ID()))
		return
	}
	p.Touch(time.Now())

	var received []string
	for _, msg := range msgs {
		switch msg.Type {
		case model.TypeDIDDocument:
			// applied in sender
		case model.TypeDeliveryAck, model.TypeReadAck:
			ack, err := codec.Decode[model.AckPayload](msg)
			if err != nil {
				log.Warn("bad ack", zap.String("peer", p.ID()), zap.Error(err))
				continue
			}
			status := model.StatusReceived
			if msg.Type == model.TypeReadAck {
				status = model.StatusRead
			}
			a.listener.OnStatus(status, ack.Hashes)
		case model.TypeSessionEndpoint:
			a.announceEndpoint(p, msg)
		case model.TypeSessionReset:
			log.Debug("peer reset its sessions", zap.String("peer", p.ID()))
		default:
			a.listener.OnData(p.ID(), msg)
			if msg.Type == model.TypeChatText {
				received = append(received, msg.SHA256)
			}
		}
	}

	if len(received) > 0 {
		if _, err := a.send(ctx, p, model.TypeDeliveryAck, model.AckPayload{Hashes: received}, false); err != nil {
			log.Warn("delivery ack failed", zap.String("peer", p.ID()), zap.Error(err))
		}
	}
}

func (a *App) sender(ctx context.Context, ik string, msgs []*model.EncapsulatedMessage) (*peer.Peer, error) {
	for _, msg := range msgs {
		if msg.Type != model.TypeDIDDocument {
			continue
		}
		doc, err := codec.Decode[model.DIDDocument](msg)
		if err != nil || doc.IdentityKey != ik {
			log.Warn("ignore foreign did document", zap.String("did", doc.ID), zap.Error(err))
			continue
		}
		return a.registry.GetOrCreate(ctx, model.DIDFromDocument(&doc), time.Now())
	}

	if p, ok := a.registry.GetByIdentityKey(ik); ok {
		return p, nil
	}
	thumb, err := keys.Thumbprint(ik)
	if err != nil {
		return nil, err
	}
	return a.registry.GetOrCreate(ctx, model.DIDFromString("did:"+string(model.MethodDocument)+":"+thumb), time.Now())
}

// announceEndpoint adds an endpoint the peer signed to its endpoint set.
func (a *App) announceEndpoint(p *peer.Peer, msg *model.EncapsulatedMessage) {
	ep, err := codec.Decode[model.Endpoint](msg)
	if err == nil {
		err = did.VerifyEndpoint(p.IdentityKey(), ep)
	}
	if err == nil {
		err = p.ConfigureEndpoints(append(p.Endpoints(), ep))
	}
	if err != nil {
		log.Warn("endpoint announcement rejected", zap.String("peer", p.ID()), zap.Error(err))
	}
}
