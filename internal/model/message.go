package model

import "encoding/json"

// MessageType namespaces message kinds in reverse-DNS form.
type MessageType string

const (
	TypeChatText        MessageType = "org.improto.chat.text"
	TypeProfile         MessageType = "org.improto.profile"
	TypeDIDDocument     MessageType = "org.improto.did.document"
	TypeSessionReset    MessageType = "org.improto.session.reset"
	TypeSessionEndpoint MessageType = "org.improto.session.endpoint"
	TypeDeliveryAck     MessageType = "org.improto.ack.delivery"
	TypeReadAck         MessageType = "org.improto.ack.read"
)

type MessageStatus string

const (
	StatusDelivered MessageStatus = "delivered"
	StatusReceived  MessageStatus = "received"
	StatusRead      MessageStatus = "read"
)

type Relationship string

const (
	RelationshipNone  Relationship = ""
	RelationshipSmash Relationship = "smash"
	RelationshipPass  Relationship = "pass"
	RelationshipClear Relationship = "clear"
	RelationshipBlock Relationship = "block"
)

func (r Relationship) Valid() bool {
	switch r {
	case RelationshipNone, RelationshipSmash, RelationshipPass, RelationshipClear, RelationshipBlock:
		return true
	}
	return false
}

type (
	// Header is the message header carried along with each ciphertext.
	Header struct {
		Pub    [32]byte // sender's current ratchet public key
		MsgNum uint32   // message number in the sending chain
		Prev   uint32   // previous sending chain length (PN)
	}

	// Message is the input to encapsulation.
	Message struct {
		Type  MessageType
		Data  any
		After string
	}

	// EncapsulatedMessage is the content-addressed wire form of a message.
	// After holds the SHA256 of the causal predecessor, "" for a chain root.
	EncapsulatedMessage struct {
		Type      MessageType     `json:"type"`
		Data      json.RawMessage `json:"data"`
		After     string          `json:"after"`
		Timestamp string          `json:"timestamp"`
		SHA256    string          `json:"sha256"`
	}

	// AckPayload is the data of delivery and read acknowledgements.
	AckPayload struct {
		Hashes []string `json:"hashes"`
	}

	TextPayload struct {
		Text string `json:"text"`
	}

	// ProfilePayload is what a user shows to the peers they talk to.
	ProfilePayload struct {
		Name string `json:"name"`
	}
)
