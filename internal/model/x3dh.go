package model

type (
	// X3DHHandshake travels with every message of an initiator's session so
	// the receiver can derive the shared secret from any of them.
	X3DHHandshake struct {
		IdentityKey string `json:"ik"`  // sender identity key, encoded SPKI
		ExchangeKey string `json:"xk"`  // sender exchange key, encoded SPKI
		Signature   string `json:"sig"` // identity key over exchange key
		EKPub       []byte `json:"ek"`
		PreKey      string `json:"spk"` // receiver pre-key that was used
	}

	// InitiatorKeys feed the initiator side of the agreement. Keys are raw
	// X25519; PeerOneTime is optional.
	InitiatorKeys struct {
		IdentityPriv  []byte
		EphemeralPriv []byte
		PeerIdentity  []byte
		PeerPreKey    []byte
		PeerOneTime   []byte
	}

	ResponderKeys struct {
		PeerIdentity  []byte
		PeerEphemeral []byte
		IdentityPriv  []byte
		PreKeyPriv    []byte
		OneTimePriv   []byte
	}
)
