package model

const (
	EventData       = "data"
	EventAck        = "ack"
	EventNack       = "nack"
	EventChallenge  = "challenge"
	EventAuth       = "auth"
	EventAuthOK     = "auth-ok"
	EventAuthFailed = "auth-failed"
)

// Frame is the JSON unit exchanged over a transport socket.
type Frame struct {
	Event      string `json:"event"`
	ID         string `json:"id,omitempty"`
	PreKey     string `json:"preKey,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	IV         []byte `json:"iv,omitempty"`
	Challenge  string `json:"challenge,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Query parameters of an authenticated socket.
const (
	ParamPreKey    = "preKey"
	ParamPreKeySig = "preKeySig"
	ParamIdentity  = "ik"
	ParamAuthKey   = "authKey"
	ParamAuthSig   = "authSig"
)
