package model

// Listener receives the events surfaced to applications.
type Listener interface {
	OnData(peerID string, msg *EncapsulatedMessage)
	OnStatus(status MessageStatus, hashes []string)
}

type NopListener struct{}

func (NopListener) OnData(string, *EncapsulatedMessage) {}
func (NopListener) OnStatus(MessageStatus, []string)    {}
