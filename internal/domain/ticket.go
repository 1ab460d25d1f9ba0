package domain

// Ticket holds what a client needs before it can signal: ICE servers and the
// signalling endpoint.
type Ticket struct {
	ICEServers   []ICEServer `json:"iceServers"`
	SignalURL    string      `json:"signalUrl"`
	PingInterval int         `json:"pingInterval"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}
