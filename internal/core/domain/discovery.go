package domain

import "time"

type DiscoveredChannel struct {
	ChannelID  string    `json:"channelId"`
	HostName   string    `json:"hostName"`
	PeerCount  int       `json:"peerCount"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// ChannelInfo is what a hosting node advertises to discovery requests.
type ChannelInfo struct {
	ChannelID string
	HostName  string
	PeerCount int
}
