package domain

const (
	SettingUserName      = "share_channel.user_name"
	SettingProxySettings = "share_channel.proxy_settings"
)

// ProxySettings is the persisted connectivity preference document.
type ProxySettings struct {
	UseProxy       bool        `json:"useProxy"`
	ProxyURL       string      `json:"proxyUrl"`
	ICEServers     []ICEServer `json:"iceServers"`
	TURNEnabled    bool        `json:"turnEnabled"`
	TURNUsername   string      `json:"turnUsername"`
	TURNCredential string      `json:"turnCredential"`
	ForceTURN      bool        `json:"forceTurn"`
}

func DefaultProxySettings() ProxySettings {
	return ProxySettings{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
			{URLs: []string{"stun:stun2.l.google.com:19302"}},
		},
	}
}

type Notification struct {
	Title       string
	Description string
	IsError     bool
}
