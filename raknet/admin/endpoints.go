package admin

import (
	"time"
)

// File endpoints.go defines the paths, requests and responses of the admin API.

const (
	EP_STATUS      = "/status"
	EP_CONNECTIONS = "/connections"
	EP_BANS        = "/bans"
	EP_BAN         = "/bans/{ip}"
)

// StatusBody is the state and counters of the listener.
type StatusBody struct {
	Address           string `json:"address" example:"0.0.0.0:19132" doc:"address the listener is bound to"`
	Guid              string `json:"guid" doc:"guid the listener presents to clients"`
	Listening         bool   `json:"listening" doc:"whether the listener's socket is open"`
	Connections       int    `json:"connections" doc:"connections held, handshaking or established"`
	Established       int    `json:"established" doc:"connections that completed the handshake"`
	MaxConnections    int    `json:"max_connections" example:"64"`
	DatagramsIn       uint64 `json:"datagrams_in"`
	DatagramsOut      uint64 `json:"datagrams_out"`
	BytesIn           uint64 `json:"bytes_in"`
	BytesOut          uint64 `json:"bytes_out"`
	Dropped           uint64 `json:"dropped" doc:"datagrams dropped before reaching a connection"`
	Rejected          uint64 `json:"rejected" doc:"connection attempts refused by admission policy"`
	HandshakeFailures uint64 `json:"handshake_failures"`
}

// StatusResp is the response for GET /status.
type StatusResp struct {
	Body StatusBody
}

// ConnectionInfo describes a single connection.
type ConnectionInfo struct {
	Address          string  `json:"address" example:"10.0.0.7:52311"`
	Guid             string  `json:"guid"`
	State            string  `json:"state" example:"Connected"`
	RTTMillis        float64 `json:"rtt_ms" doc:"smoothed round trip time"`
	Resends          uint64  `json:"resends"`
	PendingAcks      int     `json:"pending_acks" doc:"reliable frames awaiting acknowledgement"`
	MessagesIn       uint64  `json:"messages_in"`
	MessagesOut      uint64  `json:"messages_out"`
	ChecksumFailures uint64  `json:"checksum_failures"`
	Dropped          uint64  `json:"dropped"`
}

// ConnectionsResp is the response for GET /connections.
type ConnectionsResp struct {
	Body struct {
		Connections []ConnectionInfo `json:"connections"`
	}
}

// BanInfo describes a single ban.
type BanInfo struct {
	IP        string    `json:"ip" example:"203.0.113.9"`
	Until     time.Time `json:"until,omitzero" doc:"when the ban lifts; absent for permanent bans"`
	Permanent bool      `json:"permanent"`
	Reason    string    `json:"reason,omitempty"`
}

// BansResp is the response for GET /bans.
type BansResp struct {
	Body struct {
		Bans []BanInfo `json:"bans"`
	}
}

// BanReq is the request for PUT /bans/{ip}.
type BanReq struct {
	IP   string `path:"ip" example:"203.0.113.9" doc:"address to ban"`
	Body struct {
		Duration string `json:"duration,omitempty" example:"10m" doc:"how long the ban lasts, in Go duration syntax; omit to ban forever"`
		Reason   string `json:"reason,omitempty" example:"spamming handshakes"`
	}
}

// BanResp is the response for PUT /bans/{ip}.
type BanResp struct {
	Body BanInfo
}

// UnbanReq is the request for DELETE /bans/{ip}.
type UnbanReq struct {
	IP string `path:"ip" example:"203.0.113.9" doc:"address to unban"`
}
