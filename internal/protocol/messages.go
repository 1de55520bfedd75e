package protocol

import "frontpage.dev/internal/feed"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	CatalogDigest   string `json:"catalog_digest"`
	IDStrategy      string `json:"id_strategy"`
}

// VIEW (server -> client): the ranked feed, sent on join and after every
// store change.
type ViewMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Version         uint64      `json:"version"`
	Digest          string      `json:"digest"`
	Posts           []feed.Post `json:"posts"`
}

// CMD (client -> server)
type CmdMsg struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	ID              string              `json:"id"`
	Op              string              `json:"op"`
	PostID          feed.ID             `json:"post_id,omitempty"`
	Submit          *feed.SubmitPayload `json:"submit,omitempty"`
}

// ACK (server -> client), one per CMD.
type AckMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	AckFor          string  `json:"ack_for"`
	Accepted        bool    `json:"accepted"`
	Applied         bool    `json:"applied"`
	PostID          feed.ID `json:"post_id,omitempty"`
	Version         uint64  `json:"version,omitempty"`
	Code            string  `json:"code,omitempty"`
	Message         string  `json:"message,omitempty"`
}

func NewAck(ackFor string) AckMsg {
	return AckMsg{Type: TypeAck, ProtocolVersion: Version, AckFor: ackFor}
}

func NewView(version uint64, digest string, ranked []feed.Post) ViewMsg {
	if ranked == nil {
		ranked = []feed.Post{}
	}
	return ViewMsg{Type: TypeView, ProtocolVersion: Version, Version: version, Digest: digest, Posts: ranked}
}

func NewSubmitCmd(ref string, p feed.SubmitPayload) CmdMsg {
	return CmdMsg{Type: TypeCmd, ProtocolVersion: Version, ID: ref, Op: OpSubmit, Submit: &p}
}

// NewVoteCmd builds an UPVOTE or DOWNVOTE command.
func NewVoteCmd(ref, op string, id feed.ID) CmdMsg {
	return CmdMsg{Type: TypeCmd, ProtocolVersion: Version, ID: ref, Op: op, PostID: id}
}
