package protocol_test

import (
	"encoding/json"
	"testing"

	"frontpage.dev/internal/feed"
	"frontpage.dev/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(name, doc string) {
		t.Helper()
		if err := protocol.ValidateJSON(name, []byte(doc)); err != nil {
			t.Fatalf("%s: validate %s: %v", name, doc, err)
		}
	}

	validate(protocol.SchemaHello, `{"type":"HELLO","protocol_version":"1.0","client_name":"bot1","capabilities":{"max_queue":8}}`)
	validate(protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","id":"c1","op":"UPVOTE","post_id":1}`)
	validate(protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","id":"c2","op":"DOWNVOTE","post_id":"Hi12"}`)
	validate(protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","id":"c3","op":"SUBMIT","submit":{"title":"Hi","description":"","community":"r/test","username":"bob"}}`)
	validate(protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","op":"SUBMIT","submit":{}}`)
	validate(protocol.SchemaSubmit, `{"title":"","votes":99}`)
}

func TestSchemas_RejectBadShape(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","op":"LIKE","post_id":"1"}`},
		{protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","op":"UPVOTE"}`},
		{protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","op":"SUBMIT"}`},
		{protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","op":"SUBMIT","submit":{"title":5}}`},
		{protocol.SchemaCmd, `{"type":"CMD","protocol_version":"1.0","op":"UPVOTE","post_id":true}`},
		{protocol.SchemaHello, `{"type":"CMD","protocol_version":"1.0"}`},
		{protocol.SchemaSubmit, `["not","an","object"]`},
		{protocol.SchemaCmd, `{not json`},
	}
	for _, c := range cases {
		if err := protocol.ValidateJSON(c.name, []byte(c.doc)); err == nil {
			t.Fatalf("%s: expected rejection of %s", c.name, c.doc)
		}
	}
}

func TestSchemas_OutboundMessagesDecode(t *testing.T) {
	view := protocol.NewView(3, "abc", nil)
	b, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil || base.Type != protocol.TypeView || base.ProtocolVersion != protocol.Version {
		t.Fatalf("base=%+v err=%v", base, err)
	}
	var got struct {
		Posts []feed.Post `json:"posts"`
	}
	if err := json.Unmarshal(b, &got); err != nil || got.Posts == nil {
		t.Fatalf("empty view should carry posts:[] (err=%v)", err)
	}
}

func TestSchemas_UnknownName(t *testing.T) {
	if _, err := protocol.Schema("nope.schema.json"); err == nil {
		t.Fatalf("expected error for unknown schema")
	}
}
