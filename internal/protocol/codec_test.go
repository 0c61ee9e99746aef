package protocol

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func allCodecs(t *testing.T) []Codec {
	t.Helper()
	cb, err := NewCBORCodec()
	if err != nil {
		t.Fatalf("cbor codec: %v", err)
	}
	return []Codec{JSONCodec{}, cb, ProtoCodec{}}
}

func TestCodecsRoundTripEveryKind(t *testing.T) {
	msgs := []Message{
		Discovery{ClientID: 4242},
		Vote{ClientID: 7, VoteID: 65000},
		Challenge{TransactionID: 0, Parameter: 13},
		Solution{ClientID: 7, TransactionID: 0, Candidate: "sol_7_1234"},
		Result{ClientID: 7, TransactionID: 0, Candidate: "sol_7_1234", Accepted: true},
		Result{ClientID: 9, TransactionID: 0, Candidate: "sol_9_1", Accepted: false},
	}
	for _, c := range allCodecs(t) {
		for _, m := range msgs {
			data, err := c.Encode(m)
			if err != nil {
				t.Fatalf("%s encode %T: %v", c.Name(), m, err)
			}
			got, err := c.Decode(m.Kind(), data)
			if err != nil {
				t.Fatalf("%s decode %T: %v", c.Name(), m, err)
			}
			if got != m {
				t.Fatalf("%s round trip: got %#v want %#v", c.Name(), got, m)
			}
		}
	}
}

func TestJSONWireKeys(t *testing.T) {
	data, err := JSONCodec{}.Encode(Result{ClientID: 3, TransactionID: 0, Candidate: "sol_3_9", Accepted: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"ClientID":3,"Result":1,"Solution":"sol_3_9","TransactionID":0}`
	if string(data) != want {
		t.Fatalf("unexpected wire form %s", data)
	}
}

func TestJSONDecodesForeignPayloads(t *testing.T) {
	msg, err := JSONCodec{}.Decode(KindElection, []byte(`{"VoteID": 120, "ClientID": 55, "extra": true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v := msg.(Vote); v.ClientID != 55 || v.VoteID != 120 {
		t.Fatalf("unexpected vote %#v", v)
	}
}

func TestJSONMalformed(t *testing.T) {
	cases := []struct {
		kind Kind
		data string
	}{
		{KindDiscovery, `{}`},
		{KindDiscovery, `{"ClientID": "7"}`},
		{KindDiscovery, `{"ClientID": 7.5}`},
		{KindDiscovery, `not json`},
		{KindDiscovery, `[1,2]`},
		{KindElection, `{"ClientID": 7}`},
		{KindChallenge, `{"TransactionID": 0}`},
		{KindSolution, `{"ClientID": 1, "TransactionID": 0, "Solution": 5}`},
		{KindResult, `{"ClientID": 1, "TransactionID": 0, "Solution": "s", "Result": 2}`},
		{Kind("bogus"), `{"ClientID": 1}`},
	}
	for _, tc := range cases {
		if _, err := (JSONCodec{}).Decode(tc.kind, []byte(tc.data)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s %s: expected ErrMalformed, got %v", tc.kind, tc.data, err)
		}
	}
}

func TestCBORMalformed(t *testing.T) {
	c, err := NewCBORCodec()
	if err != nil {
		t.Fatalf("cbor codec: %v", err)
	}
	if _, err := c.Decode(KindDiscovery, []byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for garbage, got %v", err)
	}
	data, err := c.Encode(Discovery{ClientID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Decode(KindElection, data); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing VoteID, got %v", err)
	}
}

func TestProtoMalformed(t *testing.T) {
	st, err := structpb.NewStruct(map[string]any{FieldClientID: "not-a-number"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := (ProtoCodec{}).Decode(KindDiscovery, data); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for string id, got %v", err)
	}
	if _, err := (ProtoCodec{}).Decode(KindDiscovery, nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty payload, got %v", err)
	}
}

func TestTopics(t *testing.T) {
	topics := NewTopics(DefaultTopicPrefix)
	if got := topics.Name(KindElection); got != "sd/voting" {
		t.Fatalf("unexpected topic %s", got)
	}
	if len(topics.All()) != 5 {
		t.Fatalf("expected five topics, got %v", topics.All())
	}
	if k, ok := topics.KindOf("sd/result"); !ok || k != KindResult {
		t.Fatalf("expected result kind, got %q %v", k, ok)
	}
	if _, ok := topics.KindOf("sd/other"); ok {
		t.Fatalf("unknown suffix must not resolve")
	}
	if _, ok := topics.KindOf("xx/init"); ok {
		t.Fatalf("foreign prefix must not resolve")
	}
}

type recordingTransport struct {
	topic string
	data  []byte
}

func (r *recordingTransport) Publish(_ context.Context, topic string, data []byte) error {
	r.topic, r.data = topic, data
	return nil
}

func TestSenderAndDecode(t *testing.T) {
	tr := &recordingTransport{}
	topics := NewTopics("test/")
	s := NewSender(tr, JSONCodec{}, topics)
	if err := s.Send(context.Background(), Challenge{TransactionID: 0, Parameter: 8}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tr.topic != "test/challenge" {
		t.Fatalf("unexpected topic %s", tr.topic)
	}
	msg, err := Decode(JSONCodec{}, topics, tr.topic, tr.data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c := msg.(Challenge); c.Parameter != 8 {
		t.Fatalf("unexpected challenge %#v", c)
	}
	if _, err := Decode(JSONCodec{}, topics, "test/nope", tr.data); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for unknown topic, got %v", err)
	}
}

func TestNewCodec(t *testing.T) {
	for _, name := range []string{"json", "cbor", "proto", ""} {
		if _, err := NewCodec(name); err != nil {
			t.Fatalf("codec %q: %v", name, err)
		}
	}
	if _, err := NewCodec("xml"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}
