package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// NodeID is the random identity a peer draws at startup.
type NodeID int64

// TxID identifies a challenge transaction.
type TxID int64

// NoWinner marks a transaction whose winner is not known yet.
const NoWinner NodeID = -1

func (id NodeID) String() string { return strconv.FormatInt(int64(id), 10) }

// ErrMalformed is returned when a payload lacks a required field or carries a wrongly typed one.
var ErrMalformed = errors.New("protocol: malformed message")

// Kind names a message type. The value doubles as the topic suffix.
type Kind string

const (
	KindDiscovery Kind = "init"
	KindElection  Kind = "voting"
	KindChallenge Kind = "challenge"
	KindSolution  Kind = "solution"
	KindResult    Kind = "result"
)

// Kinds lists every kind a node subscribes to.
var Kinds = []Kind{KindDiscovery, KindElection, KindChallenge, KindSolution, KindResult}

// Wire field names.
const (
	FieldClientID      = "ClientID"
	FieldVoteID        = "VoteID"
	FieldTransactionID = "TransactionID"
	FieldChallenge     = "Challenge"
	FieldSolution      = "Solution"
	FieldResult        = "Result"
)

// Message is any of the five protocol messages.
type Message interface {
	Kind() Kind
}

// Discovery announces a node's presence.
type Discovery struct {
	ClientID NodeID
}

// Vote carries a node's election ballot.
type Vote struct {
	ClientID NodeID
	VoteID   int64
}

// Challenge opens a transaction with a difficulty parameter.
type Challenge struct {
	TransactionID TxID
	Parameter     int64
}

// Solution is a miner's candidate for a transaction.
type Solution struct {
	ClientID      NodeID
	TransactionID TxID
	Candidate     string
}

// Result is the leader's verdict on a solution.
type Result struct {
	ClientID      NodeID
	TransactionID TxID
	Candidate     string
	Accepted      bool
}

func (Discovery) Kind() Kind { return KindDiscovery }
func (Vote) Kind() Kind      { return KindElection }
func (Challenge) Kind() Kind { return KindChallenge }
func (Solution) Kind() Kind  { return KindSolution }
func (Result) Kind() Kind    { return KindResult }

// Publisher sends typed messages on the bus.
type Publisher interface {
	Send(ctx context.Context, msg Message) error
}

// fields flattens a message into its wire map.
func fields(msg Message) (map[string]any, error) {
	switch m := msg.(type) {
	case Discovery:
		return map[string]any{FieldClientID: int64(m.ClientID)}, nil
	case Vote:
		return map[string]any{FieldClientID: int64(m.ClientID), FieldVoteID: m.VoteID}, nil
	case Challenge:
		return map[string]any{FieldTransactionID: int64(m.TransactionID), FieldChallenge: m.Parameter}, nil
	case Solution:
		return map[string]any{
			FieldClientID:      int64(m.ClientID),
			FieldTransactionID: int64(m.TransactionID),
			FieldSolution:      m.Candidate,
		}, nil
	case Result:
		var accepted int64
		if m.Accepted {
			accepted = 1
		}
		return map[string]any{
			FieldClientID:      int64(m.ClientID),
			FieldTransactionID: int64(m.TransactionID),
			FieldSolution:      m.Candidate,
			FieldResult:        accepted,
		}, nil
	default:
		return nil, fmt.Errorf("protocol: unsupported message %T", msg)
	}
}

// fieldReader is the codec-specific view over a decoded payload.
type fieldReader interface {
	Int(key string) (int64, bool)
	String(key string) (string, bool)
}

// fromFields rebuilds a message of the given kind, failing with ErrMalformed on a missing field.
func fromFields(kind Kind, r fieldReader) (Message, error) {
	mustInt := func(key string) (int64, error) {
		v, ok := r.Int(key)
		if !ok {
			return 0, fmt.Errorf("%w: %s: field %s", ErrMalformed, kind, key)
		}
		return v, nil
	}
	mustString := func(key string) (string, error) {
		v, ok := r.String(key)
		if !ok {
			return "", fmt.Errorf("%w: %s: field %s", ErrMalformed, kind, key)
		}
		return v, nil
	}

	switch kind {
	case KindDiscovery:
		id, err := mustInt(FieldClientID)
		if err != nil {
			return nil, err
		}
		return Discovery{ClientID: NodeID(id)}, nil

	case KindElection:
		id, err := mustInt(FieldClientID)
		if err != nil {
			return nil, err
		}
		vote, err := mustInt(FieldVoteID)
		if err != nil {
			return nil, err
		}
		return Vote{ClientID: NodeID(id), VoteID: vote}, nil

	case KindChallenge:
		tx, err := mustInt(FieldTransactionID)
		if err != nil {
			return nil, err
		}
		param, err := mustInt(FieldChallenge)
		if err != nil {
			return nil, err
		}
		return Challenge{TransactionID: TxID(tx), Parameter: param}, nil

	case KindSolution:
		id, err := mustInt(FieldClientID)
		if err != nil {
			return nil, err
		}
		tx, err := mustInt(FieldTransactionID)
		if err != nil {
			return nil, err
		}
		cand, err := mustString(FieldSolution)
		if err != nil {
			return nil, err
		}
		return Solution{ClientID: NodeID(id), TransactionID: TxID(tx), Candidate: cand}, nil

	case KindResult:
		id, err := mustInt(FieldClientID)
		if err != nil {
			return nil, err
		}
		tx, err := mustInt(FieldTransactionID)
		if err != nil {
			return nil, err
		}
		cand, err := mustString(FieldSolution)
		if err != nil {
			return nil, err
		}
		res, err := mustInt(FieldResult)
		if err != nil {
			return nil, err
		}
		if res != 0 && res != 1 {
			return nil, fmt.Errorf("%w: %s: field %s=%d", ErrMalformed, kind, FieldResult, res)
		}
		return Result{ClientID: NodeID(id), TransactionID: TxID(tx), Candidate: cand, Accepted: res == 1}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
	}
}
