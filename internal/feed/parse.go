package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"stockstream/internal/model"
)

// Kind discriminates the typed message variants of the upstream wire.
type Kind int

const (
	KindUnknown Kind = iota
	KindTrade
	KindQuote
	KindBar
	KindNews
	KindControl
)

// Control is a non-data message: auth acks, subscription confirmations,
// errors.
type Control struct {
	Type string // "success", "error", "subscription"
	Msg  string
	Code int
}

// Message is one parsed upstream message.
type Message struct {
	Kind    Kind
	Trade   model.Trade
	Quote   model.Quote
	Bar     model.Bar
	News    model.NewsItem
	Control Control
}

// The provider reuses short field names with different types per message
// kind ("c" is the condition list on trades but the close price on bars),
// so each element is decoded twice: once for its tag, once as its own shape.

type rawTrade struct {
	S  string   `json:"S"`
	P  float64  `json:"p"`
	Sz uint64   `json:"s"`
	Ts string   `json:"t"`
	C  []string `json:"c"`
	X  string   `json:"x"`
	Z  string   `json:"z"`
}

type rawQuote struct {
	S  string  `json:"S"`
	BP float64 `json:"bp"`
	BS uint64  `json:"bs"`
	AP float64 `json:"ap"`
	AS uint64  `json:"as"`
	Ts string  `json:"t"`
}

type rawBar struct {
	S  string  `json:"S"`
	O  float64 `json:"o"`
	H  float64 `json:"h"`
	L  float64 `json:"l"`
	C  float64 `json:"c"`
	V  uint64  `json:"v"`
	Ts string  `json:"t"`
}

type rawNews struct {
	ID        json.RawMessage `json:"id"` // number or string
	Headline  string          `json:"headline"`
	Summary   string          `json:"summary"`
	CreatedAt string          `json:"created_at"`
	URL       string          `json:"url"`
	Source    string          `json:"source"`
	Symbols   []string        `json:"symbols"`
}

type rawControl struct {
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

// ParseFrame decodes one inbound frame into typed messages. A frame that is
// not valid JSON fails as malformed; individual messages with unknown type
// tags come back as KindUnknown for the caller to count and drop.
func ParseFrame(data []byte) ([]Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		// Some providers send bare objects for control messages.
		var probe struct {
			T string `json:"T"`
		}
		if err2 := json.Unmarshal(data, &probe); err2 != nil {
			return nil, fmt.Errorf("feed: malformed frame: %w", err)
		}
		elems = []json.RawMessage{data}
	}

	out := make([]Message, 0, len(elems))
	for _, e := range elems {
		msg, err := parseOne(e)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func parseOne(data json.RawMessage) (Message, error) {
	// The tag is looked up by exact key: a struct probe would also bind the
	// lowercase "t" timestamp through encoding/json's case-insensitive match.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("feed: malformed message: %w", err)
	}
	var tag struct{ T string }
	if raw, ok := fields["T"]; ok {
		if err := json.Unmarshal(raw, &tag.T); err != nil {
			return Message{}, fmt.Errorf("feed: malformed message: %w", err)
		}
	}

	switch tag.T {
	case "t":
		var r rawTrade
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, fmt.Errorf("feed: malformed trade: %w", err)
		}
		return Message{Kind: KindTrade, Trade: model.Trade{
			Symbol:     r.S,
			Price:      r.P,
			Size:       r.Sz,
			EventTime:  parseTime(r.Ts),
			Conditions: r.C,
			Exchange:   r.X,
			Tape:       r.Z,
		}}, nil
	case "q":
		var r rawQuote
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, fmt.Errorf("feed: malformed quote: %w", err)
		}
		return Message{Kind: KindQuote, Quote: model.Quote{
			Symbol:    r.S,
			BidPrice:  r.BP,
			BidSize:   r.BS,
			AskPrice:  r.AP,
			AskSize:   r.AS,
			EventTime: parseTime(r.Ts),
		}}, nil
	case "b":
		var r rawBar
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, fmt.Errorf("feed: malformed bar: %w", err)
		}
		return Message{Kind: KindBar, Bar: model.Bar{
			Symbol:      r.S,
			BucketStart: model.MinuteStart(parseTime(r.Ts)),
			Open:        r.O,
			High:        r.H,
			Low:         r.L,
			Close:       r.C,
			Volume:      r.V,
		}}, nil
	case "n":
		var r rawNews
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, fmt.Errorf("feed: malformed news: %w", err)
		}
		id := string(r.ID)
		var s string
		if json.Unmarshal(r.ID, &s) == nil {
			id = s
		}
		return Message{Kind: KindNews, News: model.NewsItem{
			ID:          id,
			Symbols:     r.Symbols,
			Headline:    r.Headline,
			Summary:     r.Summary,
			Source:      r.Source,
			URL:         r.URL,
			PublishedAt: parseTime(r.CreatedAt),
		}}, nil
	case "success", "error", "subscription":
		var r rawControl
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, fmt.Errorf("feed: malformed control: %w", err)
		}
		return Message{Kind: KindControl, Control: Control{Type: tag.T, Msg: r.Msg, Code: r.Code}}, nil
	default:
		return Message{Kind: KindUnknown}, nil
	}
}

// parseTime accepts RFC-3339 with or without sub-second precision; a
// missing or unparseable timestamp falls back to now so a single bad field
// does not drop the tick.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
