package feed

import (
	"testing"
	"time"

	"stockstream/internal/model"
)

func TestParseFrame_Trade(t *testing.T) {
	data := []byte(`[{"T":"t","S":"AAPL","p":150.25,"s":100,"t":"2025-10-11T14:30:15.123456789Z","c":["@","I"],"x":"V","z":"C"}]`)

	msgs, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindTrade {
		t.Fatalf("expected one trade, got %+v", msgs)
	}
	tr := msgs[0].Trade
	if tr.Symbol != "AAPL" || tr.Price != 150.25 || tr.Size != 100 {
		t.Errorf("trade fields wrong: %+v", tr)
	}
	want := time.Date(2025, 10, 11, 14, 30, 15, 123456789, time.UTC)
	if !tr.EventTime.Equal(want) {
		t.Errorf("expected ns-precision time %v, got %v", want, tr.EventTime)
	}
	if len(tr.Conditions) != 2 || tr.Exchange != "V" || tr.Tape != "C" {
		t.Errorf("trade metadata wrong: %+v", tr)
	}
}

func TestParseFrame_MixedBatch(t *testing.T) {
	data := []byte(`[
		{"T":"q","S":"MSFT","bp":420.1,"bs":2,"ap":420.3,"as":1,"t":"2025-10-11T14:30:00Z"},
		{"T":"b","S":"MSFT","o":420,"h":421,"l":419,"c":420.5,"v":5000,"t":"2025-10-11T14:29:30Z"},
		{"T":"n","id":12345,"headline":"MSFT ships","summary":"s","created_at":"2025-10-11T14:00:00Z","url":"https://example.com","source":"wire","symbols":["MSFT"]},
		{"T":"subscription","trades":["MSFT"]}
	]`)

	msgs, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Kind != KindQuote || msgs[0].Quote.BidPrice != 420.1 {
		t.Errorf("quote wrong: %+v", msgs[0])
	}
	if msgs[1].Kind != KindBar || msgs[1].Bar.Close != 420.5 {
		t.Errorf("bar wrong: %+v", msgs[1])
	}
	// Bar timestamps are floored to the minute.
	if !msgs[1].Bar.BucketStart.Equal(time.Date(2025, 10, 11, 14, 29, 0, 0, time.UTC)) {
		t.Errorf("bar bucket not minute-aligned: %v", msgs[1].Bar.BucketStart)
	}
	if msgs[2].Kind != KindNews || msgs[2].News.ID != "12345" || msgs[2].News.Headline != "MSFT ships" {
		t.Errorf("news wrong: %+v", msgs[2])
	}
	if msgs[3].Kind != KindControl || msgs[3].Control.Type != "subscription" {
		t.Errorf("control wrong: %+v", msgs[3])
	}
}

func TestParseFrame_UnknownTypeTag(t *testing.T) {
	msgs, err := ParseFrame([]byte(`[{"T":"x","whatever":1}]`))
	if err != nil {
		t.Fatalf("unknown types must not fail the frame: %v", err)
	}
	if msgs[0].Kind != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", msgs[0].Kind)
	}
}

func TestParseFrame_UnknownFieldsIgnored(t *testing.T) {
	msgs, err := ParseFrame([]byte(`[{"T":"t","S":"AAPL","p":1,"s":1,"t":"2025-10-11T14:30:00Z","brand_new_field":{"a":1}}]`))
	if err != nil {
		t.Fatalf("unknown fields must be ignored: %v", err)
	}
	if msgs[0].Kind != KindTrade {
		t.Errorf("expected trade, got %v", msgs[0].Kind)
	}
}

func TestParseFrame_BareControlObject(t *testing.T) {
	msgs, err := ParseFrame([]byte(`{"T":"success","msg":"connected"}`))
	if err != nil {
		t.Fatalf("bare control object: %v", err)
	}
	if msgs[0].Kind != KindControl || msgs[0].Control.Msg != "connected" {
		t.Errorf("control wrong: %+v", msgs[0])
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	if _, err := ParseFrame([]byte(`{{{`)); err == nil {
		t.Fatal("expected malformed frame error")
	}
}

func TestParseFrame_StringNewsID(t *testing.T) {
	msgs, err := ParseFrame([]byte(`[{"T":"n","id":"abc-1","headline":"h","created_at":"2025-10-11T14:00:00Z"}]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msgs[0].News.ID != "abc-1" {
		t.Errorf("expected string id preserved, got %q", msgs[0].News.ID)
	}
}

func TestBuildFrame(t *testing.T) {
	set := map[model.Channel]map[string]struct{}{
		model.ChannelTrades: {"AAPL": {}, "MSFT": {}},
		model.ChannelNews:   {"*": {}},
		model.ChannelQuotes: {},
	}
	frame, ok := buildFrame("subscribe", set)
	if !ok {
		t.Fatal("expected non-empty frame")
	}
	if frame.Action != "subscribe" || len(frame.Trades) != 2 || len(frame.News) != 1 {
		t.Errorf("frame wrong: %+v", frame)
	}
	if frame.Quotes != nil {
		t.Errorf("empty channel must be omitted, got %v", frame.Quotes)
	}

	if _, ok := buildFrame("subscribe", nil); ok {
		t.Error("empty set must not build a frame")
	}
}
