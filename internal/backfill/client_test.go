package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	from = time.Date(2025, 10, 10, 14, 0, 0, 0, time.UTC)
	to   = time.Date(2025, 10, 11, 14, 0, 0, 0, time.UTC)
)

func TestFetchBars_RowOriented(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		require.Equal(t, "1Min", r.URL.Query().Get("timeframe"))
		fmt.Fprint(w, `{"bars":[
			{"t":"2025-10-11T13:58:12Z","o":150,"h":151,"l":149.5,"c":150.5,"v":1200,"n":34,"vw":150.2},
			{"t":"2025-10-11T13:59:00Z","o":150.5,"h":150.9,"l":150.1,"c":150.7,"v":800,"n":21,"vw":150.6}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	bars, err := c.FetchBars(context.Background(), "AAPL", from, to)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	// Timestamps are floored to the minute.
	require.Equal(t, time.Date(2025, 10, 11, 13, 58, 0, 0, time.UTC), bars[0].BucketStart)
	require.Equal(t, 150.0, bars[0].Open)
	require.Equal(t, uint64(1200), bars[0].Volume)
	require.Equal(t, uint64(34), bars[0].TradeCount)
	require.Equal(t, 150.2, bars[0].VWAP)
	require.Equal(t, "AAPL", bars[1].Symbol)
}

func TestFetchBars_ColumnOriented(t *testing.T) {
	ts := time.Date(2025, 10, 11, 13, 30, 0, 0, time.UTC).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"t": []int64{ts, ts + 60},
			"o": []float64{10, 11},
			"h": []float64{12, 13},
			"l": []float64{9, 10},
			"c": []float64{11, 12},
			"v": []uint64{100, 200},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	bars, err := c.FetchBars(context.Background(), "MSFT", from, to)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.Equal(t, 11.0, bars[1].Open)
	require.Equal(t, uint64(200), bars[1].Volume)
}

func TestFetchBars_DropsBarsOutsideWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bars":[
			{"t":"2025-10-09T10:00:00Z","o":1,"h":1,"l":1,"c":1,"v":1},
			{"t":"2025-10-11T13:00:00Z","o":2,"h":2,"l":2,"c":2,"v":2}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	bars, err := c.FetchBars(context.Background(), "AAPL", from, to)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Equal(t, 2.0, bars[0].Open)
}

func TestFetchBars_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"bars":[{"t":"2025-10-11T13:00:00Z","o":5,"h":5,"l":5,"c":5,"v":5}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	bars, err := c.FetchBars(context.Background(), "AAPL", from, to)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchBars_ClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	_, err := c.FetchBars(context.Background(), "AAPL", from, to)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "4xx must not retry")
}

func TestFetchBars_FollowsPagination(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			require.Empty(t, r.URL.Query().Get("page_token"))
			fmt.Fprint(w, `{"bars":[{"t":"2025-10-11T12:00:00Z","o":1,"h":1,"l":1,"c":1,"v":1}],"next_page_token":"abc"}`)
		default:
			require.Equal(t, "abc", r.URL.Query().Get("page_token"))
			fmt.Fprint(w, `{"bars":[{"t":"2025-10-11T12:01:00Z","o":2,"h":2,"l":2,"c":2,"v":2}]}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	bars, err := c.FetchBars(context.Background(), "AAPL", from, to)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.EqualValues(t, 2, calls.Load())
}
