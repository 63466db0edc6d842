package journal

import (
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAssignsIdentity(t *testing.T) {
	j := New(4)

	stored := j.Record(Exchange{Method: http.MethodGet, URL: "/a"})
	assert.NotEqual(t, uuid.Nil, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())

	got, ok := j.Get(stored.ID)
	require.True(t, ok)
	assert.Equal(t, stored, got)
}

func TestRecordKeepsProvidedID(t *testing.T) {
	j := New(4)
	id := uuid.New()

	stored := j.Record(Exchange{ID: id, URL: "/a"})
	assert.Equal(t, id, stored.ID)
}

func TestListNewestFirstAndEvictsOldest(t *testing.T) {
	j := New(3)
	for i := 0; i < 5; i++ {
		j.Record(Exchange{Method: http.MethodGet, URL: fmt.Sprintf("/item/%d", i)})
	}

	require.Equal(t, 3, j.Len())
	list := j.List(Filter{})
	require.Len(t, list, 3)
	assert.Equal(t, "/item/4", list[0].URL)
	assert.Equal(t, "/item/3", list[1].URL)
	assert.Equal(t, "/item/2", list[2].URL)
}

func TestGetMissingAfterEviction(t *testing.T) {
	j := New(1)
	first := j.Record(Exchange{URL: "/first"})
	j.Record(Exchange{URL: "/second"})

	_, ok := j.Get(first.ID)
	assert.False(t, ok)
}

func TestFilter(t *testing.T) {
	j := New(10)
	j.Record(Exchange{Method: http.MethodPost, URL: "http://upstream/orders?x=1", RequestBody: `{"order":{"id":"42","qty":2}}`})
	j.Record(Exchange{Method: http.MethodPost, URL: "/orders/7", RequestBody: `{"order":{"id":"7"}}`})
	j.Record(Exchange{Method: http.MethodGet, URL: "/users", RequestBody: ""})
	j.Record(Exchange{Method: http.MethodPut, URL: "/orders/9", RequestBody: "not json"})

	testCases := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 4},
		{name: "method case insensitive", filter: Filter{Method: "post"}, want: 2},
		{name: "path prefix", filter: Filter{PathPrefix: "/orders"}, want: 3},
		{name: "body path exists", filter: Filter{BodyPath: "order.id"}, want: 2},
		{name: "body path equals", filter: Filter{BodyPath: "order.id", BodyEquals: "42"}, want: 1},
		{name: "body path numeric", filter: Filter{BodyPath: "order.qty", BodyEquals: "2"}, want: 1},
		{name: "combined", filter: Filter{Method: http.MethodPost, PathPrefix: "/orders/", BodyPath: "order.id"}, want: 1},
		{name: "no match", filter: Filter{BodyPath: "missing"}, want: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Len(t, j.List(tc.filter), tc.want)
		})
	}
}

func TestReturnedExchangesDoNotAlias(t *testing.T) {
	j := New(2)
	header := http.Header{"X-Test": []string{"one"}}
	stored := j.Record(Exchange{URL: "/a", RequestHeader: header})

	header.Set("X-Test", "mutated")
	stored.RequestHeader.Set("X-Test", "mutated")

	got, ok := j.Get(stored.ID)
	require.True(t, ok)
	assert.Equal(t, "one", got.RequestHeader.Get("X-Test"))
}

func TestReset(t *testing.T) {
	j := New(2)
	j.Record(Exchange{URL: "/a"})
	j.Record(Exchange{URL: "/b"})

	j.Reset()
	assert.Equal(t, 0, j.Len())
	assert.Empty(t, j.List(Filter{}))

	j.Record(Exchange{URL: "/c"})
	list := j.List(Filter{})
	require.Len(t, list, 1)
	assert.Equal(t, "/c", list[0].URL)
}

func TestNewDefaultsCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Capacity())
}

func TestConcurrentRecord(t *testing.T) {
	j := New(50)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 25; n++ {
				j.Record(Exchange{URL: "/concurrent"})
				_ = j.List(Filter{PathPrefix: "/concurrent"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, j.Len())
}
