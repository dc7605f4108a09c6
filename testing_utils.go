package davsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

// Mock types for testing

type propfindFunc func(ctx context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error)
type reportFunc func(ctx context.Context, url string, depth int, body []byte) (*xml.MultistatusResponse, error)
type optionsFunc func(ctx context.Context, url string) (string, int, error)
type putFunc func(ctx context.Context, url string, data []byte, ifMatch string, ifNoneMatchAny bool) (string, int, error)
type deleteFunc func(ctx context.Context, url string, ifMatch string) (int, error)
type headFunc func(ctx context.Context, url string) (int, error)
type getFunc func(ctx context.Context, url string) ([]byte, string, int, error)
type postFunc func(ctx context.Context, url string, contentType string, headers map[string]string, body []byte) ([]byte, int, error)

type mockHTTPClient struct {
	doPropfind propfindFunc
	doReport   reportFunc
	doOptions  optionsFunc
	doPut      putFunc
	doDelete   deleteFunc
	doHead     headFunc
	doGet      getFunc
	doPost     postFunc

	mu       sync.Mutex
	requests []string
}

func (m *mockHTTPClient) record(method, url string) {
	m.mu.Lock()
	m.requests = append(m.requests, method+" "+url)
	m.mu.Unlock()
}

func (m *mockHTTPClient) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockHTTPClient) DoPROPFIND(ctx context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
	m.record("PROPFIND", url)
	if m.doPropfind != nil {
		return m.doPropfind(ctx, url, depth, props...)
	}
	return nil, fmt.Errorf("unexpected PROPFIND %s", url)
}

func (m *mockHTTPClient) DoREPORT(ctx context.Context, url string, depth int, body []byte) (*xml.MultistatusResponse, error) {
	m.record("REPORT", url)
	if m.doReport != nil {
		return m.doReport(ctx, url, depth, body)
	}
	return nil, fmt.Errorf("unexpected REPORT %s", url)
}

func (m *mockHTTPClient) DoOPTIONS(ctx context.Context, url string) (string, int, error) {
	m.record("OPTIONS", url)
	if m.doOptions != nil {
		return m.doOptions(ctx, url)
	}
	return "", 200, nil
}

func (m *mockHTTPClient) DoPUT(ctx context.Context, url string, data []byte, ifMatch string, ifNoneMatchAny bool) (string, int, error) {
	m.record("PUT", url)
	if m.doPut != nil {
		return m.doPut(ctx, url, data, ifMatch, ifNoneMatchAny)
	}
	return "", 0, fmt.Errorf("unexpected PUT %s", url)
}

func (m *mockHTTPClient) DoDELETE(ctx context.Context, url string, ifMatch string) (int, error) {
	m.record("DELETE", url)
	if m.doDelete != nil {
		return m.doDelete(ctx, url, ifMatch)
	}
	return 0, fmt.Errorf("unexpected DELETE %s", url)
}

func (m *mockHTTPClient) DoHEAD(ctx context.Context, url string) (int, error) {
	m.record("HEAD", url)
	if m.doHead != nil {
		return m.doHead(ctx, url)
	}
	return 0, fmt.Errorf("unexpected HEAD %s", url)
}

func (m *mockHTTPClient) DoGET(ctx context.Context, url string) ([]byte, string, int, error) {
	m.record("GET", url)
	if m.doGet != nil {
		return m.doGet(ctx, url)
	}
	return nil, "", 0, fmt.Errorf("unexpected GET %s", url)
}

func (m *mockHTTPClient) DoPOST(ctx context.Context, url string, contentType string, headers map[string]string, body []byte) ([]byte, int, error) {
	m.record("POST", url)
	if m.doPost != nil {
		return m.doPost(ctx, url, contentType, headers, body)
	}
	return nil, 0, fmt.Errorf("unexpected POST %s", url)
}

// memStore is a minimal in-memory Store for package tests.
type memStore struct {
	mu       sync.Mutex
	items    map[string][]byte
	metadata map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		items:    make(map[string][]byte),
		metadata: make(map[string]string),
	}
}

func (s *memStore) GetItem(_ context.Context, uid string) (*Item, error) {
	s.mu.Lock()
	data, ok := s.items[uid]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, uid)
	}
	return DecodeItem(data)
}

func (s *memStore) GetItems(_ context.Context) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*Item
	for _, data := range s.items {
		item, err := DecodeItem(data)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *memStore) AddItem(_ context.Context, item *Item) error    { return s.put(item) }
func (s *memStore) ModifyItem(_ context.Context, item *Item) error { return s.put(item) }

func (s *memStore) put(item *Item) error {
	data, err := item.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[item.UID] = data
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteItem(_ context.Context, uid string) error {
	s.mu.Lock()
	delete(s.items, uid)
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetMetadata(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[key], nil
}

func (s *memStore) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteMetadata(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.metadata, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) AllMetadata(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for key, value := range s.metadata {
		if strings.HasPrefix(key, prefix) {
			out[key] = value
		}
	}
	return out, nil
}

func (s *memStore) BeginBatch(_ context.Context) error { return nil }
func (s *memStore) EndBatch(_ context.Context) error   { return nil }

// newTestCalendar wires a calendar around a mock HTTP client and an
// in-memory store. The caller owns Close.
func newTestCalendar(id, uri string, mock *mockHTTPClient, ep *Endpoint) (*Calendar, *memStore) {
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if ep == nil {
		ep = &Endpoint{
			CalendarURI:         uri,
			SupportedComponents: []string{CompEvent, CompTodo},
		}
	}
	c := &Calendar{
		id:       id,
		uri:      uri,
		cfg:      Config{URI: uri},
		http:     mock,
		cache:    NewOfflineCache(store, logger),
		logger:   logger,
		observer: nopObserver{},
		resolver: AcceptServerResolver{},
		endpoint: ep,
	}
	registerCalendar(c)
	return c, store
}

// mustParseMultistatus parses a multistatus fixture or panics.
func mustParseMultistatus(body string) *xml.MultistatusResponse {
	ms, err := xml.ParseMultistatus([]byte(body))
	if err != nil {
		panic(err)
	}
	return ms
}
