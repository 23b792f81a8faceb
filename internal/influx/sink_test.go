package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// fakeInflux answers ping and records write bodies.
type fakeInflux struct {
	mu        sync.Mutex
	writes    []string
	queries   []string
	writeCode int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.queries = append(f.queries, r.URL.RawQuery)
		code := f.writeCode
		f.mu.Unlock()
		if code == 0 {
			code = http.StatusNoContent
		}
		if code >= 300 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"unauthorized access"}`))
			return
		}
		w.WriteHeader(code)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type SinkTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	fake   *fakeInflux
	server *httptest.Server
}

func (s *SinkTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.fake = &fakeInflux{}
	s.server = httptest.NewServer(s.fake)
}

func (s *SinkTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *SinkTestSuite) connect() *Sink {
	sink, err := Connect(context.Background(), Options{
		URL:    s.server.URL,
		Token:  "token",
		Org:    "home",
		Bucket: "batteries",
	}, s.helper.Logger)
	s.Require().NoError(err)
	sink.now = func() time.Time { return time.Unix(1714564800, 0) }
	s.T().Cleanup(func() { _ = sink.Close() })
	return sink
}

func (s *SinkTestSuite) TestWriteReading() {
	// GOAL: Verify a reading becomes one line-protocol point with tags and typed fields
	//
	// TEST SCENARIO: bm6 "Car" 12.84 V 87 % -3 °C → battery,address=...,model=bm6,name=Car soc=87i,temperature=-3i,voltage=12.84

	sink := s.connect()
	rec := device.Record{Address: "a4:c1:38:00:11:22", Model: device.ModelBM6, Name: "Car"}
	s.Require().NoError(sink.WriteReading(context.Background(), rec, device.Reading{Voltage: 12.84, StateOfCharge: 87, Temperature: -3}))

	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	s.Require().Len(s.fake.writes, 1, "MUST write exactly once")
	s.Equal("battery,address=a4:c1:38:00:11:22,model=bm6,name=Car soc=87i,temperature=-3i,voltage=12.84 1714564800000000000",
		strings.TrimSpace(s.fake.writes[0]), "point MUST carry tags and fields")
	s.Contains(s.fake.queries[0], "bucket=batteries", "MUST write into the configured bucket")
	s.Contains(s.fake.queries[0], "org=home", "MUST write into the configured org")
}

func (s *SinkTestSuite) TestWriteFailure() {
	// GOAL: Verify a rejected write surfaces as ErrWriteFailed
	//
	// TEST SCENARIO: Server answers 401 → ErrWriteFailed naming the device

	sink := s.connect()
	s.fake.mu.Lock()
	s.fake.writeCode = http.StatusUnauthorized
	s.fake.mu.Unlock()

	err := sink.WriteReading(context.Background(), device.Record{Address: "a4:c1:38:00:11:22"}, device.Reading{})
	s.Require().Error(err)
	s.ErrorIs(err, ErrWriteFailed, "MUST wrap ErrWriteFailed")
	s.Contains(err.Error(), "a4:c1:38:00:11:22")
}

func (s *SinkTestSuite) TestConnectFailure() {
	// GOAL: Verify an unreachable server fails Connect
	//
	// TEST SCENARIO: Server closed before connect → ErrConnectionFailed

	s.server.Close()
	_, err := Connect(context.Background(), Options{URL: s.server.URL}, s.helper.Logger)
	s.ErrorIs(err, ErrConnectionFailed, "MUST wrap ErrConnectionFailed")
}

func (s *SinkTestSuite) TestPointWithoutName() {
	// GOAL: Verify an unnamed device gets no name tag
	//
	// TEST SCENARIO: Record without name → tags address and model only

	p := NewPoint("battery", device.Record{Address: "aa", Model: device.ModelBM7}, device.Reading{}, time.Unix(0, 0))
	tags := map[string]string{}
	for _, t := range p.TagList() {
		tags[t.Key] = t.Value
	}
	s.Equal(map[string]string{"address": "aa", "model": "bm7"}, tags)
}

func TestSinkTestSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}
