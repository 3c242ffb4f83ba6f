package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/store"
)

const ref = "users/A"

type trackerSuite struct {
	suite.Suite
	ctx     context.Context
	store   *store.MemoryStore
	tracker *Tracker
	logs    *bytes.Buffer
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(trackerSuite))
}

func (s *trackerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewMemoryStore()
	s.logs = &bytes.Buffer{}
	s.tracker = NewTracker(s.store, log.NewLogger("test", s.logs))
	s.Require().NoError(s.store.Set(s.ctx, ref, document.Record{"name": "ann"}))
}

func (s *trackerSuite) check(id string, maxRetries *int) (Result, error) {
	return s.tracker.Check(s.ctx, ref, PrefixOnCreate, id, maxRetries)
}

func (s *trackerSuite) TestScenario() {
	maxRetries := lo.ToPtr(2)

	res, err := s.check("e1", maxRetries)
	s.Require().NoError(err)
	s.False(res.HasBeenProcessed)
	s.Equal(First, res.Outcome)
	s.Equal("e1", res.Document["_onCreateEventId"])
	s.Equal(0, res.Document["_onCreateRetries"])

	res, err = s.check("e1", maxRetries)
	s.Require().NoError(err)
	s.True(res.HasBeenProcessed)
	s.Equal("ann", res.Document["name"])

	res, err = s.check("e2", maxRetries)
	s.Require().NoError(err)
	s.False(res.HasBeenProcessed)
	s.Equal(1, res.Document["_onCreateRetries"])

	res, err = s.check("e3", maxRetries)
	s.Require().NoError(err)
	s.False(res.HasBeenProcessed)
	s.Equal(2, res.Document["_onCreateRetries"])

	_, err = s.check("e4", maxRetries)
	s.Require().ErrorIs(err, ErrMaxRetriesReached)
	var maxErr *MaxRetriesReachedError
	s.Require().True(errors.As(err, &maxErr))
	s.Equal(3, maxErr.Retries)
	s.Equal(2, maxErr.MaxRetries)

	doc, err := s.store.Get(s.ctx, ref)
	s.Require().NoError(err)
	s.Equal(true, doc["_onCreateMaxRetriesReached"])
	s.Equal(Exhausted, ReadState(doc, PrefixOnCreate).Phase)

	// further deliveries keep failing
	_, err = s.check("e5", maxRetries)
	s.ErrorIs(err, ErrMaxRetriesReached)
}

func (s *trackerSuite) TestUnboundedRetries() {
	for i := 0; i < 20; i++ {
		res, err := s.check(fmt.Sprintf("e%d", i), nil)
		s.Require().NoError(err)
		s.False(res.HasBeenProcessed)
		s.Equal(i, res.State.Retries)
	}
}

func (s *trackerSuite) TestRetriedDeliveryIsRecognised() {
	_, err := s.check("e1", nil)
	s.Require().NoError(err)
	_, err = s.check("e2", nil)
	s.Require().NoError(err)

	res, err := s.check("e2", nil)
	s.Require().NoError(err)
	s.True(res.HasBeenProcessed)
	s.Equal(1, res.State.Retries)
}

func (s *trackerSuite) TestZeroRetries() {
	_, err := s.check("e1", lo.ToPtr(0))
	s.Require().NoError(err)
	_, err = s.check("e2", lo.ToPtr(0))
	s.ErrorIs(err, ErrMaxRetriesReached)
}

func (s *trackerSuite) TestConcurrentDuplicates() {
	var first atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.check("same", lo.ToPtr(3))
			s.NoError(err)
			if !res.HasBeenProcessed {
				first.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), first.Load())
}

func (s *trackerSuite) TestMissingDocument() {
	_, err := s.tracker.Check(s.ctx, "users/ghost", PrefixOnCreate, "e1", nil)
	s.ErrorIs(err, store.ErrNotFound)
	s.NotErrorIs(err, ErrMaxRetriesReached)
}

func (s *trackerSuite) TestFlagWriteFailure() {
	_, err := s.check("e1", lo.ToPtr(0))
	s.Require().NoError(err)

	var calls atomic.Int32
	s.store.BeforeUpdate = func(string) error {
		if calls.Add(1) > 1 {
			return errors.New("write refused")
		}
		return nil
	}

	_, err = s.check("e2", lo.ToPtr(0))
	s.ErrorIs(err, ErrMaxRetriesReached)
	s.Contains(s.logs.String(), "CRITICAL")
	s.Contains(s.logs.String(), "write refused")

	doc, _ := s.store.Get(s.ctx, ref)
	s.Nil(doc["_onCreateMaxRetriesReached"])
}

func (s *trackerSuite) TestResetAndClear() {
	_, err := s.check("e1", nil)
	s.Require().NoError(err)
	_, err = s.check("e2", nil)
	s.Require().NoError(err)

	s.Require().NoError(s.tracker.Reset(s.ctx, ref, PrefixOnCreate))
	doc, _ := s.store.Get(s.ctx, ref)
	s.Nil(doc["_onCreateEventId"])
	s.Equal(1, doc["_onCreateRetries"])
	s.False(Cleared(doc, PrefixOnCreate))

	s.Require().NoError(s.tracker.Clear(s.ctx, ref, PrefixOnCreate))
	doc, _ = s.store.Get(s.ctx, ref)
	s.True(Cleared(doc, PrefixOnCreate))
	s.Equal(Unset, ReadState(doc, PrefixOnCreate).Phase)
}

func TestNext(t *testing.T) {
	st, out := Next(State{}, "a", nil)
	assert.Equal(t, First, out)
	assert.Equal(t, State{Phase: Tracking, EventID: "a"}, st)

	_, out = Next(st, "a", nil)
	assert.Equal(t, Duplicate, out)

	st, out = Next(st, "b", lo.ToPtr(1))
	assert.Equal(t, Retry, out)
	assert.Equal(t, State{Phase: Tracking, EventID: "b", Retries: 1}, st)

	st, out = Next(st, "c", lo.ToPtr(1))
	assert.Equal(t, BudgetExceeded, out)
	assert.Equal(t, State{Phase: Exhausted, EventID: "b", Retries: 2}, st)
}

func TestReadState(t *testing.T) {
	assert.Equal(t, State{}, ReadState(document.Record{}, PrefixOnCreate))

	st := ReadState(document.Record{
		"_onCreateEventId":           "x",
		"_onCreateRetries":           float64(4),
		"_onCreateMaxRetriesReached": true,
	}, PrefixOnCreate)
	assert.Equal(t, State{Phase: Exhausted, EventID: "x", Retries: 4}, st)

	doc := st.Apply(document.Record{"k": "v"}, "_onDelete")
	require.Equal(t, "x", doc["_onDeleteEventId"])
	assert.Equal(t, 4, doc["_onDeleteRetries"])
	assert.Equal(t, true, doc["_onDeleteMaxRetriesReached"])
	assert.True(t, Cleared(document.Record{"_onCreateEventId": nil}, PrefixOnCreate))
}
