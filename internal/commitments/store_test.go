package commitments_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testEventID = "event-e"

// MockVerifier is a mock implementation of commitments.ProofVerifier
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, proofRef, commitmentHash, eventID string) (bool, error) {
	args := m.Called(ctx, proofRef, commitmentHash, eventID)
	return args.Bool(0), args.Error(1)
}

type storeFixture struct {
	db       *gorm.DB
	store    *commitments.Store
	engine   *aggregation.Engine
	verifier *MockVerifier
}

func newStoreFixture(t *testing.T, verifier commitments.ProofVerifier) storeFixture {
	t.Helper()
	db := testutil.OpenDatabase(t, &commitments.Commitment{}, &aggregation.Event{}, &aggregation.EventDonor{})
	clock := testutil.NewFixedClock(1700000000)

	engine, err := aggregation.NewEngine(aggregation.EngineConfig{Database: db, Clock: clock.Now})
	require.NoError(t, err)

	definition, err := aggregation.NewEventDefinition(testEventID, decimal.NewFromInt(10),
		[]decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(5), decimal.NewFromInt(10)})
	require.NoError(t, err)
	_, err = engine.CreateEvent(context.Background(), definition)
	require.NoError(t, err)

	mockVerifier, _ := verifier.(*MockVerifier)
	store, err := commitments.NewStore(commitments.StoreConfig{
		Database:      db,
		Verifier:      verifier,
		Aggregates:    engine,
		VerifyTimeout: 100 * time.Millisecond,
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	return storeFixture{db: db, store: store, engine: engine, verifier: mockVerifier}
}

func acceptAll() commitments.ProofVerifier {
	return commitments.ProofVerifierFunc(func(context.Context, string, string, string) (bool, error) {
		return true, nil
	})
}

func recordRequest(t *testing.T, donor string, amount int64, hashSeed int) commitments.RecordRequest {
	t.Helper()
	hash, err := commitments.NewCommitmentHash(fmt.Sprintf("0x%064x", hashSeed))
	require.NoError(t, err)
	return commitments.RecordRequest{
		EventID:         testEventID,
		DonorRef:        commitments.DonorRef(donor),
		CommittedAmount: decimal.NewFromInt(amount),
		CommitmentHash:  hash,
		ProofRef:        commitments.ProofRef(fmt.Sprintf("proof-%d", hashSeed)),
	}
}

func TestRecordCommitmentAssignsSequenceAndUpdatesTotals(t *testing.T) {
	verifier := new(MockVerifier)
	verifier.On("Verify", mock.Anything, "proof-1", mock.Anything, testEventID).Return(true, nil)
	verifier.On("Verify", mock.Anything, "proof-2", mock.Anything, testEventID).Return(true, nil)
	fixture := newStoreFixture(t, verifier)
	ctx := context.Background()

	first, err := fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-a", 3, 1))
	require.NoError(t, err)
	second, err := fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-b", 4, 2))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.False(t, first.Revealed)
	assert.False(t, first.RevealedAmount.Valid)
	assert.NotEmpty(t, first.CommitmentID)

	totals, err := fixture.engine.GetEventTotals(ctx, testEventID)
	require.NoError(t, err)
	assert.True(t, totals.CurrentAmount.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, int64(2), totals.UniqueDonorCount)
	assert.Equal(t, 70.0, totals.ProgressPercentage)
	verifier.AssertExpectations(t)
}

func TestRecordCommitmentRejectsDuplicateHash(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	ctx := context.Background()

	_, err := fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-a", 3, 7))
	require.NoError(t, err)

	_, err = fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-b", 5, 7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, commitments.ErrDuplicateCommitment))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	totals, err := fixture.engine.GetEventTotals(ctx, testEventID)
	require.NoError(t, err)
	assert.True(t, totals.CurrentAmount.Equal(decimal.NewFromInt(3)), "duplicate must not change totals")
}

func TestRecordCommitmentTreatsPrefixedAndBareHashAsDuplicates(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	ctx := context.Background()
	digest := fmt.Sprintf("%064x", 7)

	prefixed := recordRequest(t, "donor-a", 3, 7)
	prefixed.CommitmentHash = commitments.CommitmentHash("0x" + digest)
	stored, err := fixture.store.RecordCommitment(ctx, prefixed)
	require.NoError(t, err)
	assert.Equal(t, digest, stored.CommitmentHash)

	bare := recordRequest(t, "donor-a", 3, 8)
	bare.CommitmentHash = commitments.CommitmentHash(digest)
	_, err = fixture.store.RecordCommitment(ctx, bare)
	require.Error(t, err)
	assert.Equal(t, "commitments.record.duplicate_commitment", apperr.CodeOf(err))

	totals, err := fixture.engine.GetEventTotals(ctx, testEventID)
	require.NoError(t, err)
	assert.True(t, totals.CurrentAmount.Equal(decimal.NewFromInt(3)), "one digest must count once")
	assert.Equal(t, int64(1), totals.UniqueDonorCount)
}

func TestRecordCommitmentRejectsMalformedHash(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	request := recordRequest(t, "donor-a", 3, 9)
	request.CommitmentHash = commitments.CommitmentHash("not-a-digest")

	_, err := fixture.store.RecordCommitment(context.Background(), request)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRecordCommitmentRejectsUnknownEvent(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	request := recordRequest(t, "donor-a", 1, 3)
	request.EventID = "missing-event"

	_, err := fixture.store.RecordCommitment(context.Background(), request)
	assert.True(t, errors.Is(err, commitments.ErrUnknownEvent))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRecordCommitmentFailsClosedOnInvalidProof(t *testing.T) {
	verifier := new(MockVerifier)
	verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	fixture := newStoreFixture(t, verifier)

	_, err := fixture.store.RecordCommitment(context.Background(), recordRequest(t, "donor-a", 1, 4))
	assert.True(t, errors.Is(err, commitments.ErrProofRejected))
	assert.Equal(t, apperr.KindDependency, apperr.KindOf(err))
	assert.Equal(t, "commitments.record.invalid_proof", apperr.CodeOf(err))
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.False(t, appErr.Retryable())

	var count int64
	require.NoError(t, fixture.db.Model(&commitments.Commitment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRecordCommitmentFailsClosedOnVerifierTimeout(t *testing.T) {
	slow := commitments.ProofVerifierFunc(func(ctx context.Context, _, _, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	fixture := newStoreFixture(t, slow)

	_, err := fixture.store.RecordCommitment(context.Background(), recordRequest(t, "donor-a", 1, 5))
	assert.True(t, errors.Is(err, commitments.ErrProofTimeout))
	assert.Equal(t, "commitments.record.proof_timeout", apperr.CodeOf(err))
	assert.Equal(t, apperr.KindDependency, apperr.KindOf(err))

	var count int64
	require.NoError(t, fixture.db.Model(&commitments.Commitment{}).Count(&count).Error)
	assert.Zero(t, count)
	totals, err := fixture.engine.GetEventTotals(context.Background(), testEventID)
	require.NoError(t, err)
	assert.True(t, totals.CurrentAmount.IsZero())
}

func TestConcurrentCommitmentsKeepExactTotalsAndGaplessSequence(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	ctx := context.Background()
	const commitmentCount = 25

	var wg sync.WaitGroup
	errs := make(chan error, commitmentCount)
	expected := decimal.Zero
	for index := 1; index <= commitmentCount; index++ {
		expected = expected.Add(decimal.NewFromInt(int64(index)))
		request := recordRequest(t, fmt.Sprintf("donor-%d", index%7), int64(index), 100+index)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fixture.store.RecordCommitment(ctx, request); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected commitment error: %v", err)
	}

	totals, err := fixture.engine.GetEventTotals(ctx, testEventID)
	require.NoError(t, err)
	assert.True(t, totals.CurrentAmount.Equal(expected), "expected %s got %s", expected, totals.CurrentAmount)
	assert.Equal(t, int64(7), totals.UniqueDonorCount)

	var sequences []int64
	require.NoError(t, fixture.db.Model(&commitments.Commitment{}).
		Where("event_id = ?", testEventID).
		Pluck("sequence_number", &sequences).Error)
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	require.Len(t, sequences, commitmentCount)
	for index, sequence := range sequences {
		assert.Equal(t, int64(index+1), sequence)
	}
}

func TestRevealCommitmentIsIdempotentAndOwnerOnly(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	ctx := context.Background()

	recorded, err := fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-b", 4, 9))
	require.NoError(t, err)
	commitmentID := commitments.CommitmentID(recorded.CommitmentID)

	_, err = fixture.store.RevealCommitment(ctx, commitmentID, "donor-a")
	assert.True(t, errors.Is(err, commitments.ErrNotOwner))
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	firstOutcome, err := fixture.store.RevealCommitment(ctx, commitmentID, "donor-b")
	require.NoError(t, err)
	secondOutcome, err := fixture.store.RevealCommitment(ctx, commitmentID, "donor-b")
	require.NoError(t, err)
	assert.True(t, firstOutcome.FirstReveal)
	assert.False(t, secondOutcome.FirstReveal)
	first, second := firstOutcome.Commitment, secondOutcome.Commitment

	assert.True(t, first.Revealed)
	require.True(t, first.RevealedAmount.Valid)
	assert.True(t, first.RevealedAmount.Decimal.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, first.RevealedAtSeconds, second.RevealedAtSeconds)
	assert.True(t, first.RevealedAmount.Decimal.Equal(second.RevealedAmount.Decimal))
	assert.Equal(t, first.Revealed, second.Revealed)

	totals, err := fixture.engine.GetEventTotals(ctx, testEventID)
	require.NoError(t, err)
	assert.True(t, totals.CurrentAmount.Equal(decimal.NewFromInt(4)), "reveal must not change totals")
}

func TestConcurrentRevealsReportOneFirstReveal(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	ctx := context.Background()
	recorded, err := fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-b", 4, 10))
	require.NoError(t, err)
	commitmentID := commitments.CommitmentID(recorded.CommitmentID)

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, revealErr := fixture.store.RevealCommitment(ctx, commitmentID, "donor-b")
			if revealErr != nil {
				t.Errorf("reveal failed: %v", revealErr)
				return
			}
			if outcome.FirstReveal {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, first)
}

func TestRevealCommitmentUnknownID(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	_, err := fixture.store.RevealCommitment(context.Background(), "missing", "donor-a")
	assert.True(t, errors.Is(err, commitments.ErrUnknownCommitment))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListForRankingOmitsCommittedAmounts(t *testing.T) {
	fixture := newStoreFixture(t, acceptAll())
	ctx := context.Background()
	_, err := fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-a", 3, 11))
	require.NoError(t, err)
	_, err = fixture.store.RecordCommitment(ctx, recordRequest(t, "donor-b", 4, 12))
	require.NoError(t, err)

	rows, err := fixture.store.ListForRanking(ctx, commitments.RankingFilter{EventID: testEventID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "donor-a", rows[0].DonorRef)
	assert.Equal(t, int64(1), rows[0].SequenceNumber)
	assert.False(t, rows[0].RevealedAmount.Valid)

	own, err := fixture.store.ListDonorCommitments(ctx, "donor-b", testEventID)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.True(t, own[0].CommittedAmount.Equal(decimal.NewFromInt(4)))
}
